package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"

	"github.com/smazurov/stayopen/internal/api/models"
	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/logging"
	"github.com/smazurov/stayopen/internal/process"
)

// mockClient is a WorkerClient backed by a map of results.
type mockClient struct {
	mu        sync.Mutex
	info      process.Info
	nextID    int
	submitted [][]string
	actions   []process.Action
	results   map[int]process.Result
	startErr  error
	paths     [2]string
	version   string
}

func newMockClient() *mockClient {
	return &mockClient{
		info:    process.Info{State: process.StateRunning, PID: 4242, Program: "/usr/bin/exiftool"},
		results: make(map[int]process.Result),
		version: "13.10",
	}
}

func (m *mockClient) SubmitAsync(args [][]byte, action process.Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.State != process.StateRunning {
		return 0
	}
	m.nextID++
	strs := make([]string, len(args))
	for i, a := range args {
		strs[i] = string(a)
	}
	m.submitted = append(m.submitted, strs)
	m.actions = append(m.actions, action)
	return m.nextID
}

func (m *mockClient) GetResult(id int) (process.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	delete(m.results, id)
	return r, ok
}

func (m *mockClient) Discard(id int) bool {
	_, ok := m.GetResult(id)
	return ok
}

func (m *mockClient) WaitForResult(_ context.Context, id int, _ time.Duration) process.Result {
	if r, ok := m.GetResult(id); ok {
		return r
	}
	return process.Result{CommandID: id, WaitTimedOut: true}
}

func (m *mockClient) Info() process.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *mockClient) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		m.info.State = process.StateNotRunning
		return m.startErr
	}
	m.info.RestartCount++
	return nil
}

func (m *mockClient) SetPaths(program, perl string) error {
	m.mu.Lock()
	m.paths = [2]string{program, perl}
	m.info.Program, m.info.Interpreter = program, perl
	m.mu.Unlock()
	return m.Restart()
}

func (m *mockClient) Version(context.Context) (string, error) {
	return m.version, nil
}

func (m *mockClient) put(r process.Result) {
	m.mu.Lock()
	m.results[r.CommandID] = r
	m.mu.Unlock()
}

func newTestAPI(t *testing.T, client *mockClient, auth bool) humatest.TestAPI {
	t.Helper()
	_, api := humatest.New(t)
	s := &Server{
		api:      api,
		client:   client,
		eventBus: events.New(),
		logger:   slog.New(slog.DiscardHandler),
	}
	if auth {
		api.UseMiddleware(s.basicAuthMiddleware("admin", "secret"))
	}
	s.registerRoutes()
	return api
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, newMockClient(), true)

	resp := api.Get("/api/health")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	if body := decode[map[string]string](t, resp.Body.Bytes()); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestVersionIncludesExifTool(t *testing.T) {
	api := newTestAPI(t, newMockClient(), false)

	resp := api.Get("/api/version")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if body := decode[map[string]any](t, resp.Body.Bytes()); body["exiftool_version"] != "13.10" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitCommand(t *testing.T) {
	client := newMockClient()
	api := newTestAPI(t, client, false)

	resp := api.Post("/api/commands", map[string]any{
		"args":   []string{"-json", "/photos/a.jpg"},
		"action": "load_metadata",
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	body := decode[map[string]any](t, resp.Body.Bytes())
	if body["id"] != float64(1) || body["action"] != "load_metadata" {
		t.Errorf("body = %v", body)
	}
	if got := strings.Join(client.submitted[0], " "); got != "-json /photos/a.jpg" {
		t.Errorf("submitted %q", got)
	}
	if client.actions[0] != process.ActionLoadMetadata {
		t.Errorf("action = %v", client.actions[0])
	}
}

func TestSubmitCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]any
		stopped bool
		want    int
	}{
		{"empty args", map[string]any{"args": []string{}}, false, http.StatusBadRequest},
		{"unknown action", map[string]any{"args": []string{"-ver"}, "action": "format_disk"}, false, http.StatusBadRequest},
		{"worker stopped", map[string]any{"args": []string{"-ver"}}, true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			if tt.stopped {
				client.info.State = process.StateNotRunning
			}
			api := newTestAPI(t, client, false)

			resp := api.Post("/api/commands", tt.body)
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.Code, tt.want, resp.Body)
			}
		})
	}
}

func TestGetCommandResultTakesOnce(t *testing.T) {
	client := newMockClient()
	client.put(process.Result{
		CommandID:  7,
		Action:     process.ActionCopyTags,
		Status:     process.StatusCommand,
		Elapsed:    1500 * time.Microsecond,
		Output:     []byte("1 image files updated\n"),
		Diagnostic: []byte("Warning: minor\n"),
		Instance:   "inst-1",
	})
	api := newTestAPI(t, client, false)

	resp := api.Get("/api/commands/7")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	body := decode[map[string]any](t, resp.Body.Bytes())
	want := map[string]any{
		"id":              float64(7),
		"action":          "copy_tags",
		"status":          "command",
		"elapsed_ms":      1.5,
		"output":          "1 image files updated\n",
		"diagnostic":      "Warning: minor\n",
		"output_encoding": "utf8",
		"instance":        "inst-1",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}

	if resp := api.Get("/api/commands/7"); resp.Code != http.StatusNotFound {
		t.Errorf("second take status = %d, want 404", resp.Code)
	}
}

func TestResultBinaryOutput(t *testing.T) {
	client := newMockClient()
	client.put(process.Result{CommandID: 3, Status: process.StatusCommand, Output: []byte{0xff, 0xd8, 0xff}})
	api := newTestAPI(t, client, false)

	body := decode[map[string]any](t, api.Get("/api/commands/3").Body.Bytes())
	if body["output_encoding"] != "base64" || body["output"] != base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff}) {
		t.Errorf("body = %v", body)
	}
}

func TestResultError(t *testing.T) {
	client := newMockClient()
	client.put(process.Result{CommandID: 9, Status: process.StatusFinish, Err: process.ErrWorkerExited})
	api := newTestAPI(t, client, false)

	body := decode[map[string]any](t, api.Get("/api/commands/9").Body.Bytes())
	if body["status"] != "finish" || body["error"] != process.ErrWorkerExited.Error() {
		t.Errorf("body = %v", body)
	}
}

func TestWaitCommandResult(t *testing.T) {
	client := newMockClient()
	client.put(process.Result{CommandID: 4, Status: process.StatusCommand, Output: []byte("ok\n")})
	api := newTestAPI(t, client, false)

	if resp := api.Get("/api/commands/4/wait?timeout_ms=100"); resp.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", resp.Code, resp.Body)
	}
	if resp := api.Get("/api/commands/4/wait?timeout_ms=100"); resp.Code != http.StatusGatewayTimeout {
		t.Errorf("status after take = %d, want 504", resp.Code)
	}
}

func TestWorkerRoutes(t *testing.T) {
	client := newMockClient()
	api := newTestAPI(t, client, false)

	resp := api.Get("/api/worker")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	body := decode[map[string]any](t, resp.Body.Bytes())
	if body["state"] != "running" || body["pid"] != float64(4242) {
		t.Errorf("body = %v", body)
	}

	resp = api.Put("/api/worker/program", map[string]any{"program": "/opt/exiftool", "perl": "/usr/bin/perl"})
	if resp.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", resp.Code, resp.Body)
	}
	if client.paths != [2]string{"/opt/exiftool", "/usr/bin/perl"} {
		t.Errorf("paths = %q", client.paths)
	}

	// Perl omitted keeps the current interpreter.
	resp = api.Put("/api/worker/program", map[string]any{"program": "/opt/other"})
	if resp.Code != http.StatusOK {
		t.Fatalf("put status = %d", resp.Code)
	}
	if client.paths != [2]string{"/opt/other", "/usr/bin/perl"} {
		t.Errorf("paths = %q", client.paths)
	}

	if resp := api.Post("/api/worker/restart"); resp.Code != http.StatusOK {
		t.Errorf("restart status = %d", resp.Code)
	}
}

func TestWorkerStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		put  int
		post int
	}{
		{"missing binary", &process.StartError{Code: process.ErrCodeBinaryMissing, Message: "file not found"}, http.StatusBadRequest, http.StatusServiceUnavailable},
		{"not executable", &process.StartError{Code: process.ErrCodeNotExecutable, Message: "file is not executable"}, http.StatusBadRequest, http.StatusServiceUnavailable},
		{"timeout", &process.StartError{Code: process.ErrCodeStartTimeout, Message: "slow"}, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"closed", process.ErrClosed, http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"lookup", errors.New("exiftool not found in PATH"), http.StatusBadRequest, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			client.startErr = tt.err
			api := newTestAPI(t, client, false)

			if resp := api.Put("/api/worker/program", map[string]any{"program": "/x"}); resp.Code != tt.put {
				t.Errorf("put status = %d, want %d", resp.Code, tt.put)
			}
			if resp := api.Post("/api/worker/restart"); resp.Code != tt.post {
				t.Errorf("restart status = %d, want %d", resp.Code, tt.post)
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	api := newTestAPI(t, newMockClient(), true)
	good := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	bad := base64.StdEncoding.EncodeToString([]byte("admin:wrong"))

	tests := []struct {
		name string
		path string
		args []any
		want int
	}{
		{"no credentials", "/api/worker", nil, http.StatusUnauthorized},
		{"header", "/api/worker", []any{"Authorization: Basic " + good}, http.StatusOK},
		{"wrong password", "/api/worker", []any{"Authorization: Basic " + bad}, http.StatusUnauthorized},
		{"bearer", "/api/worker", []any{"Authorization: Bearer " + good}, http.StatusUnauthorized},
		{"garbage", "/api/worker", []any{"Authorization: Basic !!!"}, http.StatusUnauthorized},
		{"query", "/api/worker?auth=" + good, nil, http.StatusOK},
		{"public route", "/api/health", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Get(tt.path, tt.args...)
			if resp.Code != tt.want {
				t.Errorf("status = %d, want %d", resp.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
		})
	}
}

func TestLogs(t *testing.T) {
	api := newTestAPI(t, newMockClient(), false)

	logger := logging.GetLogger("logs-route-test")
	logger.Info("Worker started", "pid", 4242)
	logger.Warn("Worker stderr", "line", "Warning: minor")

	resp := api.Get("/api/logs?module=logs-route-test&level=warn")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	data := decode[models.LogsData](t, resp.Body.Bytes())
	if len(data.Entries) != 1 {
		t.Fatalf("entries = %+v, want one", data.Entries)
	}
	e := data.Entries[0]
	if e.Message != "Worker stderr" || e.Level != "warn" || e.Module != "logs-route-test" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attributes["line"] != "Warning: minor" {
		t.Errorf("attributes = %v", e.Attributes)
	}

	resp = api.Get("/api/logs?module=logs-route-test&limit=1")
	data = decode[models.LogsData](t, resp.Body.Bytes())
	if len(data.Entries) != 1 || data.Entries[0].Message != "Worker stderr" {
		t.Errorf("limit=1 entries = %+v, want the newest", data.Entries)
	}

	if resp := api.Get("/api/logs?level=loud"); resp.Code < 400 {
		t.Errorf("unknown level status = %d", resp.Code)
	}
}

func TestDiscardCommandResult(t *testing.T) {
	client := newMockClient()
	api := newTestAPI(t, client, false)
	client.put(process.Result{CommandID: 5, Status: process.StatusCommand, Output: []byte("unread")})

	if resp := api.Delete("/api/commands/5"); resp.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}
	if resp := api.Get("/api/commands/5"); resp.Code != http.StatusNotFound {
		t.Errorf("result still readable after discard: %d", resp.Code)
	}
	if resp := api.Delete("/api/commands/5"); resp.Code != http.StatusNotFound {
		t.Errorf("second discard status = %d, want 404", resp.Code)
	}
}
