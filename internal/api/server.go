package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/stayopen/internal/api/models"
	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/logging"
	"github.com/smazurov/stayopen/internal/process"
	"github.com/smazurov/stayopen/internal/version"
)

const authRealm = `Basic realm="stayopen"`

// WorkerClient is the part of exiftool.Client the API serves.
type WorkerClient interface {
	SubmitAsync(args [][]byte, action process.Action) int
	GetResult(id int) (process.Result, bool)
	Discard(id int) bool
	WaitForResult(ctx context.Context, id int, timeout time.Duration) process.Result
	Info() process.Info
	Restart() error
	SetPaths(program, perl string) error
	Version(ctx context.Context) (string, error)
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Client            WorkerClient
	EventBus          *events.Bus
	PrometheusHandler http.Handler // served at /metrics without auth when set
}

// Server is the huma API over a WorkerClient.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	client     WorkerClient
	eventBus   *events.Bus
	options    *Options
	logger     *slog.Logger
}

// NewServer creates the API server on a Go 1.22 ServeMux.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()
	cors := DefaultCORSConfig()
	AddCORSHandler(mux, cors)

	config := huma.DefaultConfig("stayopen API", version.Version)
	config.Info.Description = "Command queue and result store for a persistent exiftool worker"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	s := &Server{
		api:      humago.New(mux, config),
		mux:      mux,
		client:   opts.Client,
		eventBus: opts.EventBus,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}

	s.api.UseMiddleware(NewCORSMiddleware(cors))
	s.api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		s.api.UseMiddleware(s.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// No bundled frontend; the root points at the API docs.
	mux.Handle("GET /{$}", http.RedirectHandler("/docs", http.StatusFound))

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	s.registerRoutes()
	return s
}

// GetMux returns the underlying ServeMux.
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the huma API.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// is done. Open event streams are cut.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// basicAuthMiddleware checks credentials on operations that declare a
// security requirement. The Authorization header wins; EventSource
// clients that cannot set headers pass base64 "user:pass" as ?auth=.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		user, pass, msg := credentials(ctx)
		if msg == "" && (subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1) {
			msg = "Invalid credentials"
		}
		if msg != "" {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
			return
		}
		next(ctx)
	}
}

// credentials extracts basic auth credentials. A non-empty msg describes
// why none could be read.
func credentials(ctx huma.Context) (user, pass, msg string) {
	encoded := ctx.Query("auth")
	if header := ctx.Header("Authorization"); header != "" {
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return "", "", "Invalid authentication type"
		}
		encoded = header[len(prefix):]
	}
	if encoded == "" {
		return "", "", "Authentication required"
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", "Invalid credentials format"
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", "Invalid credentials format"
	}
	return user, pass, ""
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Build information, plus the exiftool version when the worker is running",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		data := models.VersionData{
			Version:   info.Version,
			GitCommit: info.GitCommit,
			BuildDate: info.BuildDate,
			GoVersion: info.GoVersion,
			Platform:  info.Platform,
		}

		if s.client.Info().State == process.StateRunning {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if v, err := s.client.Version(ctx); err == nil {
				data.ExifToolVersion = v
			} else {
				s.logger.Debug("exiftool version unavailable", "error", err)
			}
		}
		return &models.VersionResponse{Body: data}, nil
	})

	s.registerWorkerRoutes()
	s.registerCommandRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
