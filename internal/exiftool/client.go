// Package exiftool is the caller-facing side of the supervised exiftool
// worker: submission, result retrieval, completion callbacks and worker
// path changes. Metrics and events for every command flow through here.
package exiftool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/logging"
	"github.com/smazurov/stayopen/internal/metrics"
	"github.com/smazurov/stayopen/internal/process"
)

// DefaultProgram is looked up on PATH when no program is configured.
const DefaultProgram = "exiftool"

var (
	// ErrUnavailable is returned when the worker refused a command.
	ErrUnavailable = errors.New("exiftool is not running")
	// ErrTimeout is returned when a result did not arrive in time.
	ErrTimeout = errors.New("timed out waiting for exiftool")
)

// Options configures a Client.
type Options struct {
	Program         string
	Perl            string
	StartTimeout    time.Duration
	GracefulTimeout time.Duration
	ResultTimeout   time.Duration // default wait for WaitForResult
	RestartOnExit   bool

	// Bus receives command and worker events. A private bus is created
	// when nil.
	Bus *events.Bus

	// Launcher overrides process.ExecLauncher.
	Launcher process.Launcher

	Logger logging.Logger
}

// Client wraps a process.Supervisor.
type Client struct {
	sup           *process.Supervisor
	bus           *events.Bus
	logger        logging.Logger
	resultTimeout time.Duration
	lookPath      func(string) (string, error)

	// mu is held across SubmitAsync and the callbacks insert so a
	// completion event can never reach an id before its callback.
	mu        sync.Mutex
	callbacks map[int]func(process.Result)
	unsub     func()
	closeOnce sync.Once
}

// New creates a client. The worker is started by Start.
func New(opts Options) *Client {
	c := &Client{
		bus:           opts.Bus,
		logger:        opts.Logger,
		resultTimeout: opts.ResultTimeout,
		lookPath:      exec.LookPath,
		callbacks:     make(map[int]func(process.Result)),
	}
	if c.bus == nil {
		c.bus = events.New()
	}
	if c.logger == nil {
		c.logger = logging.GetLogger("exiftool")
	}
	if c.resultTimeout <= 0 {
		c.resultTimeout = process.DefaultResultTimeout
	}

	program := opts.Program
	if resolved, err := c.resolveProgram(program); err == nil {
		program = resolved
	}

	c.sup = process.NewSupervisor(&process.Options{
		Program:         program,
		Interpreter:     opts.Perl,
		StartTimeout:    opts.StartTimeout,
		GracefulTimeout: opts.GracefulTimeout,
		RestartOnExit:   opts.RestartOnExit,
		Launcher:        opts.Launcher,
		Notifier:        process.NotifierFunc(c.notify),
		OnStateChange:   c.stateChanged,
		OnSubmit:        c.submitted,
		OnReject:        c.rejected,
		OnResult:        c.completed,
		OnRestart:       metrics.RecordRestart,
		Logger:          logging.GetLogger("supervisor"),
	})
	metrics.SetWorkerState(string(process.StateNotRunning))

	c.unsub = c.bus.Subscribe(c.deliver)
	return c
}

// Start starts the worker.
func (c *Client) Start() error {
	return c.sup.Start()
}

// Restart restarts the worker.
func (c *Client) Restart() error {
	return c.sup.Restart()
}

// Close stops the worker. Callbacks whose results arrive during Close may
// not run.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.sup.Close()
		c.unsub()

		c.mu.Lock()
		pending := len(c.callbacks)
		clear(c.callbacks)
		c.mu.Unlock()
		if pending > 0 {
			c.logger.Debug("Dropped pending callbacks", "count", pending)
		}
	})
}

// Bus returns the event bus the client publishes to.
func (c *Client) Bus() *events.Bus {
	return c.bus
}

// Supervisor exposes the underlying supervisor.
func (c *Client) Supervisor() *process.Supervisor {
	return c.sup
}

// Submit queues a command and returns its id, or 0 when refused.
func (c *Client) Submit(args [][]byte, action process.Action) int {
	return c.sup.Submit(args, action)
}

// SubmitAsync queues a command whose completion is published as a
// CommandCompletedEvent. The result stays in the store until taken.
func (c *Client) SubmitAsync(args [][]byte, action process.Action) int {
	return c.sup.SubmitAsync(args, action)
}

// SubmitFunc queues a command and calls fn with its result once it
// completes. fn runs on an event bus goroutine, never on the dispatcher.
// Returns 0, without calling fn, when the command was refused.
func (c *Client) SubmitFunc(args [][]byte, action process.Action, fn func(process.Result)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.sup.SubmitAsync(args, action)
	if id != 0 {
		c.callbacks[id] = fn
	}
	return id
}

// GetResult takes the result for id if it is ready.
func (c *Client) GetResult(id int) (process.Result, bool) {
	return c.sup.GetResult(id)
}

// WaitForResult waits for and takes the result for id. A timeout <= 0
// uses the client's result timeout.
func (c *Client) WaitForResult(ctx context.Context, id int, timeout time.Duration) process.Result {
	if timeout <= 0 {
		timeout = c.resultTimeout
	}
	r := c.sup.WaitForResult(ctx, id, timeout)
	if r.WaitTimedOut {
		metrics.RecordWaitTimeout()
		c.logger.Debug("Result wait timed out", "id", id, "timeout", timeout)
	}
	return r
}

// Discard drops an unretrieved result.
func (c *Client) Discard(id int) bool {
	return c.sup.Discard(id)
}

// IsAvailable reports whether the worker is running.
func (c *Client) IsAvailable() bool {
	return c.sup.IsAvailable()
}

// IsBusy reports whether a command is in dispatch.
func (c *Client) IsBusy() bool {
	return c.sup.IsBusy()
}

// Info returns a supervisor snapshot.
func (c *Client) Info() process.Info {
	return c.sup.Info()
}

// SetWorkerPath points the client at a different exiftool and restarts
// the worker. An empty path or a bare "exiftool" is looked up on PATH and
// a directory means the exiftool inside it. Nothing happens when the
// worker is already running from the resolved path.
func (c *Client) SetWorkerPath(path string) error {
	_, perl := c.sup.Program()
	return c.SetPaths(path, perl)
}

// SetPaths changes program and perl together, restarting the worker at
// most once. program is resolved as in SetWorkerPath.
func (c *Client) SetPaths(program, perl string) error {
	resolved, err := c.resolveProgram(program)
	if err != nil {
		return err
	}

	currentProgram, currentPerl := c.sup.Program()
	if currentProgram == resolved && currentPerl == perl && c.sup.IsAvailable() {
		return nil
	}

	c.logger.Info("Changing exiftool program",
		"program", resolved, "perl", perl,
		"previous_program", currentProgram, "previous_perl", currentPerl)
	c.sup.SetProgram(resolved, perl)
	return c.sup.Restart()
}

// SetInterpreterPath sets the perl used to run the program, or clears it
// when empty, and restarts the worker if it changed.
func (c *Client) SetInterpreterPath(path string) error {
	program, current := c.sup.Program()
	if current == path && c.sup.IsAvailable() {
		return nil
	}

	c.logger.Info("Changing perl interpreter", "from", current, "to", path)
	c.sup.SetProgram(program, path)
	return c.sup.Restart()
}

// Version runs "exiftool -ver" through the worker.
func (c *Client) Version(ctx context.Context) (string, error) {
	id := c.Submit(process.StringArgs("-ver"), process.ActionVersionString)
	if id == 0 {
		return "", ErrUnavailable
	}

	r := c.WaitForResult(ctx, id, 0)
	switch {
	case r.WaitTimedOut && r.Err != nil:
		return "", r.Err
	case r.WaitTimedOut:
		return "", ErrTimeout
	case !r.OK():
		if r.Err != nil {
			return "", fmt.Errorf("exiftool -ver: %w", r.Err)
		}
		return "", fmt.Errorf("exiftool -ver: status %s", r.Status)
	}
	return strings.TrimSpace(string(r.Output)), nil
}

func (c *Client) resolveProgram(path string) (string, error) {
	if path == "" || path == DefaultProgram {
		found, err := c.lookPath(DefaultProgram)
		if err != nil {
			return "", fmt.Errorf("%s not found in PATH: %w", DefaultProgram, err)
		}
		return found, nil
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, DefaultProgram), nil
	}
	return path, nil
}

// deliver runs on the bus subscriber goroutine.
func (c *Client) deliver(e events.CommandCompletedEvent) {
	c.mu.Lock()
	fn, ok := c.callbacks[e.CommandID]
	delete(c.callbacks, e.CommandID)
	c.mu.Unlock()
	if !ok {
		return
	}

	r, found := c.sup.GetResult(e.CommandID)
	if !found {
		c.logger.Warn("Result taken before callback", "id", e.CommandID)
		return
	}
	fn(r)
}

func (c *Client) notify(id int, action process.Action, status process.Status) {
	c.bus.Publish(events.CommandCompletedEvent{
		CommandID: id,
		Action:    action.String(),
		Status:    status.String(),
		Timestamp: timestamp(),
	})
}

func (c *Client) stateChanged(from, to process.State, err error) {
	metrics.SetWorkerState(string(to))

	ev := events.WorkerStateChangedEvent{
		From:      string(from),
		To:        string(to),
		Timestamp: timestamp(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(ev)
}

func (c *Client) submitted(_ int, action process.Action) {
	metrics.RecordSubmitted(action.String())
	metrics.SetQueueLength(c.sup.QueueLength())
}

func (c *Client) rejected(action process.Action) {
	metrics.RecordRejected(action.String())
	c.bus.Publish(events.CommandRejectedEvent{
		Action:    action.String(),
		Timestamp: timestamp(),
	})
}

func (c *Client) completed(r process.Result) {
	metrics.RecordCompleted(r.Action.String(), r.Status.String(), r.Elapsed)
	metrics.SetQueueLength(c.sup.QueueLength())
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
