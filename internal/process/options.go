package process

import (
	"log/slog"
	"time"

	"github.com/smazurov/stayopen/internal/logging"
)

// Default timeouts.
const (
	DefaultStartTimeout    = 5 * time.Second
	DefaultGracefulTimeout = 5 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultRestartBackoff  = time.Second
)

// StateChangeCallback is called when the worker state transitions.
type StateChangeCallback func(oldState, newState State, err error)

// Options configures a new Supervisor.
type Options struct {
	// Program is the worker binary (required before Start).
	Program string

	// Interpreter runs Program when set, e.g. a perl binary (optional).
	Interpreter string

	// StartTimeout bounds how long Start waits for the spawn.
	StartTimeout time.Duration

	// GracefulTimeout bounds how long Terminate waits after asking the
	// worker to stop before killing it.
	GracefulTimeout time.Duration

	// KillTimeout bounds how long Terminate waits after the kill.
	KillTimeout time.Duration

	// RestartOnExit restarts the worker after an unexpected exit, with
	// doubling backoff starting at RestartBackoff up to MaxRestartBackoff.
	RestartOnExit     bool
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration

	// Launcher spawns the worker. Defaults to ExecLauncher.
	Launcher Launcher

	// Notifier is told about completed async commands (optional).
	Notifier Notifier

	// OnStateChange is called on every state transition (optional).
	OnStateChange StateChangeCallback

	// OnSubmit is called for every accepted submission (optional).
	OnSubmit func(id int, action Action)

	// OnReject is called for every rejected submission (optional).
	OnReject func(action Action)

	// OnRestart is called after every successful restart (optional).
	OnRestart func()

	// OnResult is called for every stored result, on the dispatcher
	// goroutine. It must not block (optional).
	OnResult func(Result)

	// Logger for supervisor operations. If nil, uses slog.Default().
	Logger logging.Logger
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = DefaultGracefulTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	if opts.MaxRestartBackoff < opts.RestartBackoff {
		opts.MaxRestartBackoff = 30 * opts.RestartBackoff
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
