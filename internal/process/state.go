package process

import "time"

// State represents the lifecycle state of the supervised worker.
type State string

// Worker states.
const (
	StateNotRunning State = "not_running" // No live worker
	StateStarting   State = "starting"    // Spawn in progress
	StateRunning    State = "running"     // Accepting commands
)

// Info contains a snapshot of the supervisor.
type Info struct {
	State        State
	PID          int
	Instance     string
	Program      string
	Interpreter  string
	StartedAt    time.Time
	RestartCount int
	LastError    error
	QueueLength  int
	Busy         bool
	Unretrieved  int
}
