package process

import "time"

// Status is the terminal outcome of a command.
type Status int

// Result statuses. StatusInProgress never leaves the dispatcher and
// StatusNone marks the "no such result" zero value.
const (
	StatusNone Status = iota
	StatusInProgress
	StatusCommand
	StatusError
	StatusFinish
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusInProgress:
		return "in_progress"
	case StatusCommand:
		return "command"
	case StatusError:
		return "error"
	case StatusFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Result is the outcome of exactly one command.
type Result struct {
	CommandID    int
	Action       Action
	Status       Status
	Elapsed      time.Duration
	Output       []byte // stdout payload between the markers
	Diagnostic   []byte // stderr payload between the markers
	WaitTimedOut bool
	Instance     string // worker instance that produced the result
	Err          error
}

// OK reports whether the worker completed the command normally.
func (r Result) OK() bool {
	return r.Status == StatusCommand && r.Err == nil
}

// Found reports whether r holds a stored result rather than the "no such
// result" value.
func (r Result) Found() bool {
	return r.Status != StatusNone
}
