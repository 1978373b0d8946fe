package events

// Event type constants for kelindar/event.
const (
	TypeCommandCompleted uint32 = iota + 1
	TypeCommandRejected
	TypeWorkerStateChanged
	TypeWorkerStats
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// CommandCompletedEvent is published when a command submitted for async
// notification reaches a terminal status. The result itself stays in the
// store until taken.
type CommandCompletedEvent struct {
	CommandID int    `json:"command_id" example:"42" doc:"Correlation id of the command"`
	Action    string `json:"action" example:"load_metadata" doc:"Action tag the command was submitted with"`
	Status    string `json:"status" example:"command" doc:"Terminal status: command, error, finish"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Completion timestamp"`
}

// Type returns the event type identifier for CommandCompletedEvent.
func (e CommandCompletedEvent) Type() uint32 { return TypeCommandCompleted }

// CommandRejectedEvent is published when a submission is refused.
type CommandRejectedEvent struct {
	Action    string `json:"action" example:"load_metadata" doc:"Action tag of the rejected command"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Rejection timestamp"`
}

// Type returns the event type identifier for CommandRejectedEvent.
func (e CommandRejectedEvent) Type() uint32 { return TypeCommandRejected }

// WorkerStateChangedEvent is published on every worker state transition.
type WorkerStateChangedEvent struct {
	From      string `json:"from" example:"running" doc:"Previous state"`
	To        string `json:"to" example:"not_running" doc:"New state"`
	Error     string `json:"error,omitempty" example:"worker exited: exit code 1" doc:"Cause of the transition, if any"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Transition timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// WorkerStatsEvent carries periodic command counters.
type WorkerStatsEvent struct {
	EventType   string `json:"type" example:"worker_stats"`
	State       string `json:"state" example:"running" doc:"Current worker state"`
	QueueLength int    `json:"queue_length" example:"0" doc:"Commands waiting for dispatch"`
	Submitted   uint64 `json:"submitted" example:"120" doc:"Commands accepted"`
	Rejected    uint64 `json:"rejected" example:"2" doc:"Submissions refused"`
	Completed   uint64 `json:"completed" example:"117" doc:"Commands completed successfully"`
	Failed      uint64 `json:"failed" example:"1" doc:"Commands that ended with an error"`
	Restarts    uint64 `json:"restarts" example:"0" doc:"Worker restarts"`
}

// Type returns the event type identifier for WorkerStatsEvent.
func (e WorkerStatsEvent) Type() uint32 { return TypeWorkerStats }
