package bus

// Session lifecycle topics.
const (
	TopicSessionStarted   = "session.started"
	TopicSessionHeartbeat = "session.heartbeat"
	TopicSessionStopped   = "session.stopped"
)

// Task execution topics.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// Approval queue topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicApprovalExpired   = "approval.expired"
)

// Checkpoint and gate topics.
const (
	TopicCheckpointCreated = "checkpoint.created"
	TopicGateEvaluated     = "gate.evaluated"
)

// SessionEvent is published on session lifecycle changes.
type SessionEvent struct {
	SessionID string // Session ID
	Status    string // New session status
	Reason    string // Stop reason, if any
}

// TaskEvent is published when a task starts, completes, or fails.
type TaskEvent struct {
	SessionID  string  // Owning session ID
	TaskID     string  // Task ID within the DAG
	Status     string  // New task status
	Confidence float64 // Reported confidence (completions only)
	Error      string  // Failure message, if any
}

// ApprovalEvent is published on approval queue state changes.
type ApprovalEvent struct {
	RequestID string // Approval request ID
	Category  string // Request category (e.g. network_write)
	Status    string // New request status
	DecidedBy string // Human who decided, if decided
}

// CheckpointEvent is published when a checkpoint is written.
type CheckpointEvent struct {
	SessionID    string // Owning session ID
	CheckpointID string // Monotonic checkpoint ID (cp-%04d)
	TaskIndex    int    // Loop iteration at checkpoint time
}

// GateEvent is published after every AEGIS gate evaluation.
type GateEvent struct {
	SessionID    string   // Session whose promotion was evaluated
	Approved     bool     // Overall decision
	ChecksFailed []string // Names of failing checks
}
