package bus

// Queue and sync topics.
const (
	TopicQueueStateChanged = "queue.state_changed"
	TopicQueueQuarantined  = "queue.quarantined"
	TopicConflictDetected  = "conflict.detected"
	TopicConflictResolved  = "conflict.resolved"
	TopicSyncCycleStarted  = "sync.cycle_started"
	TopicSyncResult        = "sync.result"
	TopicConnectivity      = "connectivity.changed"
)

// QueueStateChangedEvent is published when an operation's status changes.
type QueueStateChangedEvent struct {
	OperationID string // Operation ID
	EntityRef   string // Remote entity the operation targets
	OldStatus   string // Previous status (e.g. pending)
	NewStatus   string // New status (e.g. syncing)
}

// QuarantinedEvent is published when an operation fails local validation
// and is quarantined instead of transmitted.
type QuarantinedEvent struct {
	OperationID string
	EntityRef   string
	Reason      string
}

// ConflictDetectedEvent is published when the remote service reports a
// version divergence and a conflict record is materialized.
type ConflictDetectedEvent struct {
	ConflictID    string
	OperationID   string
	EntityRef     string
	LocalVersion  int64
	ServerVersion int64
}

// ConflictResolvedEvent is published when an operator resolves a conflict.
type ConflictResolvedEvent struct {
	ConflictID  string
	OperationID string
	Resolution  string // local, server, or merged
}

// ConnectivityEvent is published on online/offline transitions.
type ConnectivityEvent struct {
	Online bool
}
