package bus

// Task store topics. Subscribe to "task." for every task event.
const (
	TopicTaskSubmitted         = "task.submitted"
	TopicTaskClaimed           = "task.claimed"
	TopicTaskStateChanged      = "task.state_changed"
	TopicTaskProcessingClaimed = "task.processing_claimed"
	TopicTaskErrorAppended     = "task.error_appended"
)

// TopicSchemaMigrated is published after a migration commits.
const TopicSchemaMigrated = "schema.migrated"

// TaskSubmittedEvent is published when a task row is inserted.
type TaskSubmittedEvent struct {
	TaskID   int64
	Category string
	Target   string
	Priority int
}

// TaskClaimedEvent is published when a worker or processing instance claims
// a task.
type TaskClaimedEvent struct {
	TaskID int64
	Owner  string
}

// TaskStateChangedEvent is published when a task's status is written.
type TaskStateChangedEvent struct {
	TaskID    int64
	OldStatus string
	NewStatus string
}

// TaskErrorAppendedEvent is published when an error record is added.
type TaskErrorAppendedEvent struct {
	TaskID  int64
	ErrorID int64
	Action  string
}

// SchemaMigratedEvent is published after a migration commits.
type SchemaMigratedEvent struct {
	From  string
	To    string
	Steps int
}
