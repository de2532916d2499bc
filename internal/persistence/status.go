package persistence

import "fmt"

// TaskStatus is the task status vocabulary of the head schema revision.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusReported         TaskStatus = "reported"
	TaskStatusRecovered        TaskStatus = "recovered"
	TaskStatusFailedAnalysis   TaskStatus = "failed_analysis"
	TaskStatusFailedProcessing TaskStatus = "failed_processing"
	TaskStatusFailedReporting  TaskStatus = "failed_reporting"
)

var taskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusReported,
	TaskStatusRecovered,
	TaskStatusFailedAnalysis,
	TaskStatusFailedProcessing,
	TaskStatusFailedReporting,
}

// TaskStatuses lists every valid status.
func TaskStatuses() []TaskStatus {
	out := make([]TaskStatus, len(taskStatuses))
	copy(out, taskStatuses)
	return out
}

// ParseTaskStatus validates a status label.
func ParseTaskStatus(label string) (TaskStatus, error) {
	for _, s := range taskStatuses {
		if string(s) == label {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, label)
}

// Terminal reports whether no further work is expected for the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusReported, TaskStatusRecovered,
		TaskStatusFailedAnalysis, TaskStatusFailedProcessing, TaskStatusFailedReporting:
		return true
	}
	return false
}

// endsAnalysis reports whether the status is reached once the analysis run
// is over, which is when completed_on is stamped.
func (s TaskStatus) endsAnalysis() bool {
	return s == TaskStatusCompleted || s.Terminal()
}
