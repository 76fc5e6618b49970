package docqw

// TaskStatus is the lifecycle status of a task.
// Use the exported constants instead of raw strings to avoid typos.
type TaskStatus string

const (
	// StatusPending is the status of an accepted task waiting for a worker.
	StatusPending TaskStatus = "pending"
	// StatusStarted is the status of a task a worker is processing.
	StatusStarted TaskStatus = "started"
	// StatusSuccess is the terminal status of a completed task.
	StatusSuccess TaskStatus = "success"
	// StatusFailure is the terminal status of a task whose conversion failed.
	StatusFailure TaskStatus = "failure"
	// StatusRevoked is the terminal status of a cancelled task.
	StatusRevoked TaskStatus = "revoked"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []TaskStatus{StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusRevoked}

// String returns the raw string value of the status.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same status is allowed; leaving a terminal status is not.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusStarted:
		return from == StatusPending
	case StatusSuccess, StatusFailure:
		return from == StatusStarted || from == StatusPending
	case StatusRevoked:
		return from == StatusPending || from == StatusStarted
	default:
		return false
	}
}

// ParseTaskStatus converts a string into a TaskStatus, returning an error for unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusStarted):
		return StatusStarted, nil
	case string(StatusSuccess):
		return StatusSuccess, nil
	case string(StatusFailure):
		return StatusFailure, nil
	case string(StatusRevoked):
		return StatusRevoked, nil
	default:
		return "", ErrUnknownStatus
	}
}

// TaskType is the kind of work a task performs.
type TaskType string

const (
	TaskConvert TaskType = "convert"
	TaskChunk   TaskType = "chunk"
)

// String returns the raw string value of the type.
func (t TaskType) String() string { return string(t) }

// ParseTaskType converts a string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch s {
	case string(TaskConvert):
		return TaskConvert, nil
	case string(TaskChunk):
		return TaskChunk, nil
	default:
		return "", ErrUnknownTaskType
	}
}
