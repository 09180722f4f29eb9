package worker

import (
	"time"
)

// Status is the lifecycle state of a long-running Task, mirroring
// core.TaskStatus. Status transitions are monotonic: once a Task
// reaches a terminal state it never moves again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is one a Task never leaves.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// statusRank orders states for the forward-only transition check:
// pending < in_progress < {completed, failed, cancelled}. failed and
// cancelled can be reached directly from either earlier state.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:      2,
	StatusCancelled:  2,
}

// CanTransition reports whether moving from 'from' to 'to' is a legal,
// forward-only status transition.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return statusRank[to] >= statusRank[from]
}

// Progress tracks a Task's completion, mirroring core.TaskProgress.
type Progress struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Message   string  `json:"message,omitempty"`
}

// TaskError carries failure details for a Task, mirroring core.TaskError.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task is a long-running unit of work a handler creates to report
// progress ahead of an eventual callback, grounded on core.Task /
// core.TaskProgress.
type Task struct {
	ID        string     `json:"id"`
	ActionType string    `json:"action_type"`
	Status    Status     `json:"status"`
	Progress  *Progress  `json:"progress,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask builds a pending Task.
func NewTask(id, actionType string) *Task {
	return &Task{ID: id, ActionType: actionType, Status: StatusPending, CreatedAt: time.Now().UTC()}
}
