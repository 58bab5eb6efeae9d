package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request is the immutable user input for one orchestration call.
type Request struct {
	Text        string        `json:"text"`
	Mode        ExecutionMode `json:"mode"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// NewRequest stamps a request with the current time.
func NewRequest(text string, mode ExecutionMode) Request {
	return Request{Text: text, Mode: mode, SubmittedAt: time.Now()}
}

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAnalyzing    Status = "analyzing"
	StatusDecomposed   Status = "decomposed"
	StatusExecuting    Status = "executing"
	StatusArbitrating  Status = "arbitrating"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var statusOrder = map[Status]int{
	StatusPending:      0,
	StatusAnalyzing:    1,
	StatusDecomposed:   2,
	StatusExecuting:    3,
	StatusArbitrating:  4,
	StatusSynthesizing: 5,
	StatusCompleted:    6,
	StatusFailed:       6,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the root unit of work wrapping a Request.
type Task struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a pending task for the request.
func New(req Request) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Content returns the raw request text.
func (t *Task) Content() string {
	return t.Request.Text
}

// Advance moves the task forward. Stages may be skipped but never revisited,
// and any non-terminal state may fail.
func (t *Task) Advance(next Status) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already %s", t.ID, t.Status)
	}
	if next == StatusFailed {
		t.Status = next
		return nil
	}
	if statusOrder[next] <= statusOrder[t.Status] {
		return fmt.Errorf("task %s cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

// SubtaskStatus is the lifecycle state of a Subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRouted    SubtaskStatus = "routed"
	SubtaskExecuting SubtaskStatus = "executing"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Subtask is an atomic unit of work produced by decomposition.
type Subtask struct {
	ID        string        `json:"id"`
	ParentID  string        `json:"parent_id"`
	Content   string        `json:"content"`
	Type      TaskType      `json:"type"`
	Priority  Priority      `json:"priority"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Status    SubtaskStatus `json:"status"`
	Order     int           `json:"order"`
}

// SubtaskID builds the deterministic id of the n-th subtask (1-based) of a task.
func SubtaskID(n int) string {
	return fmt.Sprintf("st-%d", n)
}

// Independent reports whether the subtask can start without waiting on others.
func (s *Subtask) Independent() bool {
	return len(s.DependsOn) == 0
}
