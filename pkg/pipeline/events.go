package pipeline

import (
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// Stage names, also used as execution path entries.
const (
	StageAnalysis      = "analysis"
	StageDecomposition = "decomposition"
	StageRouting       = "routing"
	StageExecution     = "execution"
	StageArbitration   = "arbitration"
	StageSynthesis     = "synthesis"
)

// EventType distinguishes events within a stage.
type EventType string

const (
	EventCompleted        EventType = "completed"
	EventSubtaskCompleted EventType = "subtask_completed"
	EventFinal            EventType = "final"
)

// Event is one progress notification. Events for a task fire in stage order and the
// last one is always a synthesis/final event carrying the FinalResponse.
type Event struct {
	Stage     string    `json:"stage"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Observer receives progress events. OnEvent is called synchronously; slow observers
// delay the task.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

type multi []Observer

func (m multi) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

// RoutingPayload is the payload of the routing event.
type RoutingPayload struct {
	Subtasks    []task.Subtask           `json:"subtasks"`
	Assignments []task.RoutingAssignment `json:"assignments"`
	Failures    map[string]string        `json:"failures,omitempty"`
}

// ExecutionPayload summarizes the execution stage.
type ExecutionPayload struct {
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	WallTime  time.Duration `json:"wall_time"`
}
