// Package observer provides progress sinks for the pipeline: a structured logger and
// a WebSocket hub that streams events to connected clients.
package observer

import (
	"github.com/rs/zerolog"

	"github.com/zen-systems/concord/pkg/pipeline"
	"github.com/zen-systems/concord/pkg/task"
)

// Log writes one log line per event.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging observer.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "events").Logger()}
}

// OnEvent logs the event at debug level, except the final event which logs at info.
func (l *Log) OnEvent(e pipeline.Event) {
	ev := l.logger.Debug()
	if e.Type == pipeline.EventFinal {
		ev = l.logger.Info()
	}
	ev = ev.Str("task_id", e.TaskID).Str("stage", e.Stage).Str("type", string(e.Type))

	switch p := e.Payload.(type) {
	case task.SubtaskResult:
		ev = ev.Str("subtask_id", p.Subtask.ID).Str("status", string(p.Status))
		if p.Chosen != nil {
			ev = ev.Str("model", p.Chosen.ModelID)
		}
		if p.Error != "" {
			ev = ev.Str("error", p.Error)
		}
	case pipeline.RoutingPayload:
		ev = ev.Int("subtasks", len(p.Subtasks)).Int("assignments", len(p.Assignments)).Int("unrouted", len(p.Failures))
	case pipeline.ExecutionPayload:
		ev = ev.Int("completed", p.Completed).Int("failed", p.Failed).Dur("wall_time", p.WallTime)
	case []task.ArbitrationDecision:
		conflicts := 0
		for _, d := range p {
			if d.Conflict {
				conflicts++
			}
		}
		ev = ev.Int("decisions", len(p)).Int("conflicts", conflicts)
	case task.FinalResponse:
		ev = ev.Bool("success", p.Success).Float64("confidence", p.Confidence).Float64("cost_usd", p.Cost.Total).Strs("path", p.ExecutionPath)
	}
	ev.Msg("pipeline event")
}
