// Package synthesize merges per-subtask results into one final answer.
package synthesize

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/router"
	"github.com/zen-systems/concord/pkg/task"
)

// ErrAllSubtasksFailed is recorded in metadata when nothing could be answered.
var ErrAllSubtasksFailed = errors.New("all subtasks failed")

// Timing carries the wall-clock span measured by the caller.
type Timing struct {
	WallTime time.Duration
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithReliability weights each subtask's confidence by its model's reliability.
func WithReliability(fn func(modelID string) float64) Option {
	return func(s *Synthesizer) {
		s.reliability = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Synthesizer) {
		s.logger = l.With().Str("component", "synthesize").Logger()
	}
}

// Synthesizer is the synthesis stage. It never fails.
type Synthesizer struct {
	reliability func(string) float64
	logger      zerolog.Logger
}

// New creates a synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize builds the final response. When every subtask failed the response has
// Success=false and explains why instead of returning an error.
func (s *Synthesizer) Synthesize(t *task.Task, results []task.SubtaskResult, decisions []task.ArbitrationDecision, timing Timing) task.FinalResponse {
	ordered := Order(results)
	final := task.FinalResponse{
		Decisions: decisions,
		Subtasks:  ordered,
		Metadata:  make(map[string]string),
	}
	if t != nil {
		final.TaskID = t.ID
	}

	final.Cost = Costs(ordered)
	final.SerialTime = serialTime(ordered)
	final.WallTime = timing.WallTime
	if final.WallTime <= 0 {
		final.WallTime = span(ordered)
	}
	if final.WallTime > 0 {
		final.ParallelEfficiency = float64(final.SerialTime) / float64(final.WallTime)
	}
	final.ModelsUsed = modelsUsed(ordered)

	var succeeded int
	degraded := false
	for _, r := range ordered {
		if r.Succeeded() {
			succeeded++
		} else {
			final.Failed = append(final.Failed, r.Subtask.ID)
		}
		if r.Degraded {
			degraded = true
		}
	}
	final.Metadata["subtasks"] = strconv.Itoa(len(ordered))
	final.Metadata["failed_subtasks"] = strconv.Itoa(len(final.Failed))
	if degraded {
		final.Metadata["degraded"] = "true"
	}

	if succeeded == 0 {
		final.Success = false
		final.Content = explainFailure(ordered)
		final.Metadata["error"] = ErrAllSubtasksFailed.Error()
		s.logger.Warn().Str("task_id", final.TaskID).Int("subtasks", len(ordered)).Msg("all subtasks failed")
		return final
	}

	final.Success = true
	final.Content = s.content(ordered, decisions)
	final.Confidence = s.confidence(ordered)
	for _, r := range ordered {
		if !r.Succeeded() {
			final.Metadata["error."+r.Subtask.ID] = r.Error
		}
	}
	s.logger.Debug().
		Str("task_id", final.TaskID).
		Float64("confidence", final.Confidence).
		Float64("cost_usd", final.Cost.Total).
		Msg("response synthesized")
	return final
}

// Order sorts results by priority (highest first), then dependency order, then
// decomposition order.
func Order(results []task.SubtaskResult) []task.SubtaskResult {
	subtasks := make([]*task.Subtask, len(results))
	for i := range results {
		st := results[i].Subtask
		subtasks[i] = &st
	}
	rank := make(map[string]int, len(results))
	for i, st := range router.TopoOrder(subtasks) {
		rank[st.ID] = i
	}
	out := append([]task.SubtaskResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Subtask, out[j].Subtask
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return rank[a.ID] < rank[b.ID]
	})
	return out
}

func (s *Synthesizer) content(ordered []task.SubtaskResult, decisions []task.ArbitrationDecision) string {
	if len(ordered) == 1 {
		return ordered[0].Chosen.Content
	}
	var sections []string
	for _, r := range ordered {
		body := fmt.Sprintf("[unavailable: %s]", r.Error)
		if r.Succeeded() {
			body = strings.TrimSpace(r.Chosen.Content)
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", heading(r.Subtask.Content), body))
	}

	var notes []string
	for _, d := range decisions {
		if d.Conflict {
			notes = append(notes, fmt.Sprintf("- %s: %s", d.SubtaskID, d.Reasoning))
		}
	}
	if len(notes) > 0 {
		sections = append(sections, "## Notes on conflicting answers\n\n"+strings.Join(notes, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// confidence is the priority and reliability weighted mean of subtask confidences.
// Failed subtasks count with their priority weight and zero confidence.
func (s *Synthesizer) confidence(ordered []task.SubtaskResult) float64 {
	var num, den float64
	for _, r := range ordered {
		w := r.Subtask.Priority.Weight()
		if !r.Succeeded() {
			den += w
			continue
		}
		w *= s.reliabilityOf(r.Chosen.ModelID)
		c := r.Chosen.Confidence
		if r.Decision != nil {
			c = r.Decision.Confidence
		}
		num += w * c
		den += w
	}
	if den == 0 {
		return 0
	}
	v := num / den
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func (s *Synthesizer) reliabilityOf(modelID string) float64 {
	if s.reliability == nil {
		return 1
	}
	if r := s.reliability(modelID); r > 0 {
		return r
	}
	return 1
}

// Costs totals every attempted response, including arbitration losers and failures.
func Costs(results []task.SubtaskResult) task.CostBreakdown {
	b := task.CostBreakdown{Currency: "USD", ByModel: make(map[string]float64), BySubtask: make(map[string]float64)}
	for _, r := range results {
		for _, resp := range r.Responses {
			b.Total += resp.Cost
			b.ByModel[resp.ModelID] += resp.Cost
		}
		b.BySubtask[r.Subtask.ID] = r.Cost()
	}
	return b
}

func serialTime(results []task.SubtaskResult) time.Duration {
	var total time.Duration
	for _, r := range results {
		for _, resp := range r.Responses {
			total += resp.Latency
		}
	}
	return total
}

func span(results []task.SubtaskResult) time.Duration {
	var first, last time.Time
	for _, r := range results {
		if !r.Started.IsZero() && (first.IsZero() || r.Started.Before(first)) {
			first = r.Started
		}
		if r.Finished.After(last) {
			last = r.Finished
		}
	}
	if first.IsZero() || last.Before(first) {
		return 0
	}
	return last.Sub(first)
}

func modelsUsed(results []task.SubtaskResult) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		for _, resp := range r.Responses {
			if resp.Success && !seen[resp.ModelID] {
				seen[resp.ModelID] = true
				out = append(out, resp.ModelID)
			}
		}
	}
	sort.Strings(out)
	return out
}

func explainFailure(results []task.SubtaskResult) string {
	if len(results) == 0 {
		return "The request could not be completed: nothing was executed."
	}
	var b strings.Builder
	b.WriteString("The request could not be completed. Every part failed:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n- %s (%s): %s", r.Subtask.ID, heading(r.Subtask.Content), r.Error)
	}
	return b.String()
}

func heading(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}
	if len(content) == 0 {
		return "Request"
	}
	r := []rune(content)
	if len(r) > 80 {
		r = append(r[:77:77], '.', '.', '.')
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}
