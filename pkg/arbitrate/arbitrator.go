// Package arbitrate resolves competing responses to the same subtask.
package arbitrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/task"
)

// ErrArbitrationConflict marks a decision between responses that disagreed. It is
// informational and never returned.
var ErrArbitrationConflict = errors.New("arbitration conflict")

const (
	DefaultConfidenceGap       = 0.25
	DefaultSimilarityThreshold = 0.5
)

// ReliabilityFunc looks up the current reliability of a model.
type ReliabilityFunc func(modelID string) float64

// Option configures an Arbitrator.
type Option func(*Arbitrator)

// WithJudge asks a model whether the responses contradict each other. Judge failures
// fall back to the heuristic verdict.
func WithJudge(a adapter.Adapter) Option {
	return func(arb *Arbitrator) {
		arb.judge = a
	}
}

// WithConfidenceGap sets the confidence spread treated as disagreement.
func WithConfidenceGap(gap float64) Option {
	return func(arb *Arbitrator) {
		arb.confidenceGap = gap
	}
}

// WithSimilarityThreshold sets the token overlap below which responses disagree.
func WithSimilarityThreshold(th float64) Option {
	return func(arb *Arbitrator) {
		arb.similarityThreshold = th
	}
}

// WithReliability supplies the tie-breaker between equally confident responses.
func WithReliability(fn ReliabilityFunc) Option {
	return func(arb *Arbitrator) {
		arb.reliability = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(arb *Arbitrator) {
		arb.logger = l.With().Str("component", "arbitrate").Logger()
	}
}

// Arbitrator is the arbitration stage.
type Arbitrator struct {
	judge               adapter.Adapter
	confidenceGap       float64
	similarityThreshold float64
	reliability         ReliabilityFunc
	logger              zerolog.Logger
}

// New creates an arbitrator.
func New(opts ...Option) *Arbitrator {
	a := &Arbitrator{
		confidenceGap:       DefaultConfidenceGap,
		similarityThreshold: DefaultSimilarityThreshold,
		reliability:         func(string) float64 { return 0 },
		logger:              zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Arbitrate returns the results with a canonical response chosen for every subtask,
// plus exactly one decision for each subtask that had two or more responses. Subtasks
// with a single response pass through unchanged.
func (a *Arbitrator) Arbitrate(ctx context.Context, results []task.SubtaskResult) ([]task.SubtaskResult, []task.ArbitrationDecision) {
	out := make([]task.SubtaskResult, len(results))
	var decisions []task.ArbitrationDecision
	for i, r := range results {
		out[i] = r
		if len(r.Responses) < 2 {
			continue
		}
		d, chosen := a.decide(ctx, r.Subtask.ID, r.Responses)
		if chosen != nil {
			c := *chosen
			out[i].Chosen = &c
			out[i].Status = task.SubtaskCompleted
			out[i].Error = ""
		}
		out[i].Decision = &d
		decisions = append(decisions, d)

		ev := a.logger.Debug()
		if d.Conflict {
			ev = a.logger.Info()
		}
		ev.Str("subtask_id", d.SubtaskID).Str("chosen", d.ChosenID).Bool("conflict", d.Conflict).Msg(d.Reasoning)
	}
	return out, decisions
}

func (a *Arbitrator) decide(ctx context.Context, subtaskID string, responses []task.AgentResponse) (task.ArbitrationDecision, *task.AgentResponse) {
	d := task.ArbitrationDecision{SubtaskID: subtaskID}
	var ok []task.AgentResponse
	for _, r := range responses {
		d.CandidateIDs = append(d.CandidateIDs, r.ID)
		if r.Success {
			ok = append(ok, r)
		}
	}

	switch len(ok) {
	case 0:
		d.ChosenID = responses[len(responses)-1].ID
		d.Reasoning = fmt.Sprintf("no successful response among %d; subtask failed", len(responses))
		return d, nil
	case 1:
		d.ChosenID = ok[0].ID
		d.Similarity = 1
		d.Confidence = ok[0].Confidence
		d.Reasoning = fmt.Sprintf("only one successful response (%s); %d failed", ok[0].ModelID, len(responses)-1)
		return d, &ok[0]
	}

	a.rank(ok)
	chosen := ok[0]
	similarity := minSimilarity(ok)
	gap := confidenceSpread(ok)
	conflict := gap >= a.confidenceGap || similarity < a.similarityThreshold
	reason := fmt.Sprintf("confidence gap %.2f, similarity %.2f", gap, similarity)

	if a.judge != nil {
		verdict, err := a.ask(ctx, ok)
		if err != nil {
			a.logger.Debug().Err(err).Str("subtask_id", subtaskID).Msg("judge unavailable, using heuristic")
		} else {
			d.UsedJudge = true
			conflict = verdict.HasConflict
			if verdict.Explanation != "" {
				reason = fmt.Sprintf("%s; judge: %s", reason, verdict.Explanation)
			}
		}
	}

	d.ChosenID = chosen.ID
	d.Conflict = conflict
	d.Similarity = similarity
	severity := 0.0
	if conflict {
		severity = 1 - similarity
		d.Reasoning = fmt.Sprintf("%v (%s): chose %s with highest confidence %.2f over %s",
			ErrArbitrationConflict, reason, chosen.ModelID, chosen.Confidence, others(ok))
	} else {
		d.Reasoning = fmt.Sprintf("no conflict (%s): %d responses agree, chose %s with highest confidence %.2f",
			reason, len(ok), chosen.ModelID, chosen.Confidence)
	}
	d.Confidence = clamp01(chosen.Confidence * (1 - 0.5*severity))
	return d, &chosen
}

// rank orders responses best first: confidence, then model reliability, then cost, then id.
func (a *Arbitrator) rank(rs []task.AgentResponse) {
	sort.SliceStable(rs, func(i, j int) bool {
		x, y := rs[i], rs[j]
		if math.Abs(x.Confidence-y.Confidence) > 1e-9 {
			return x.Confidence > y.Confidence
		}
		rx, ry := a.reliability(x.ModelID), a.reliability(y.ModelID)
		if rx != ry {
			return rx > ry
		}
		if x.Cost != y.Cost {
			return x.Cost < y.Cost
		}
		return x.ID < y.ID
	})
}

type judgeVerdict struct {
	HasConflict bool   `json:"has_conflict"`
	Topic       string `json:"topic"`
	Explanation string `json:"explanation"`
}

func (a *Arbitrator) ask(ctx context.Context, rs []task.AgentResponse) (*judgeVerdict, error) {
	var items []string
	for i, r := range rs {
		items = append(items, fmt.Sprintf("[%d] %s: %s", i, r.ModelID, truncate(r.Content, 600)))
	}
	prompt := fmt.Sprintf(`Analyze these answers to the same question for contradictions.

Answers:
%s

Do any answers contradict each other? Differences in wording or detail are not contradictions.
Return JSON: {"has_conflict": true/false, "topic": "brief topic description", "explanation": "what contradicts if any"}`,
		strings.Join(items, "\n\n"))

	resp, err := a.judge.Generate(ctx, prompt, adapter.Constraints{MaxTokens: 300, Type: task.TypeVerification})
	if err != nil {
		return nil, err
	}
	return parseVerdict(resp.Content)
}

func parseVerdict(content string) (*judgeVerdict, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("judge returned no JSON object")
	}
	var v judgeVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("parse judge verdict: %w", err)
	}
	return &v, nil
}

// Similarity is the Jaccard index of the word sets of a and b. Two empty texts are identical.
func Similarity(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = true
	}
	return set
}

func minSimilarity(rs []task.AgentResponse) float64 {
	lowest := 1.0
	for i := 0; i < len(rs); i++ {
		for j := i + 1; j < len(rs); j++ {
			if s := Similarity(rs[i].Content, rs[j].Content); s < lowest {
				lowest = s
			}
		}
	}
	return lowest
}

func confidenceSpread(rs []task.AgentResponse) float64 {
	lo, hi := 1.0, 0.0
	for _, r := range rs {
		lo = math.Min(lo, r.Confidence)
		hi = math.Max(hi, r.Confidence)
	}
	return hi - lo
}

func others(rs []task.AgentResponse) string {
	var ids []string
	for _, r := range rs[1:] {
		ids = append(ids, fmt.Sprintf("%s (%.2f)", r.ModelID, r.Confidence))
	}
	return strings.Join(ids, ", ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
