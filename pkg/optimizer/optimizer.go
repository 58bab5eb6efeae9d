// Package optimizer picks the best-fit model for a subtask under an execution-mode budget.
package optimizer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// ErrNoCapableModel is returned when no healthy model advertises the subtask's type.
var ErrNoCapableModel = errors.New("no capable model")

// Weights blend normalized cost, latency and reliability into one score.
type Weights struct {
	Cost        float64
	Latency     float64
	Reliability float64
}

// WeightsFor returns the scoring weights for a mode. Fast favours cost and latency,
// best quality favours reliability, balanced sits between.
func WeightsFor(mode task.ExecutionMode) Weights {
	switch mode {
	case task.ModeFast:
		return Weights{Cost: 0.45, Latency: 0.40, Reliability: 0.15}
	case task.ModeBestQuality:
		return Weights{Cost: 0.02, Latency: 0.02, Reliability: 0.96}
	default:
		return Weights{Cost: 0.30, Latency: 0.25, Reliability: 0.45}
	}
}

// DefaultOutputBudget is the expected completion length per mode, in tokens.
var DefaultOutputBudget = map[task.ExecutionMode]int{
	task.ModeFast:        300,
	task.ModeBalanced:    600,
	task.ModeBestQuality: 1000,
}

// Source lists the models the optimizer may choose from.
type Source interface {
	List() []task.ModelDescriptor
}

// Choice is a ranked candidate with its pre-execution estimates.
type Choice struct {
	Model            task.ModelDescriptor
	Score            float64
	Reason           string
	EstimatedCost    float64
	EstimatedLatency time.Duration
	Degraded         bool
}

// Assignment converts the choice into a routing assignment for the subtask.
func (c Choice) Assignment(subtaskID string) task.RoutingAssignment {
	return task.RoutingAssignment{
		SubtaskID:        subtaskID,
		Model:            c.Model,
		Reason:           c.Reason,
		EstimatedCost:    c.EstimatedCost,
		EstimatedLatency: c.EstimatedLatency,
		Degraded:         c.Degraded,
	}
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithOutputBudget overrides the expected completion tokens for a mode.
func WithOutputBudget(mode task.ExecutionMode, tokens int) Option {
	return func(o *Optimizer) {
		o.outputBudget[mode] = tokens
	}
}

// Optimizer ranks models from a Source. It holds no mutable state of its own.
type Optimizer struct {
	src          Source
	outputBudget map[task.ExecutionMode]int
}

// New creates an optimizer over src.
func New(src Source, opts ...Option) *Optimizer {
	o := &Optimizer{src: src, outputBudget: make(map[task.ExecutionMode]int)}
	for mode, n := range DefaultOutputBudget {
		o.outputBudget[mode] = n
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OutputBudget returns the expected completion tokens for a mode.
func (o *Optimizer) OutputBudget(mode task.ExecutionMode) int {
	if n, ok := o.outputBudget[mode]; ok && n > 0 {
		return n
	}
	return DefaultOutputBudget[task.ModeBalanced]
}

// EstimateTokens projects input and output tokens for a subtask.
func (o *Optimizer) EstimateTokens(st *task.Subtask, mode task.ExecutionMode) (int, int) {
	in := len(st.Content) / 4
	if in < 1 {
		in = 1
	}
	return in, o.OutputBudget(mode)
}

// Select returns the single best model for the subtask.
func (o *Optimizer) Select(st *task.Subtask, mode task.ExecutionMode) (Choice, error) {
	choices, err := o.SelectN(st, mode, 1)
	if err != nil {
		return Choice{}, err
	}
	return choices[0], nil
}

// SelectN returns up to n distinct capable models, best first, skipping excluded ids.
func (o *Optimizer) SelectN(st *task.Subtask, mode task.ExecutionMode, n int, exclude ...string) ([]Choice, error) {
	if n < 1 {
		n = 1
	}
	skip := toSet(exclude)
	var survivors []task.ModelDescriptor
	for _, d := range o.src.List() {
		if skip[d.ID] || d.Breaker.State == task.BreakerOpen || !d.Supports(st.Type) {
			continue
		}
		survivors = append(survivors, d)
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w for %s (subtask %s)", ErrNoCapableModel, st.Type, st.ID)
	}

	ranked := o.rank(st, mode, survivors)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	for i := range ranked {
		ranked[i].Reason = reasonFor(mode, st.Type, ranked[i].Score, i)
	}
	return ranked, nil
}

// Fallback returns the best non-open model regardless of capability. It is the
// degraded path taken when SelectN reports ErrNoCapableModel.
func (o *Optimizer) Fallback(st *task.Subtask, mode task.ExecutionMode, exclude ...string) (Choice, error) {
	skip := toSet(exclude)
	var survivors []task.ModelDescriptor
	for _, d := range o.src.List() {
		if skip[d.ID] || d.Breaker.State == task.BreakerOpen {
			continue
		}
		survivors = append(survivors, d)
	}
	if len(survivors) == 0 {
		return Choice{}, fmt.Errorf("%w: every model is unavailable", ErrNoCapableModel)
	}
	best := o.rank(st, mode, survivors)[0]
	best.Degraded = true
	best.Reason = fmt.Sprintf("degraded: no healthy model supports %s; using %s under %s budget", st.Type, best.Model.ID, mode)
	return best, nil
}

// Pin scores one specific model for the subtask. The model must be healthy and
// capable; otherwise ErrNoCapableModel is returned and the caller ranks normally.
func (o *Optimizer) Pin(st *task.Subtask, mode task.ExecutionMode, id string) (Choice, error) {
	for _, d := range o.src.List() {
		if d.ID != id {
			continue
		}
		if d.Breaker.State == task.BreakerOpen || !d.Supports(st.Type) {
			break
		}
		c := o.rank(st, mode, []task.ModelDescriptor{d})[0]
		c.Reason = fmt.Sprintf("pinned to %s for %s under %s budget", id, st.Type, mode)
		return c, nil
	}
	return Choice{}, fmt.Errorf("%w: pinned model %s cannot serve %s", ErrNoCapableModel, id, st.Type)
}

// EstimateCost prices a call to the model at the given token counts.
func EstimateCost(d task.ModelDescriptor, inTokens, outTokens int) float64 {
	return d.CostFor(inTokens, outTokens)
}

func (o *Optimizer) rank(st *task.Subtask, mode task.ExecutionMode, models []task.ModelDescriptor) []Choice {
	w := WeightsFor(mode)
	in, out := o.EstimateTokens(st, mode)

	choices := make([]Choice, len(models))
	minCost, maxCost := math.Inf(1), math.Inf(-1)
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	for i, d := range models {
		cost := EstimateCost(d, in, out)
		lat := float64(d.AvgLatency)
		choices[i] = Choice{Model: d, EstimatedCost: cost, EstimatedLatency: d.AvgLatency}
		minCost, maxCost = math.Min(minCost, cost), math.Max(maxCost, cost)
		minLat, maxLat = math.Min(minLat, lat), math.Max(maxLat, lat)
	}
	for i := range choices {
		c := &choices[i]
		normCost := normalize(c.EstimatedCost, minCost, maxCost)
		normLat := normalize(float64(c.EstimatedLatency), minLat, maxLat)
		c.Score = w.Cost*(1-normCost) + w.Latency*(1-normLat) + w.Reliability*c.Model.Reliability
	}

	sort.SliceStable(choices, func(i, j int) bool {
		a, b := choices[i], choices[j]
		if math.Abs(a.Score-b.Score) > 1e-9 {
			return a.Score > b.Score
		}
		if a.Model.Reliability != b.Model.Reliability {
			return a.Model.Reliability > b.Model.Reliability
		}
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost < b.EstimatedCost
		}
		return a.Model.ID < b.Model.ID
	})
	return choices
}

func normalize(v, lo, hi float64) float64 {
	if hi-lo <= 0 {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func reasonFor(mode task.ExecutionMode, t task.TaskType, score float64, rank int) string {
	var lead string
	switch mode {
	case task.ModeFast:
		lead = "lowest cost and latency"
	case task.ModeBestQuality:
		lead = "best reliability"
	default:
		lead = "best cost/quality balance"
	}
	if rank > 0 {
		lead = fmt.Sprintf("runner-up #%d by %s", rank+1, lead)
	}
	return fmt.Sprintf("%s for %s under %s budget (score %.2f)", lead, t, mode, score)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
