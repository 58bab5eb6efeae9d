// Package router assigns each subtask to one or more models.
package router

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/optimizer"
	"github.com/zen-systems/concord/pkg/task"
)

// DefaultArbitrationFanout is how many models answer each subtask under best quality.
const DefaultArbitrationFanout = 2

// Failure records a subtask that could not be routed.
type Failure struct {
	SubtaskID string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("route %s: %v", f.SubtaskID, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Option configures a Router.
type Option func(*Router)

// WithFanout sets how many distinct models answer each best-quality subtask.
func WithFanout(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.fanout = n
		}
	}
}

// WithAllowDegraded controls the capability-agnostic fallback when no capable model is healthy.
func WithAllowDegraded(allow bool) Option {
	return func(r *Router) {
		r.allowDegraded = allow
	}
}

// WithPins routes a task type to a fixed model whenever that model is healthy and capable.
func WithPins(pins map[task.TaskType]string) Option {
	return func(r *Router) {
		for k, v := range pins {
			r.pins[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = l.With().Str("component", "router").Logger()
	}
}

// Router is the routing stage.
type Router struct {
	opt           *optimizer.Optimizer
	fanout        int
	allowDegraded bool
	pins          map[task.TaskType]string
	logger        zerolog.Logger
}

// New creates a router over the optimizer.
func New(opt *optimizer.Optimizer, opts ...Option) *Router {
	r := &Router{
		opt:           opt,
		fanout:        DefaultArbitrationFanout,
		allowDegraded: true,
		pins:          make(map[task.TaskType]string),
		logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route assigns every subtask. Fast and balanced get one model each; best quality gets
// up to the fanout of distinct models. Subtasks that cannot be routed are reported as
// failures and left pending.
func (r *Router) Route(subtasks []*task.Subtask, mode task.ExecutionMode) ([]task.RoutingAssignment, []Failure) {
	var assignments []task.RoutingAssignment
	var failures []Failure
	for _, st := range subtasks {
		choices, err := r.routeOne(st, mode)
		if err != nil {
			r.logger.Warn().Err(err).Str("subtask_id", st.ID).Str("type", string(st.Type)).Msg("subtask not routed")
			failures = append(failures, Failure{SubtaskID: st.ID, Err: err})
			continue
		}
		for _, c := range choices {
			assignments = append(assignments, c.Assignment(st.ID))
			r.logger.Debug().
				Str("subtask_id", st.ID).
				Str("model", c.Model.ID).
				Bool("degraded", c.Degraded).
				Str("reason", c.Reason).
				Msg("subtask routed")
		}
		st.Status = task.SubtaskRouted
	}
	return assignments, failures
}

func (r *Router) routeOne(st *task.Subtask, mode task.ExecutionMode) ([]optimizer.Choice, error) {
	want := 1
	if mode == task.ModeBestQuality {
		want = r.fanout
	}

	var chosen []optimizer.Choice
	var exclude []string
	if id, ok := r.pins[st.Type]; ok {
		c, err := r.opt.Pin(st, mode, id)
		if err == nil {
			chosen = append(chosen, c)
			exclude = append(exclude, id)
		} else {
			r.logger.Debug().Err(err).Str("subtask_id", st.ID).Msg("pin skipped")
		}
	}
	if len(chosen) >= want {
		return chosen, nil
	}

	more, err := r.opt.SelectN(st, mode, want-len(chosen), exclude...)
	if err == nil {
		return append(chosen, more...), nil
	}
	if len(chosen) > 0 {
		return chosen, nil
	}
	if !errors.Is(err, optimizer.ErrNoCapableModel) || !r.allowDegraded {
		return nil, err
	}

	fb, ferr := r.opt.Fallback(st, mode)
	if ferr != nil {
		return nil, ferr
	}
	r.logger.Warn().Str("subtask_id", st.ID).Str("type", string(st.Type)).Str("model", fb.Model.ID).Msg("degraded routing")
	return []optimizer.Choice{fb}, nil
}

// Group indexes assignments by subtask, preserving routing order.
func Group(assignments []task.RoutingAssignment) map[string][]task.RoutingAssignment {
	out := make(map[string][]task.RoutingAssignment)
	for _, a := range assignments {
		out[a.SubtaskID] = append(out[a.SubtaskID], a)
	}
	return out
}

// Project sums the estimated cost of every assignment and returns the critical-path
// latency through the dependency graph. Parallel assignments of one subtask count once
// for time, at the slowest model.
func Project(subtasks []*task.Subtask, assignments []task.RoutingAssignment) (float64, time.Duration) {
	byID := Group(assignments)
	var cost float64
	for _, a := range assignments {
		cost += a.EstimatedCost
	}

	finish := make(map[string]time.Duration, len(subtasks))
	var longest time.Duration
	for _, st := range TopoOrder(subtasks) {
		var start time.Duration
		for _, dep := range st.DependsOn {
			if finish[dep] > start {
				start = finish[dep]
			}
		}
		var slowest time.Duration
		for _, a := range byID[st.ID] {
			if a.EstimatedLatency > slowest {
				slowest = a.EstimatedLatency
			}
		}
		finish[st.ID] = start + slowest
		if finish[st.ID] > longest {
			longest = finish[st.ID]
		}
	}
	return cost, longest
}

// TopoOrder returns subtasks with every dependency before its dependents, breaking
// ties by decomposition order. Unknown or cyclic dependencies are ignored.
func TopoOrder(subtasks []*task.Subtask) []*task.Subtask {
	sorted := append([]*task.Subtask(nil), subtasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	known := make(map[string]bool, len(sorted))
	for _, st := range sorted {
		known[st.ID] = true
	}
	placed := make(map[string]bool, len(sorted))
	out := make([]*task.Subtask, 0, len(sorted))
	for len(out) < len(sorted) {
		progressed := false
		for _, st := range sorted {
			if placed[st.ID] {
				continue
			}
			ready := true
			for _, dep := range st.DependsOn {
				if known[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[st.ID] = true
				out = append(out, st)
				progressed = true
			}
		}
		if !progressed {
			for _, st := range sorted {
				if !placed[st.ID] {
					placed[st.ID] = true
					out = append(out, st)
				}
			}
		}
	}
	return out
}
