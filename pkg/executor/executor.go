// Package executor runs routed subtasks against their models, in dependency order and
// with bounded parallelism, retrying transient failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/optimizer"
	"github.com/zen-systems/concord/pkg/registry"
	"github.com/zen-systems/concord/pkg/router"
	"github.com/zen-systems/concord/pkg/task"
)

// DefaultMaxParallel bounds concurrently running subtasks.
const DefaultMaxParallel = 4

// Plan is everything the execution stage needs for one task.
type Plan struct {
	Task        *task.Task
	Mode        task.ExecutionMode
	Subtasks    []*task.Subtask
	Assignments []task.RoutingAssignment
	// Unrouted holds routing errors for subtasks that have no assignment.
	Unrouted map[string]error
}

// Callback is invoked once per subtask as it reaches a terminal state. Calls are
// serialized on the scheduling goroutine.
type Callback func(task.SubtaskResult)

// Option configures an Executor.
type Option func(*Executor)

// WithMaxParallel bounds how many subtasks run at once.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithRetry sets the per-model retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p.withDefaults()
	}
}

// WithTimeouts sets per-call timeouts by mode.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		e.timeouts = t
	}
}

// WithFallback enables one extra hop to an untried capable model when every assigned
// model failed.
func WithFallback(enabled bool) Option {
	return func(e *Executor) {
		e.fallback = enabled
	}
}

// WithBudget stops new attempts once a task has spent maxUSD. Zero means unlimited.
func WithBudget(maxUSD float64) Option {
	return func(e *Executor) {
		e.maxBudget = maxUSD
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l.With().Str("component", "executor").Logger()
	}
}

// WithClock overrides the time source used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor is the execution stage. It is safe for concurrent use across tasks.
type Executor struct {
	reg         *registry.Registry
	opt         *optimizer.Optimizer
	maxParallel int
	retry       RetryPolicy
	timeouts    Timeouts
	fallback    bool
	maxBudget   float64
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates an executor calling models through the registry. The optimizer is used
// only for the fallback hop and may be nil when fallback is disabled.
func New(reg *registry.Registry, opt *optimizer.Optimizer, opts ...Option) *Executor {
	e := &Executor{
		reg:         reg,
		opt:         opt,
		maxParallel: DefaultMaxParallel,
		retry:       DefaultRetryPolicy(),
		timeouts:    DefaultTimeouts(),
		fallback:    true,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type runState int

const (
	statePending runState = iota
	stateRunning
	stateDone
)

type finished struct {
	id     string
	result task.SubtaskResult
}

// Execute runs the plan to completion and returns one result per subtask in
// decomposition order. A failed subtask never aborts the others; dependents of a failed
// subtask fail without calling any model. Once ctx is cancelled no new subtask starts.
func (e *Executor) Execute(ctx context.Context, plan Plan, onDone Callback) []task.SubtaskResult {
	ordered := router.TopoOrder(plan.Subtasks)
	byAssign := router.Group(plan.Assignments)
	tracker := newCostTracker(e.maxBudget)
	request := ""
	if plan.Task != nil {
		request = plan.Task.Content()
	}

	known := make(map[string]bool, len(ordered))
	for _, st := range ordered {
		known[st.ID] = true
	}
	states := make(map[string]runState, len(ordered))
	results := make(map[string]task.SubtaskResult, len(ordered))

	done := make(chan finished, len(ordered))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)

	complete := func(st *task.Subtask, res task.SubtaskResult) {
		states[st.ID] = stateDone
		st.Status = res.Status
		res.Subtask = *st
		results[st.ID] = res
		if onDone != nil {
			onDone(res)
		}
	}
	failNow := func(st *task.Subtask, err error) {
		now := e.now()
		e.logger.Debug().Str("subtask_id", st.ID).Err(err).Msg("subtask failed before dispatch")
		complete(st, task.SubtaskResult{Status: task.SubtaskFailed, Error: err.Error(), Started: now, Finished: now})
	}

	remaining := len(ordered)
	running := 0
	for remaining > 0 {
		progressed := true
		for progressed {
			progressed = false
			for _, st := range ordered {
				if states[st.ID] != statePending {
					continue
				}
				if err := ctx.Err(); err != nil {
					failNow(st, err)
					remaining--
					progressed = true
					continue
				}
				if err, ok := plan.Unrouted[st.ID]; ok {
					failNow(st, fmt.Errorf("not routed: %w", err))
					remaining--
					progressed = true
					continue
				}
				if len(byAssign[st.ID]) == 0 {
					failNow(st, fmt.Errorf("not routed: %w", optimizer.ErrNoCapableModel))
					remaining--
					progressed = true
					continue
				}
				ready, blocker := e.dependencyState(st, known, states, results)
				if blocker != nil {
					failNow(st, blocker)
					remaining--
					progressed = true
					continue
				}
				if !ready {
					continue
				}

				states[st.ID] = stateRunning
				st.Status = task.SubtaskExecuting
				running++
				deps := dependencyOutputs(st, results)
				assigned := byAssign[st.ID]
				sub := *st
				g.Go(func() error {
					res := e.runSubtask(ctx, plan.Mode, request, &sub, assigned, deps, tracker)
					done <- finished{id: sub.ID, result: res}
					return nil
				})
				progressed = true
			}
		}
		if remaining == 0 {
			break
		}
		if running == 0 {
			// Whatever is left waits on a cycle.
			for _, st := range ordered {
				if states[st.ID] == statePending {
					failNow(st, fmt.Errorf("unresolvable dependencies %s", strings.Join(st.DependsOn, ", ")))
					remaining--
				}
			}
			break
		}
		f := <-done
		running--
		remaining--
		for _, st := range ordered {
			if st.ID == f.id {
				complete(st, f.result)
				break
			}
		}
	}
	_ = g.Wait()

	total, usage, calls := tracker.snapshot()
	e.logger.Debug().
		Int("subtasks", len(ordered)).
		Int("calls", calls).
		Int("tokens", usage.Total()).
		Float64("cost_usd", total).
		Msg("execution finished")

	out := make([]task.SubtaskResult, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		out = append(out, results[st.ID])
	}
	return out
}

// dependencyState reports whether every dependency completed, or the error that
// blocks the subtask for good.
func (e *Executor) dependencyState(st *task.Subtask, known map[string]bool, states map[string]runState, results map[string]task.SubtaskResult) (bool, error) {
	for _, dep := range st.DependsOn {
		if !known[dep] {
			return false, fmt.Errorf("dependency %s unknown", dep)
		}
		if states[dep] != stateDone {
			return false, nil
		}
		if !results[dep].Succeeded() {
			return false, fmt.Errorf("dependency %s failed", dep)
		}
	}
	return true, nil
}

func dependencyOutputs(st *task.Subtask, results map[string]task.SubtaskResult) []DependencyOutput {
	var out []DependencyOutput
	for _, dep := range st.DependsOn {
		if r, ok := results[dep]; ok && r.Chosen != nil {
			out = append(out, DependencyOutput{SubtaskID: dep, Content: r.Chosen.Content})
		}
	}
	return out
}

// runSubtask calls every assigned model concurrently. The subtask completes when at
// least one response succeeds.
func (e *Executor) runSubtask(ctx context.Context, mode task.ExecutionMode, request string, st *task.Subtask, assigned []task.RoutingAssignment, deps []DependencyOutput, tracker *costTracker) task.SubtaskResult {
	started := e.now()
	prompt := BuildPrompt(request, st, deps)
	res := task.SubtaskResult{Started: started}

	responses := make([]task.AgentResponse, len(assigned))
	var wg sync.WaitGroup
	for i, a := range assigned {
		if a.Degraded {
			res.Degraded = true
		}
		wg.Add(1)
		go func(i int, a task.RoutingAssignment) {
			defer wg.Done()
			responses[i] = e.call(ctx, mode, st, a.Model, prompt, false, tracker)
		}(i, a)
	}
	wg.Wait()
	res.Responses = responses

	if !anySucceeded(responses) && e.fallback && e.opt != nil && ctx.Err() == nil {
		tried := make([]string, 0, len(assigned))
		for _, a := range assigned {
			tried = append(tried, a.Model.ID)
		}
		if next, err := e.opt.SelectN(st, mode, 1, tried...); err == nil {
			e.logger.Info().Str("subtask_id", st.ID).Str("model", next[0].Model.ID).Msg("falling back")
			res.Responses = append(res.Responses, e.call(ctx, mode, st, next[0].Model, prompt, true, tracker))
		} else {
			e.logger.Debug().Str("subtask_id", st.ID).Err(err).Msg("no fallback model")
		}
	}

	res.Finished = e.now()
	var errs []string
	for i := range res.Responses {
		r := &res.Responses[i]
		if r.Success {
			if res.Chosen == nil {
				chosen := *r
				res.Chosen = &chosen
			}
			continue
		}
		errs = append(errs, fmt.Sprintf("%s: %s", r.ModelID, r.Error))
	}
	if res.Chosen != nil {
		res.Status = task.SubtaskCompleted
	} else {
		res.Status = task.SubtaskFailed
		res.Error = strings.Join(errs, "; ")
	}
	return res
}

func anySucceeded(rs []task.AgentResponse) bool {
	for _, r := range rs {
		if r.Success {
			return true
		}
	}
	return false
}

// call makes up to MaxAttempts attempts against one model, reporting every outcome to
// the registry. Only transient errors are retried, and an open circuit stops the loop.
func (e *Executor) call(ctx context.Context, mode task.ExecutionMode, st *task.Subtask, desc task.ModelDescriptor, prompt string, fallback bool, tracker *costTracker) task.AgentResponse {
	resp := task.AgentResponse{
		ID:        uuid.NewString(),
		SubtaskID: st.ID,
		ModelID:   desc.ID,
		Provider:  desc.Provider,
		Fallback:  fallback,
	}
	log := e.logger.With().Str("subtask_id", st.ID).Str("model", desc.ID).Logger()

	a, ok := e.reg.Adapter(desc.ID)
	if !ok {
		resp.Error = fmt.Sprintf("%v: %s", registry.ErrUnknownModel, desc.ID)
		resp.CreatedAt = e.now()
		return resp
	}
	timeout := e.timeouts.For(mode)
	constraints := adapter.Constraints{Mode: mode, Type: st.Type}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		resp.Attempts = attempt
		if err := tracker.checkBudget(); err != nil {
			lastErr = err
			break
		}
		permit, err := e.reg.Acquire(desc.ID)
		if err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := e.now()
		out, err := a.Generate(callCtx, prompt, constraints)
		latency := e.now().Sub(start)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", adapter.ErrAdapterTimeout, desc.ID, timeout)
		}
		cancel()

		if err == nil {
			cost := desc.CostFor(out.Usage.InputTokens, out.Usage.OutputTokens)
			_ = e.reg.ReportOutcome(desc.ID, registry.Outcome{Success: true, Latency: latency, Cost: cost})
			tracker.record(desc.ID, out.Usage, cost)
			resp.Success = true
			resp.Content = out.Content
			resp.Confidence = clamp01(out.Confidence)
			resp.Usage = out.Usage
			resp.Cost = cost
			resp.Latency = latency
			resp.CreatedAt = e.now()
			log.Debug().Int("attempt", attempt).Dur("latency", latency).Float64("cost_usd", cost).Msg("model answered")
			return resp
		}

		resp.Latency = latency
		if ctx.Err() != nil {
			// Cancellation is not the model's fault.
			e.reg.Release(permit)
			lastErr = ctx.Err()
			break
		}
		_ = e.reg.ReportOutcome(desc.ID, registry.Outcome{Success: false, Latency: latency, Err: err})
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Msg("model call failed")

		if !adapter.IsTransient(err) || attempt == e.retry.MaxAttempts {
			break
		}
		if err := sleepWithContext(ctx, e.retry.Backoff(attempt-1)); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("model call failed")
	}
	resp.Error = lastErr.Error()
	resp.CreatedAt = e.now()
	return resp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
