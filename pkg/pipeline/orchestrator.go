// Package pipeline drives a request through analysis, decomposition, routing,
// execution, arbitration and synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/analysis"
	"github.com/zen-systems/concord/pkg/arbitrate"
	"github.com/zen-systems/concord/pkg/decompose"
	"github.com/zen-systems/concord/pkg/executor"
	"github.com/zen-systems/concord/pkg/optimizer"
	"github.com/zen-systems/concord/pkg/registry"
	"github.com/zen-systems/concord/pkg/router"
	"github.com/zen-systems/concord/pkg/synthesize"
	"github.com/zen-systems/concord/pkg/task"
)

var (
	// ErrNoModels is returned when the registry is empty.
	ErrNoModels = errors.New("no models registered")
	// ErrInvalidRequest is returned for requests the driver cannot start.
	ErrInvalidRequest = errors.New("invalid request")
)

type settings struct {
	observer          Observer
	logger            zerolog.Logger
	now               func() time.Time
	maxSubtasks       int
	maxParallel       int
	retry             executor.RetryPolicy
	timeouts          executor.Timeouts
	fanout            int
	allowDegraded     bool
	fallback          bool
	budget            float64
	pins              map[task.TaskType]string
	judge             adapter.Adapter
	tieBreaker        adapter.Adapter
	tieBreakThreshold float64
}

// Option configures an Orchestrator.
type Option func(*settings)

// WithObserver receives progress events.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithLogger sets the logger shared by every stage.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMaxSubtasks caps decomposition.
func WithMaxSubtasks(n int) Option {
	return func(s *settings) { s.maxSubtasks = n }
}

// WithMaxParallel bounds concurrently running subtasks per task.
func WithMaxParallel(n int) Option {
	return func(s *settings) { s.maxParallel = n }
}

// WithRetry sets the per-model retry policy.
func WithRetry(p executor.RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}

// WithTimeouts sets per-call timeouts by mode.
func WithTimeouts(t executor.Timeouts) Option {
	return func(s *settings) { s.timeouts = t }
}

// WithArbitrationFanout sets how many models answer each best-quality subtask.
func WithArbitrationFanout(n int) Option {
	return func(s *settings) { s.fanout = n }
}

// WithAllowDegraded controls capability-agnostic routing when no capable model is healthy.
func WithAllowDegraded(allow bool) Option {
	return func(s *settings) { s.allowDegraded = allow }
}

// WithFallback controls the extra hop to an untried model after every assigned model failed.
func WithFallback(enabled bool) Option {
	return func(s *settings) { s.fallback = enabled }
}

// WithBudget caps spend per task in USD. Zero means unlimited.
func WithBudget(maxUSD float64) Option {
	return func(s *settings) { s.budget = maxUSD }
}

// WithPins routes task types to fixed models when they are healthy.
func WithPins(pins map[task.TaskType]string) Option {
	return func(s *settings) { s.pins = pins }
}

// WithJudge lets a model decide whether competing answers conflict.
func WithJudge(a adapter.Adapter) Option {
	return func(s *settings) { s.judge = a }
}

// WithTieBreaker lets a model settle low-confidence intent classification. A zero
// threshold keeps the default.
func WithTieBreaker(a adapter.Adapter, threshold float64) Option {
	return func(s *settings) {
		s.tieBreaker = a
		s.tieBreakThreshold = threshold
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Orchestrator is the driver. It is safe for concurrent use; each Process call owns
// its task.
type Orchestrator struct {
	reg        *registry.Registry
	analyzer   *analysis.Analyzer
	planner    *analysis.Analyzer
	decomposer *decompose.Decomposer
	optimizer  *optimizer.Optimizer
	router     *router.Router
	executor   *executor.Executor
	arbitrator *arbitrate.Arbitrator
	synth      *synthesize.Synthesizer
	observer   Observer
	logger     zerolog.Logger
	now        func() time.Time
}

// New wires the stages around a shared registry.
func New(reg *registry.Registry, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidRequest)
	}
	s := settings{
		logger:        zerolog.Nop(),
		now:           time.Now,
		maxSubtasks:   decompose.DefaultMaxSubtasks,
		maxParallel:   executor.DefaultMaxParallel,
		retry:         executor.DefaultRetryPolicy(),
		timeouts:      executor.DefaultTimeouts(),
		fanout:        router.DefaultArbitrationFanout,
		allowDegraded: true,
		fallback:      true,
	}
	for _, o := range opts {
		o(&s)
	}

	heuristic := analysis.NewClassifier(analysis.WithClassifierLogger(s.logger))
	classifier := heuristic
	if s.tieBreaker != nil {
		classifier = analysis.NewClassifier(
			analysis.WithClassifierLogger(s.logger),
			analysis.WithTieBreaker(s.tieBreaker, s.tieBreakThreshold),
		)
	}
	opt := optimizer.New(reg)

	o := &Orchestrator{
		reg:        reg,
		analyzer:   analysis.New(classifier, s.logger),
		planner:    analysis.New(heuristic, s.logger),
		decomposer: decompose.New(heuristic, decompose.WithMaxSubtasks(s.maxSubtasks), decompose.WithLogger(s.logger)),
		optimizer:  opt,
		router: router.New(opt,
			router.WithFanout(s.fanout),
			router.WithAllowDegraded(s.allowDegraded),
			router.WithPins(s.pins),
			router.WithLogger(s.logger),
		),
		executor: executor.New(reg, opt,
			executor.WithMaxParallel(s.maxParallel),
			executor.WithRetry(s.retry),
			executor.WithTimeouts(s.timeouts),
			executor.WithFallback(s.fallback),
			executor.WithBudget(s.budget),
			executor.WithClock(s.now),
			executor.WithLogger(s.logger),
		),
		arbitrator: arbitrate.New(
			arbitrate.WithJudge(s.judge),
			arbitrate.WithReliability(reg.Reliability),
			arbitrate.WithLogger(s.logger),
		),
		synth: synthesize.New(
			synthesize.WithReliability(reg.Reliability),
			synthesize.WithLogger(s.logger),
		),
		observer: s.observer,
		logger:   s.logger.With().Str("component", "pipeline").Logger(),
		now:      s.now,
	}
	if o.observer == nil {
		o.observer = Multi()
	}
	return o, nil
}

// Registry returns the shared registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

func (o *Orchestrator) validate(ctx context.Context, mode task.ExecutionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	if o.reg.Len() == 0 {
		return ErrNoModels
	}
	return ctx.Err()
}

// plan runs analysis, decomposition and routing.
type plan struct {
	analysis    analysis.Result
	subtasks    []*task.Subtask
	decompErr   error
	assignments []task.RoutingAssignment
	failures    []router.Failure
}

// Process runs the full pipeline. Subtask failures are reported in the FinalResponse;
// only invalid input, an empty registry or a context cancelled before analysis are
// returned as errors.
func (o *Orchestrator) Process(ctx context.Context, text string, mode task.ExecutionMode) (*task.FinalResponse, error) {
	if err := o.validate(ctx, mode); err != nil {
		return nil, err
	}
	t := task.New(task.Request{Text: text, Mode: mode, SubmittedAt: o.now()})
	t.CreatedAt = t.Request.SubmittedAt
	log := o.logger.With().Str("task_id", t.ID).Str("mode", string(mode)).Logger()
	var path []string

	_ = t.Advance(task.StatusAnalyzing)
	p := plan{analysis: o.analyzer.Analyze(ctx, text)}
	path = append(path, StageAnalysis)
	o.emit(t, StageAnalysis, EventCompleted, p.analysis)

	// Decomposition belongs to analysis: it reports an event but is not a path stage.
	p.subtasks, p.decompErr = o.decomposer.Decompose(t, p.analysis)
	if p.analysis.NeedsDecomposition() {
		_ = t.Advance(task.StatusDecomposed)
		o.emit(t, StageDecomposition, EventCompleted, values(p.subtasks))
	}

	p.assignments, p.failures = o.router.Route(p.subtasks, mode)
	path = append(path, StageRouting)
	o.emit(t, StageRouting, EventCompleted, RoutingPayload{
		Subtasks:    values(p.subtasks),
		Assignments: p.assignments,
		Failures:    failureMap(p.failures),
	})

	_ = t.Advance(task.StatusExecuting)
	unrouted := make(map[string]error, len(p.failures))
	for _, f := range p.failures {
		unrouted[f.SubtaskID] = f.Err
	}
	execStart := o.now()
	results := o.executor.Execute(ctx, executor.Plan{
		Task:        t,
		Mode:        mode,
		Subtasks:    p.subtasks,
		Assignments: p.assignments,
		Unrouted:    unrouted,
	}, func(r task.SubtaskResult) {
		o.emit(t, StageExecution, EventSubtaskCompleted, r)
	})
	wall := o.now().Sub(execStart)
	path = append(path, StageExecution)
	o.emit(t, StageExecution, EventCompleted, executionSummary(results, wall))

	_ = t.Advance(task.StatusArbitrating)
	var decisions []task.ArbitrationDecision
	if needsArbitration(results) {
		results, decisions = o.arbitrator.Arbitrate(ctx, results)
		path = append(path, StageArbitration)
		o.emit(t, StageArbitration, EventCompleted, decisions)
	}

	_ = t.Advance(task.StatusSynthesizing)
	final := o.synth.Synthesize(t, results, decisions, synthesize.Timing{WallTime: wall})
	path = append(path, StageSynthesis)
	final.ExecutionPath = path
	o.annotate(&final, mode, p)

	if final.Success {
		_ = t.Advance(task.StatusCompleted)
	} else {
		_ = t.Advance(task.StatusFailed)
	}
	final.Metadata["status"] = string(t.Status)
	log.Info().
		Bool("success", final.Success).
		Int("subtasks", len(final.Subtasks)).
		Float64("confidence", final.Confidence).
		Float64("cost_usd", final.Cost.Total).
		Dur("wall_time", final.WallTime).
		Msg("task finished")
	o.emit(t, StageSynthesis, EventFinal, final)
	return &final, nil
}

// Estimate projects cost and time without calling any model.
func (o *Orchestrator) Estimate(ctx context.Context, text string, mode task.ExecutionMode) (*task.Estimate, error) {
	if err := o.validate(ctx, mode); err != nil {
		return nil, err
	}
	t := task.New(task.Request{Text: text, Mode: mode, SubmittedAt: o.now()})
	res := o.planner.Analyze(ctx, text)
	subtasks, err := o.decomposer.Decompose(t, res)
	if err != nil && !errors.Is(err, decompose.ErrDecompositionLimit) {
		return nil, err
	}
	assignments, failures := o.router.Route(subtasks, mode)
	for _, f := range failures {
		o.logger.Debug().Err(f.Err).Str("subtask_id", f.SubtaskID).Msg("estimate: subtask not routable")
	}
	cost, dur := router.Project(subtasks, assignments)
	return &task.Estimate{
		Mode:        mode,
		Complexity:  res.Complexity,
		Cost:        cost,
		Time:        dur,
		Subtasks:    values(subtasks),
		Assignments: assignments,
	}, nil
}

func (o *Orchestrator) emit(t *task.Task, stage string, typ EventType, payload any) {
	o.observer.OnEvent(Event{Stage: stage, Type: typ, TaskID: t.ID, Timestamp: o.now(), Payload: payload})
}

func (o *Orchestrator) annotate(final *task.FinalResponse, mode task.ExecutionMode, p plan) {
	md := final.Metadata
	md["mode"] = string(mode)
	md["intent"] = string(p.analysis.Intent)
	md["complexity"] = string(p.analysis.Complexity)
	if err := p.analysis.Err(); err != nil {
		md["analysis"] = err.Error()
	}
	if p.decompErr != nil {
		md["decomposition"] = p.decompErr.Error()
	}
	for _, f := range p.failures {
		md["routing."+f.SubtaskID] = f.Err.Error()
	}
}

func needsArbitration(results []task.SubtaskResult) bool {
	for _, r := range results {
		if len(r.Responses) >= 2 {
			return true
		}
	}
	return false
}

func executionSummary(results []task.SubtaskResult, wall time.Duration) ExecutionPayload {
	p := ExecutionPayload{WallTime: wall}
	for _, r := range results {
		if r.Status == task.SubtaskCompleted {
			p.Completed++
		} else {
			p.Failed++
		}
	}
	return p
}

func failureMap(fs []router.Failure) map[string]string {
	if len(fs) == 0 {
		return nil
	}
	m := make(map[string]string, len(fs))
	for _, f := range fs {
		m[f.SubtaskID] = f.Err.Error()
	}
	return m
}

func values(sts []*task.Subtask) []task.Subtask {
	out := make([]task.Subtask, len(sts))
	for i, st := range sts {
		out[i] = *st
	}
	return out
}
