// Package registry holds the long-lived set of callable models together with their
// rolling reliability and circuit-breaker state. It is shared by every in-flight task.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/task"
)

var (
	// ErrCircuitOpen is returned when a model's breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrUnknownModel is returned for ids that were never registered.
	ErrUnknownModel = errors.New("unknown model")
)

const ewmaAlpha = 0.2

// Outcome is the result of one adapter call as fed back by the execution stage.
type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
	Err     error
}

// Listener observes outcomes and breaker transitions, e.g. to persist them.
type Listener interface {
	OnOutcome(modelID string, o Outcome)
	OnTransition(modelID string, from, to task.BreakerState, at time.Time)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used by breakers.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithBreakerConfig sets the breaker thresholds for models registered afterwards.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(r *Registry) {
		r.breakerCfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l.With().Str("component", "registry").Logger()
	}
}

// WithListener registers an outcome listener.
func WithListener(l Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// Registry is safe for concurrent use. The map is guarded by an RWMutex that is only
// write-locked on Register; health updates lock the individual entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	now        func() time.Time
	breakerCfg BreakerConfig
	logger     zerolog.Logger
	listeners  []Listener
}

type entry struct {
	mu      sync.Mutex
	adapter adapter.Adapter
	desc    task.ModelDescriptor
	breaker breaker
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		now:        time.Now,
		breakerCfg: DefaultBreakerConfig(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a model. Ids must be unique.
func (r *Registry) Register(a adapter.Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	desc := a.Describe()
	if desc.ID == "" {
		return fmt.Errorf("model descriptor has no id")
	}
	if len(desc.Capabilities) == 0 {
		return fmt.Errorf("model %s declares no capabilities", desc.ID)
	}
	if desc.Reliability <= 0 || desc.Reliability > 1 {
		desc.Reliability = 0.9
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("model %s already registered", desc.ID)
	}
	r.entries[desc.ID] = &entry{adapter: a, desc: desc, breaker: newBreaker(r.breakerCfg)}
	r.order = append(r.order, desc.ID)
	r.logger.Debug().Str("model", desc.ID).Str("provider", desc.Provider).Msg("model registered")
	return nil
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a current snapshot of one model.
func (r *Registry) Get(id string) (task.ModelDescriptor, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return task.ModelDescriptor{}, false
	}
	return e.snapshot(r.now()), true
}

// Adapter returns the callable adapter for a model.
func (r *Registry) Adapter(id string) (adapter.Adapter, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// List returns snapshots of every model in registration order.
func (r *Registry) List() []task.ModelDescriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]task.ModelDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot(now))
	}
	return out
}

// Snapshot is List under the name used by status surfaces.
func (r *Registry) Snapshot() []task.ModelDescriptor {
	return r.List()
}

// Available reports whether the model exists and its breaker is not open. It does
// not reserve a half-open trial; use Acquire before calling.
func (r *Registry) Available(id string) bool {
	d, ok := r.Get(id)
	return ok && d.Breaker.State != task.BreakerOpen
}

// ListByCapability returns snapshots of models advertising the task type,
// regardless of breaker state.
func (r *Registry) ListByCapability(t task.TaskType) []task.ModelDescriptor {
	var out []task.ModelDescriptor
	for _, d := range r.List() {
		if d.Supports(t) {
			out = append(out, d)
		}
	}
	return out
}

// Reliability returns the current reliability of a model, or 0 if unknown.
func (r *Registry) Reliability(id string) float64 {
	d, ok := r.Get(id)
	if !ok {
		return 0
	}
	return d.Reliability
}

// Permit is one call admitted by Acquire.
type Permit struct {
	ModelID string
	trial   uint64
}

// Trial reports whether the permit holds the half-open trial call.
func (p Permit) Trial() bool {
	return p.trial != 0
}

// Acquire asks the model's breaker for permission to make one call.
func (r *Registry) Acquire(id string) (Permit, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Permit{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	now := r.now()
	e.mu.Lock()
	allowed, trial, t := e.breaker.allow(now)
	e.mu.Unlock()
	r.notifyTransition(id, t, now)
	if !allowed {
		return Permit{}, fmt.Errorf("%w: %s", ErrCircuitOpen, id)
	}
	return Permit{ModelID: id, trial: trial}, nil
}

// Release gives back a permit without reporting an outcome. It frees the half-open
// trial only when this permit holds it.
func (r *Registry) Release(p Permit) {
	if e, ok := r.lookup(p.ModelID); ok {
		e.mu.Lock()
		e.breaker.release(p.trial)
		e.mu.Unlock()
	}
}

// ReportOutcome folds a call result into the model's reliability and breaker.
func (r *Registry) ReportOutcome(id string, o Outcome) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	now := r.now()

	e.mu.Lock()
	var t *transition
	sample := 0.0
	if o.Success {
		sample = 1
		t = e.breaker.success()
		if o.Latency > 0 {
			if e.desc.AvgLatency <= 0 {
				e.desc.AvgLatency = o.Latency
			} else {
				e.desc.AvgLatency = time.Duration((1-ewmaAlpha)*float64(e.desc.AvgLatency) + ewmaAlpha*float64(o.Latency))
			}
		}
	} else {
		t = e.breaker.failure(now)
	}
	e.desc.Reliability = (1-ewmaAlpha)*e.desc.Reliability + ewmaAlpha*sample
	failures := e.breaker.failures
	e.mu.Unlock()

	if !o.Success {
		ev := r.logger.Debug().Str("model", id).Int("consecutive_failures", failures)
		if o.Err != nil {
			ev = ev.Err(o.Err)
		}
		ev.Msg("model call failed")
	}
	for _, l := range r.listeners {
		l.OnOutcome(id, o)
	}
	r.notifyTransition(id, t, now)
	return nil
}

// Seed overrides a model's reliability, used to warm-start from stored history.
func (r *Registry) Seed(id string, reliability float64) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if reliability < 0 || reliability > 1 {
		return fmt.Errorf("reliability %.2f out of range", reliability)
	}
	e.mu.Lock()
	e.desc.Reliability = reliability
	e.mu.Unlock()
	return nil
}

func (r *Registry) notifyTransition(id string, t *transition, at time.Time) {
	if t == nil {
		return
	}
	ev := r.logger.Info()
	if t.To == task.BreakerOpen {
		ev = r.logger.Warn()
	}
	ev.Str("model", id).Str("from", string(t.From)).Str("to", string(t.To)).Msg("circuit breaker transition")
	for _, l := range r.listeners {
		l.OnTransition(id, t.From, t.To, at)
	}
}

func (e *entry) snapshot(now time.Time) task.ModelDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.desc
	d.Capabilities = append([]task.TaskType(nil), e.desc.Capabilities...)
	d.Breaker = e.breaker.snapshot(now)
	return d
}
