package registry

import (
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// BreakerConfig configures per-model circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// CoolDown is how long an open circuit waits before admitting a trial.
	CoolDown time.Duration `mapstructure:"cool_down" yaml:"cool_down"`
}

// DefaultBreakerConfig opens after 5 consecutive failures and admits a trial call after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CoolDown: 30 * time.Second}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	return c
}

// breaker is not safe for concurrent use; the owning entry serializes access.
type breaker struct {
	cfg         BreakerConfig
	state       task.BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialing    bool
	trialSeq    uint64
}

func newBreaker(cfg BreakerConfig) breaker {
	return breaker{cfg: cfg, state: task.BreakerClosed}
}

// view reports the state as routing should see it. An open circuit whose
// cool-down has elapsed shows as half-open without consuming the trial.
func (b *breaker) view(now time.Time) task.BreakerState {
	if b.state == task.BreakerOpen && now.Sub(b.openedAt) >= b.cfg.CoolDown {
		return task.BreakerHalfOpen
	}
	return b.state
}

// allow admits a call. Half-open admits exactly one trial at a time; the returned
// trial number is non-zero only for the call holding it.
func (b *breaker) allow(now time.Time) (bool, uint64, *transition) {
	switch b.state {
	case task.BreakerClosed:
		return true, 0, nil
	case task.BreakerOpen:
		if now.Sub(b.openedAt) < b.cfg.CoolDown {
			return false, 0, nil
		}
		t := b.moveTo(task.BreakerHalfOpen)
		return true, b.takeTrial(), t
	case task.BreakerHalfOpen:
		if b.trialing {
			return false, 0, nil
		}
		return true, b.takeTrial(), nil
	}
	return false, 0, nil
}

func (b *breaker) takeTrial() uint64 {
	b.trialing = true
	b.trialSeq++
	return b.trialSeq
}

func (b *breaker) success() *transition {
	b.failures = 0
	b.trialing = false
	if b.state != task.BreakerClosed {
		return b.moveTo(task.BreakerClosed)
	}
	return nil
}

func (b *breaker) failure(now time.Time) *transition {
	b.failures++
	b.lastFailure = now
	switch b.state {
	case task.BreakerHalfOpen:
		b.trialing = false
		b.openedAt = now
		return b.moveTo(task.BreakerOpen)
	case task.BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			return b.moveTo(task.BreakerOpen)
		}
	case task.BreakerOpen:
		b.openedAt = now
	}
	return nil
}

// release returns an unused trial slot, e.g. when the call was cancelled. Only the
// holder of the current trial can free it.
func (b *breaker) release(trial uint64) {
	if trial != 0 && b.trialing && trial == b.trialSeq {
		b.trialing = false
	}
}

func (b *breaker) snapshot(now time.Time) task.Breaker {
	return task.Breaker{State: b.view(now), Failures: b.failures, LastFailure: b.lastFailure}
}

type transition struct {
	From task.BreakerState
	To   task.BreakerState
}

func (b *breaker) moveTo(to task.BreakerState) *transition {
	from := b.state
	b.state = to
	return &transition{From: from, To: to}
}
