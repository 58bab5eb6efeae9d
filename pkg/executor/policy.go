package executor

import (
	"context"
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// RetryPolicy bounds how often one model is retried for one subtask.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy makes up to three attempts, backing off 200ms, 400ms, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.BaseBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Timeouts caps a single adapter call per execution mode.
type Timeouts struct {
	Fast        time.Duration `mapstructure:"fast" yaml:"fast"`
	Balanced    time.Duration `mapstructure:"balanced" yaml:"balanced"`
	BestQuality time.Duration `mapstructure:"best_quality" yaml:"best_quality"`
}

// DefaultTimeouts returns 15s, 45s and 90s.
func DefaultTimeouts() Timeouts {
	return Timeouts{Fast: 15 * time.Second, Balanced: 45 * time.Second, BestQuality: 90 * time.Second}
}

// For returns the per-call timeout for a mode.
func (t Timeouts) For(mode task.ExecutionMode) time.Duration {
	d := DefaultTimeouts()
	switch mode {
	case task.ModeFast:
		if t.Fast > 0 {
			return t.Fast
		}
		return d.Fast
	case task.ModeBestQuality:
		if t.BestQuality > 0 {
			return t.BestQuality
		}
		return d.BestQuality
	default:
		if t.Balanced > 0 {
			return t.Balanced
		}
		return d.Balanced
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
