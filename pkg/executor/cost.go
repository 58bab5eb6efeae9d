package executor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zen-systems/concord/pkg/task"
)

// ErrBudgetExceeded stops new attempts once a task has spent its budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// costTracker accumulates spend for one task across concurrent subtasks.
type costTracker struct {
	mu        sync.Mutex
	maxBudget float64
	total     float64
	usage     task.Usage
	calls     int
	byModel   map[string]float64
}

func newCostTracker(maxBudget float64) *costTracker {
	return &costTracker{maxBudget: maxBudget, byModel: make(map[string]float64)}
}

func (t *costTracker) checkBudget() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBudget <= 0 || t.total < t.maxBudget {
		return nil
	}
	return fmt.Errorf("%w: spent %.4f of %.4f USD", ErrBudgetExceeded, t.total, t.maxBudget)
}

func (t *costTracker) record(modelID string, usage task.Usage, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.total += cost
	t.usage = t.usage.Add(usage)
	t.byModel[modelID] += cost
}

func (t *costTracker) snapshot() (float64, task.Usage, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.usage, t.calls
}
