package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/concord/pkg/task"
)

type staticSource []task.ModelDescriptor

func (s staticSource) List() []task.ModelDescriptor { return s }

func catalog() staticSource {
	all := []task.TaskType{task.TypeReasoning, task.TypeCodeGeneration, task.TypeResearch}
	return staticSource{
		{ID: "budget", Capabilities: all, CostPerInputToken: 0.1e-6, CostPerOutputToken: 0.4e-6, AvgLatency: 500 * time.Millisecond, Reliability: 0.80},
		{ID: "middle", Capabilities: all, CostPerInputToken: 1e-6, CostPerOutputToken: 4e-6, AvgLatency: 1500 * time.Millisecond, Reliability: 0.88},
		{ID: "premium", Capabilities: all, CostPerInputToken: 5e-6, CostPerOutputToken: 20e-6, AvgLatency: 4 * time.Second, Reliability: 0.99},
		{ID: "artist", Capabilities: []task.TaskType{task.TypeCreative}, CostPerInputToken: 1e-6, CostPerOutputToken: 2e-6, AvgLatency: time.Second, Reliability: 0.9},
	}
}

func subtask(tt task.TaskType) *task.Subtask {
	return &task.Subtask{ID: "st-1", Content: "Explain how transformers use attention.", Type: tt}
}

func TestSelectByMode(t *testing.T) {
	o := New(catalog())

	fast, err := o.Select(subtask(task.TypeReasoning), task.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, "budget", fast.Model.ID)

	quality, err := o.Select(subtask(task.TypeReasoning), task.ModeBestQuality)
	require.NoError(t, err)
	assert.Equal(t, "premium", quality.Model.ID)
	assert.Contains(t, quality.Reason, "best reliability for reasoning under best_quality budget")
}

func TestSelectFiltersCapabilityAndOpenBreakers(t *testing.T) {
	src := catalog()
	src[2].Breaker.State = task.BreakerOpen
	o := New(src)

	choices, err := o.SelectN(subtask(task.TypeReasoning), task.ModeBestQuality, 5)
	require.NoError(t, err)
	require.Len(t, choices, 2)
	for _, c := range choices {
		assert.NotEqual(t, "premium", c.Model.ID)
		assert.True(t, c.Model.Supports(task.TypeReasoning))
	}
	assert.Equal(t, "middle", choices[0].Model.ID)
	assert.Contains(t, choices[1].Reason, "runner-up #2")
}

func TestHalfOpenModelsStayEligible(t *testing.T) {
	src := staticSource{{ID: "trial", Capabilities: []task.TaskType{task.TypeReasoning}, Reliability: 0.5, Breaker: task.Breaker{State: task.BreakerHalfOpen}}}
	c, err := New(src).Select(subtask(task.TypeReasoning), task.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, "trial", c.Model.ID)
}

func TestNoCapableModel(t *testing.T) {
	o := New(catalog())
	_, err := o.Select(subtask(task.TypeDebugging), task.ModeBalanced)
	require.ErrorIs(t, err, ErrNoCapableModel)

	fb, err := o.Fallback(subtask(task.TypeDebugging), task.ModeBalanced)
	require.NoError(t, err)
	assert.True(t, fb.Degraded)
	assert.Contains(t, fb.Reason, "degraded")

	empty := New(staticSource{{ID: "x", Capabilities: []task.TaskType{task.TypeReasoning}, Breaker: task.Breaker{State: task.BreakerOpen}}})
	_, err = empty.Fallback(subtask(task.TypeDebugging), task.ModeBalanced)
	require.ErrorIs(t, err, ErrNoCapableModel)
}

func TestSelectNExclude(t *testing.T) {
	o := New(catalog())
	choices, err := o.SelectN(subtask(task.TypeCodeGeneration), task.ModeBestQuality, 2, "premium")
	require.NoError(t, err)
	require.Len(t, choices, 2)
	assert.Equal(t, []string{"middle", "budget"}, []string{choices[0].Model.ID, choices[1].Model.ID})
}

func TestTieBreakIsDeterministic(t *testing.T) {
	src := staticSource{
		{ID: "b", Capabilities: []task.TaskType{task.TypeReasoning}, Reliability: 0.9},
		{ID: "a", Capabilities: []task.TaskType{task.TypeReasoning}, Reliability: 0.9},
		{ID: "c", Capabilities: []task.TaskType{task.TypeReasoning}, Reliability: 0.95},
	}
	choices, err := New(src).SelectN(subtask(task.TypeReasoning), task.ModeBalanced, 3)
	require.NoError(t, err)
	assert.Equal(t, "c", choices[0].Model.ID, "higher reliability wins")
	assert.Equal(t, "a", choices[1].Model.ID, "id breaks full ties")
	assert.Equal(t, "b", choices[2].Model.ID)
}

func TestEstimatedCostGrowsWithMode(t *testing.T) {
	o := New(catalog())
	st := subtask(task.TypeResearch)
	var prev float64
	for _, mode := range task.Modes {
		c, err := o.Select(st, mode)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c.EstimatedCost, prev, mode)
		prev = c.EstimatedCost
	}

	in, out := New(catalog(), WithOutputBudget(task.ModeFast, 42)).EstimateTokens(st, task.ModeFast)
	assert.Equal(t, len(st.Content)/4, in)
	assert.Equal(t, 42, out)
}

func TestPin(t *testing.T) {
	src := catalog()
	o := New(src)

	c, err := o.Pin(subtask(task.TypeReasoning), task.ModeFast, "premium")
	require.NoError(t, err)
	assert.Equal(t, "premium", c.Model.ID)
	assert.Contains(t, c.Reason, "pinned to premium")

	_, err = o.Pin(subtask(task.TypeReasoning), task.ModeFast, "artist")
	assert.ErrorIs(t, err, ErrNoCapableModel)

	src[2].Breaker.State = task.BreakerOpen
	_, err = New(src).Pin(subtask(task.TypeReasoning), task.ModeFast, "premium")
	assert.ErrorIs(t, err, ErrNoCapableModel)
}
