package decompose

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/concord/pkg/analysis"
	"github.com/zen-systems/concord/pkg/task"
)

func analyze(t *testing.T, text string) (*task.Task, analysis.Result) {
	t.Helper()
	tk := task.New(task.NewRequest(text, task.ModeBalanced))
	res := analysis.New(nil, zerolog.Nop()).Analyze(context.Background(), text)
	return tk, res
}

func TestDecomposeIndependentClauses(t *testing.T) {
	tk, res := analyze(t, "Explain quantum computing, write a Python example, and suggest real-world applications")
	require.True(t, res.NeedsDecomposition())

	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	assert.Equal(t, "st-1", subtasks[0].ID)
	assert.Equal(t, "st-2", subtasks[1].ID)
	assert.Equal(t, "st-3", subtasks[2].ID)

	assert.Equal(t, task.TypeReasoning, subtasks[0].Type)
	assert.Equal(t, task.TypeCodeGeneration, subtasks[1].Type)
	assert.Equal(t, task.TypeResearch, subtasks[2].Type)

	assert.Equal(t, task.PriorityHigh, subtasks[0].Priority)
	assert.Equal(t, task.PriorityMedium, subtasks[1].Priority)

	for i, st := range subtasks {
		assert.Empty(t, st.DependsOn, st.ID)
		assert.Equal(t, tk.ID, st.ParentID)
		assert.Equal(t, i, st.Order)
		assert.Equal(t, task.SubtaskPending, st.Status)
	}
}

func TestDecomposeSequencedClauseDependsOnPrevious(t *testing.T) {
	tk, res := analyze(t, "Write a parser then test it with fuzzing")
	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Empty(t, subtasks[0].DependsOn)
	assert.Equal(t, []string{"st-1"}, subtasks[1].DependsOn)
}

func TestDecomposeVerificationReferencesPrevious(t *testing.T) {
	tk, res := analyze(t, "Write a sorting function and verify that it handles duplicates")
	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.TypeVerification, subtasks[1].Type)
	assert.Equal(t, task.PriorityMedium, subtasks[1].Priority)
	assert.Equal(t, []string{"st-1"}, subtasks[1].DependsOn)
}

func TestDecomposePriorityWords(t *testing.T) {
	tk, res := analyze(t, "Explain the outage and fix the critical config bug")
	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.PriorityCritical, subtasks[1].Priority)
	assert.Equal(t, task.TypeDebugging, subtasks[1].Type)

	tk, res = analyze(t, "Summarize the article and translate it to French if possible")
	subtasks, err = New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.PriorityLow, subtasks[1].Priority)
}

func TestDecomposeSimpleIsSingleSubtask(t *testing.T) {
	tk, res := analyze(t, "What is a goroutine?")
	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "st-1", subtasks[0].ID)
	assert.Equal(t, tk.Content(), subtasks[0].Content)
	assert.Equal(t, res.Intent, subtasks[0].Type)
}

func TestDecomposeLongSingleAskAddsReview(t *testing.T) {
	tk := task.New(task.NewRequest("long request", task.ModeBestQuality))
	res := analysis.Result{
		Intent:     task.TypeReasoning,
		Complexity: task.ComplexityComplex,
		Clauses:    []analysis.Clause{{Text: "long request"}},
	}
	subtasks, err := New(nil).Decompose(tk, res)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.TypeReasoning, subtasks[0].Type)
	assert.Equal(t, task.TypeVerification, subtasks[1].Type)
	assert.Equal(t, []string{subtasks[0].ID}, subtasks[1].DependsOn)
}

func TestDecomposeCap(t *testing.T) {
	var clauses []analysis.Clause
	for i := 0; i < 12; i++ {
		clauses = append(clauses, analysis.Clause{Text: fmt.Sprintf("explain topic %d", i)})
	}
	res := analysis.Result{Intent: task.TypeReasoning, Complexity: task.ComplexityComplex, Clauses: clauses}
	tk := task.New(task.NewRequest("many asks", task.ModeFast))

	subtasks, err := New(nil).Decompose(tk, res)
	require.ErrorIs(t, err, ErrDecompositionLimit)
	assert.Len(t, subtasks, DefaultMaxSubtasks)

	subtasks, err = New(nil, WithMaxSubtasks(3)).Decompose(tk, res)
	require.ErrorIs(t, err, ErrDecompositionLimit)
	assert.Len(t, subtasks, 3)
	assert.Equal(t, "st-3", subtasks[2].ID)
}

func TestDecomposeDeterministic(t *testing.T) {
	tk, res := analyze(t, "Explain quantum computing, write a Python example, and suggest real-world applications")
	d := New(nil)
	a, err := d.Decompose(tk, res)
	require.NoError(t, err)
	b, err := d.Decompose(tk, res)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
