package arbitrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/task"
)

func response(id, model, content string, conf float64) task.AgentResponse {
	return task.AgentResponse{ID: id, SubtaskID: "st-1", ModelID: model, Content: content, Success: true, Confidence: conf}
}

func failed(id, model string) task.AgentResponse {
	return task.AgentResponse{ID: id, SubtaskID: "st-1", ModelID: model, Error: "boom"}
}

func result(rs ...task.AgentResponse) task.SubtaskResult {
	r := task.SubtaskResult{Subtask: task.Subtask{ID: "st-1"}, Status: task.SubtaskFailed, Responses: rs}
	for i := range rs {
		if rs[i].Success {
			c := rs[i]
			r.Chosen = &c
			r.Status = task.SubtaskCompleted
			break
		}
	}
	return r
}

func requireReferencesInput(t *testing.T, d task.ArbitrationDecision, in task.SubtaskResult) {
	t.Helper()
	var ids []string
	for _, r := range in.Responses {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, d.ChosenID)
	assert.ElementsMatch(t, ids, d.CandidateIDs)
}

func TestSingleResponsePassesThrough(t *testing.T) {
	in := result(response("r1", "a", "answer", 0.8))
	out, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{in})
	assert.Empty(t, decisions)
	assert.Equal(t, in, out[0])
}

func TestAgreeingResponsesRecordNoConflict(t *testing.T) {
	in := result(
		response("r1", "a", "Qubits can be in superposition.", 0.7),
		response("r2", "b", "Qubits can be in superposition.", 0.8),
	)
	out, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	d := decisions[0]
	requireReferencesInput(t, d, in)
	assert.False(t, d.Conflict)
	assert.Equal(t, "r2", d.ChosenID)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasoning, "no conflict")
	assert.Equal(t, "r2", out[0].Chosen.ID)
	require.NotNil(t, out[0].Decision)
}

func TestConfidenceGapIsConflict(t *testing.T) {
	in := result(
		response("r1", "a", "same words here", 0.5),
		response("r2", "b", "same words here", 0.9),
	)
	_, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.True(t, d.Conflict)
	assert.Equal(t, "r2", d.ChosenID)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasoning, ErrArbitrationConflict.Error())
}

func TestDissimilarContentIsConflictAndTieBreaksOnReliability(t *testing.T) {
	in := result(
		response("r1", "a", "Paris is the capital of France", 0.8),
		response("r2", "b", "Lyon is the biggest city", 0.8),
	)
	reliability := map[string]float64{"a": 0.7, "b": 0.95}
	arb := New(WithReliability(func(id string) float64 { return reliability[id] }))

	_, decisions := arb.Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.True(t, d.Conflict)
	assert.Equal(t, "r2", d.ChosenID)
	assert.InDelta(t, 2.0/9.0, d.Similarity, 1e-9)
	assert.InDelta(t, 0.8*(1-0.5*(1-2.0/9.0)), d.Confidence, 1e-9)
}

func TestTieBreaksOnCostThenID(t *testing.T) {
	a := response("r2", "a", "same", 0.8)
	b := response("r1", "b", "same", 0.8)
	a.Cost, b.Cost = 0.01, 0.02
	_, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{result(a, b)})
	assert.Equal(t, "r2", decisions[0].ChosenID)

	b.Cost = 0.01
	_, decisions = New().Arbitrate(context.Background(), []task.SubtaskResult{result(a, b)})
	assert.Equal(t, "r1", decisions[0].ChosenID)
}

func TestOnlyOneSuccessfulResponse(t *testing.T) {
	in := result(failed("r1", "a"), response("r2", "b", "fine", 0.6))
	out, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	assert.Equal(t, "r2", decisions[0].ChosenID)
	assert.Contains(t, decisions[0].Reasoning, "only one successful response")
	assert.Equal(t, task.SubtaskCompleted, out[0].Status)
	requireReferencesInput(t, decisions[0], in)
}

func TestAllFailedStillDecides(t *testing.T) {
	in := result(failed("r1", "a"), failed("r2", "b"))
	out, decisions := New().Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	requireReferencesInput(t, decisions[0], in)
	assert.Nil(t, out[0].Chosen)
	assert.Equal(t, task.SubtaskFailed, out[0].Status)
	assert.Zero(t, decisions[0].Confidence)
}

func TestJudgeOverridesHeuristic(t *testing.T) {
	in := result(
		response("r1", "a", "Paris is the capital of France", 0.8),
		response("r2", "b", "France's capital city is Paris", 0.8),
	)
	judge := adapter.NewMock(task.ModelDescriptor{ID: "judge"}).
		WithDefault(`{"has_conflict": false, "topic": "capital", "explanation": "both say Paris"}`)

	_, decisions := New(WithJudge(judge)).Arbitrate(context.Background(), []task.SubtaskResult{in})
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].UsedJudge)
	assert.False(t, decisions[0].Conflict)
	assert.Contains(t, decisions[0].Reasoning, "both say Paris")
	assert.Equal(t, 1, judge.Calls())
}

func TestJudgeFailureFallsBackToHeuristic(t *testing.T) {
	in := result(
		response("r1", "a", "Paris is the capital of France", 0.8),
		response("r2", "b", "Lyon is the biggest city", 0.8),
	)
	judge := adapter.NewMock(task.ModelDescriptor{ID: "judge"}).FailAlways(errors.New("down"))
	_, decisions := New(WithJudge(judge)).Arbitrate(context.Background(), []task.SubtaskResult{in})
	assert.False(t, decisions[0].UsedJudge)
	assert.True(t, decisions[0].Conflict)

	garbled := adapter.NewMock(task.ModelDescriptor{ID: "judge"}).WithDefault("no idea")
	_, decisions = New(WithJudge(garbled)).Arbitrate(context.Background(), []task.SubtaskResult{in})
	assert.False(t, decisions[0].UsedJudge)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("Hello, World!", "hello world"))
	assert.Equal(t, 0.0, Similarity("alpha", "beta"))
	assert.InDelta(t, 0.5, Similarity("a b c", "b c d"), 1e-9)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("é", 700)
	got := truncate(long, 600)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 603, utf8.RuneCountInString(got))
	assert.Equal(t, "short", truncate("short", 600))
}
