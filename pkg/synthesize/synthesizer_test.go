package synthesize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/concord/pkg/task"
)

func ok(id, content, model, answer string, prio task.Priority, conf float64) task.SubtaskResult {
	resp := task.AgentResponse{ID: id + "-r", SubtaskID: id, ModelID: model, Content: answer, Success: true, Confidence: conf, Cost: 0.01, Latency: time.Second}
	return task.SubtaskResult{
		Subtask:   task.Subtask{ID: id, Content: content, Priority: prio, Order: orderOf(id)},
		Status:    task.SubtaskCompleted,
		Chosen:    &resp,
		Responses: []task.AgentResponse{resp},
	}
}

func bad(id, content string, prio task.Priority, err string) task.SubtaskResult {
	return task.SubtaskResult{
		Subtask: task.Subtask{ID: id, Content: content, Priority: prio, Order: orderOf(id)},
		Status:  task.SubtaskFailed,
		Error:   err,
		Responses: []task.AgentResponse{
			{ID: id + "-r", SubtaskID: id, ModelID: "flaky", Error: err, Latency: 500 * time.Millisecond},
		},
	}
}

func orderOf(id string) int {
	return int(id[len(id)-1] - '1')
}

func newTask() *task.Task {
	return task.New(task.NewRequest("request", task.ModeBalanced))
}

func TestSingleSubtaskIsVerbatim(t *testing.T) {
	tk := newTask()
	final := New().Synthesize(tk, []task.SubtaskResult{ok("st-1", "what is go", "m", "Go is a language.", task.PriorityHigh, 0.8)}, nil, Timing{WallTime: time.Second})
	assert.True(t, final.Success)
	assert.Equal(t, tk.ID, final.TaskID)
	assert.Equal(t, "Go is a language.", final.Content)
	assert.InDelta(t, 0.8, final.Confidence, 1e-9)
	assert.Equal(t, []string{"m"}, final.ModelsUsed)
	assert.Empty(t, final.Failed)
	assert.InDelta(t, 1.0, final.ParallelEfficiency, 1e-9)
}

func TestOrderingByPriorityThenDependencies(t *testing.T) {
	first := ok("st-1", "explain a", "m", "A", task.PriorityMedium, 0.8)
	second := ok("st-2", "explain b", "m", "B", task.PriorityHigh, 0.8)
	third := ok("st-3", "explain c", "m", "C", task.PriorityMedium, 0.8)
	first.Subtask.DependsOn = []string{"st-3"}

	ordered := Order([]task.SubtaskResult{first, second, third})
	ids := []string{ordered[0].Subtask.ID, ordered[1].Subtask.ID, ordered[2].Subtask.ID}
	assert.Equal(t, []string{"st-2", "st-3", "st-1"}, ids)

	final := New().Synthesize(newTask(), []task.SubtaskResult{first, second, third}, nil, Timing{})
	assert.Equal(t, "## Explain b\n\nB\n\n## Explain c\n\nC\n\n## Explain a\n\nA", final.Content)
}

func TestFailedSubtaskIsNotedAndWeighted(t *testing.T) {
	results := []task.SubtaskResult{
		ok("st-1", "explain a", "m", "A", task.PriorityHigh, 0.9),
		bad("st-2", "write code", task.PriorityMedium, "boom"),
	}
	final := New().Synthesize(newTask(), results, nil, Timing{WallTime: time.Second})
	assert.True(t, final.Success)
	assert.Contains(t, final.Content, "## Write code\n\n[unavailable: boom]")
	assert.Equal(t, []string{"st-2"}, final.Failed)
	assert.InDelta(t, 0.9*3/5, final.Confidence, 1e-9)
	assert.Equal(t, "boom", final.Metadata["error.st-2"])
	assert.Equal(t, "1", final.Metadata["failed_subtasks"])
}

func TestConfidenceWeightsByReliability(t *testing.T) {
	results := []task.SubtaskResult{
		ok("st-1", "a", "good", "A", task.PriorityMedium, 0.9),
		ok("st-2", "b", "shaky", "B", task.PriorityMedium, 0.5),
	}
	rel := map[string]float64{"good": 1.0, "shaky": 0.5}
	s := New(WithReliability(func(id string) float64 { return rel[id] }))
	final := s.Synthesize(newTask(), results, nil, Timing{})
	assert.InDelta(t, (2*0.9+1*0.5)/3, final.Confidence, 1e-9)
}

func TestDecisionConfidenceAndConflictNotes(t *testing.T) {
	r := ok("st-1", "a", "m", "A", task.PriorityMedium, 0.9)
	d := task.ArbitrationDecision{SubtaskID: "st-1", ChosenID: "st-1-r", Conflict: true, Reasoning: "models disagreed", Confidence: 0.6}
	r.Decision = &d
	other := ok("st-2", "b", "m", "B", task.PriorityMedium, 0.6)

	final := New().Synthesize(newTask(), []task.SubtaskResult{r, other}, []task.ArbitrationDecision{d}, Timing{})
	assert.InDelta(t, 0.6, final.Confidence, 1e-9)
	assert.Contains(t, final.Content, "## Notes on conflicting answers\n\n- st-1: models disagreed")
	assert.Len(t, final.Decisions, 1)
}

func TestAllFailed(t *testing.T) {
	results := []task.SubtaskResult{
		bad("st-1", "explain a", task.PriorityHigh, "timeout"),
		bad("st-2", "explain b", task.PriorityMedium, "circuit open"),
	}
	final := New().Synthesize(newTask(), results, nil, Timing{})
	assert.False(t, final.Success)
	assert.Zero(t, final.Confidence)
	assert.Equal(t, ErrAllSubtasksFailed.Error(), final.Metadata["error"])
	assert.Contains(t, final.Content, "st-1 (Explain a): timeout")
	assert.Contains(t, final.Content, "st-2 (Explain b): circuit open")
	assert.ElementsMatch(t, []string{"st-1", "st-2"}, final.Failed)
	assert.Empty(t, final.ModelsUsed)
}

func TestCostsIncludeEveryAttempt(t *testing.T) {
	r := ok("st-1", "a", "winner", "A", task.PriorityMedium, 0.9)
	loser := task.AgentResponse{ID: "l", SubtaskID: "st-1", ModelID: "loser", Success: true, Cost: 0.02, Latency: 2 * time.Second}
	r.Responses = append(r.Responses, loser)

	final := New().Synthesize(newTask(), []task.SubtaskResult{r}, nil, Timing{WallTime: 2 * time.Second})
	require.Equal(t, "USD", final.Cost.Currency)
	assert.InDelta(t, 0.03, final.Cost.Total, 1e-9)
	assert.InDelta(t, 0.02, final.Cost.ByModel["loser"], 1e-9)
	assert.InDelta(t, 0.03, final.Cost.BySubtask["st-1"], 1e-9)
	assert.Equal(t, 3*time.Second, final.SerialTime)
	assert.InDelta(t, 1.5, final.ParallelEfficiency, 1e-9)
	assert.Equal(t, []string{"loser", "winner"}, final.ModelsUsed)
}

func TestWallTimeFallsBackToSpan(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	a := ok("st-1", "a", "m", "A", task.PriorityMedium, 0.9)
	a.Started, a.Finished = start, start.Add(time.Second)
	b := ok("st-2", "b", "m", "B", task.PriorityMedium, 0.9)
	b.Started, b.Finished = start, start.Add(2*time.Second)

	final := New().Synthesize(newTask(), []task.SubtaskResult{a, b}, nil, Timing{})
	assert.Equal(t, 2*time.Second, final.WallTime)
	assert.InDelta(t, 1.0, final.ParallelEfficiency, 1e-9)
}

func TestHeading(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "Request"},
		{"ascii", "explain a", "Explain a"},
		{"first line only", "explain a\nand more", "Explain a"},
		{"multi-byte first rune", "ⱥbc", "Ⱥbc"},
		{"invalid byte", "\xff", "\uFFFD"},
		{"invalid byte before text", "\xffab", "\uFFFDab"},
		{"long text", strings.Repeat("é", 100), "É" + strings.Repeat("é", 76) + "..."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			require.NotPanics(t, func() { got = heading(tc.in) })
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAllFailedWithMalformedContent(t *testing.T) {
	results := []task.SubtaskResult{bad("st-1", "\xff", task.PriorityHigh, "bad request")}
	var final task.FinalResponse
	require.NotPanics(t, func() {
		final = New().Synthesize(newTask(), results, nil, Timing{})
	})
	assert.False(t, final.Success)
	assert.Contains(t, final.Content, "st-1 (\uFFFD): bad request")
}
