package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/task"
)

func clauseTexts(cs []Clause) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Text)
	}
	return out
}

func TestSplitClauses(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "comma list of asks",
			in:   "Explain quantum computing, write a Python example, and suggest real-world applications",
			want: []string{"Explain quantum computing", "write a Python example", "suggest real-world applications"},
		},
		{
			name: "questions",
			in:   "What is a goroutine? How does the scheduler pick one?",
			want: []string{"What is a goroutine?", "How does the scheduler pick one?"},
		},
		{
			name: "noun list stays whole",
			in:   "Compare Go, Rust, and Java",
			want: []string{"Compare Go, Rust, and Java"},
		},
		{
			name: "context attaches to next ask",
			in:   "My service crashes on startup. Fix the nil pointer.",
			want: []string{"My service crashes on startup. Fix the nil pointer."},
		},
		{
			name: "and-joined verbs",
			in:   "Write a sorting function and explain its complexity",
			want: []string{"Write a sorting function", "explain its complexity"},
		},
		{
			name: "abbreviation is not a boundary",
			in:   "Explain e.g. channels in Go",
			want: []string{"Explain e.g. channels in Go"},
		},
		{
			name: "no actionable clause",
			in:   "quantum computing",
			want: []string{"quantum computing"},
		},
		{
			name: "runes that grow when lowercased",
			in:   "Explain ȺȺȺ and write a poem",
			want: []string{"Explain ȺȺȺ", "write a poem"},
		},
		{
			name: "runes that shrink when lowercased",
			in:   "Describe İSTANBUL then write a poem",
			want: []string{"Describe İSTANBUL", "write a poem"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clauseTexts(SplitClauses(tc.in)))
		})
	}
}

func TestSplitClausesConnectors(t *testing.T) {
	clauses := SplitClauses("Write a parser then test it with fuzzing")
	require.Len(t, clauses, 2)
	assert.Equal(t, "", clauses[0].Connector)
	assert.Equal(t, "then", clauses[1].Connector)
	assert.Equal(t, "test it with fuzzing", clauses[1].Text)
}

func TestAnalyzeComplexity(t *testing.T) {
	a := New(nil, zerolog.Nop())
	ctx := context.Background()

	simple := a.Analyze(ctx, "What is a goroutine?")
	assert.Equal(t, task.ComplexitySimple, simple.Complexity)
	assert.False(t, simple.NeedsDecomposition())

	moderate := a.Analyze(ctx, "Explain step by step how the Go garbage collector works")
	assert.Equal(t, task.ComplexityModerate, moderate.Complexity)

	multi := a.Analyze(ctx, "Explain quantum computing, write a Python example, and suggest real-world applications")
	assert.Equal(t, task.ComplexityComplex, multi.Complexity)
	assert.Len(t, multi.Clauses, 3)

	long := a.Analyze(ctx, "Describe "+strings.Repeat("the history of distributed consensus ", 20))
	assert.Equal(t, task.ComplexityComplex, long.Complexity)
	assert.Contains(t, long.Signals, "long request")
}

func TestAnalyzeEmptyIsDegradedSimple(t *testing.T) {
	a := New(nil, zerolog.Nop())
	for _, in := range []string{"", "   \n\t", "\x00\x01"} {
		res := a.Analyze(context.Background(), in)
		assert.Equal(t, task.ComplexitySimple, res.Complexity, "%q", in)
		assert.True(t, res.Degraded)
		assert.ErrorIs(t, res.Err(), ErrAnalysisDegraded)
		assert.Len(t, res.Clauses, 1)
	}
	assert.NoError(t, a.Analyze(context.Background(), "hello there").Err())
}

func TestAnalyzeUnusualInput(t *testing.T) {
	a := New(nil, zerolog.Nop())
	cases := []struct {
		name     string
		in       string
		text     string
		degraded bool
	}{
		{"growing lowercase runes", strings.Repeat("Ⱥ", 40) + " and write a poem", strings.Repeat("Ⱥ", 40) + " and write a poem", false},
		{"shrinking lowercase runes", strings.Repeat("İ", 40) + " and explain why", strings.Repeat("İ", 40) + " and explain why", false},
		{"invalid byte", "\xffExplain channels and write an example", "Explain channels and write an example", true},
		{"only invalid bytes", "\xff\xfe", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var res Result
			require.NotPanics(t, func() { res = a.Analyze(context.Background(), tc.in) })
			assert.Equal(t, tc.text, res.Text)
			assert.Equal(t, tc.degraded, res.Degraded)
			require.NotEmpty(t, res.Clauses)
			for _, c := range res.Clauses {
				assert.True(t, utf8.ValidString(c.Text), "clause %q", c.Text)
			}
		})
	}
}

func TestHeuristic(t *testing.T) {
	c := NewClassifier()

	d := c.Heuristic("write a python function that parses json")
	assert.Equal(t, task.TypeCodeGeneration, d.Type)
	assert.GreaterOrEqual(t, d.Confidence, 0.9)

	d = c.Heuristic("hello there")
	assert.Equal(t, task.TypeGeneral, d.Type)
	assert.Zero(t, d.Confidence)

	d = c.Heuristic("decode this")
	assert.Equal(t, task.TypeGeneral, d.Type, "code inside decode is not a word match")
}

func TestHeuristicConfidenceMargin(t *testing.T) {
	c := NewClassifier(WithTriggers(map[task.TaskType][]string{
		task.TypeReasoning: {"alpha", "beta", "gamma"},
		task.TypeResearch:  {"alpha", "beta"},
	}))
	d := c.Heuristic("alpha beta gamma")
	assert.Equal(t, task.TypeReasoning, d.Type)
	require.Len(t, d.Candidates, 2)
	assert.InDelta(t, 0.55, d.Confidence, 0.02)
}

func ambiguousClassifier(tb adapter.Adapter) *Classifier {
	return NewClassifier(
		WithTriggers(map[task.TaskType][]string{
			task.TypeReasoning: {"alpha"},
			task.TypeResearch:  {"alpha"},
		}),
		WithTieBreaker(tb, 0.65),
	)
}

func TestTieBreaker(t *testing.T) {
	tb := adapter.NewMock(task.ModelDescriptor{ID: "judge"}).
		WithDefault("```json\n{\"task_type\":\"research\",\"confidence\":0.8,\"reason\":\"asks for sources\"}\n```")

	d := ambiguousClassifier(tb).Classify(context.Background(), "alpha")
	assert.True(t, d.UsedLLM)
	assert.Equal(t, task.TypeResearch, d.Type)
	assert.Equal(t, 0.8, d.Confidence)
	assert.Equal(t, 1, tb.Calls())
}

func TestTieBreakerFallsBack(t *testing.T) {
	cases := map[string]*adapter.Mock{
		"error":          adapter.NewMock(task.ModelDescriptor{ID: "j"}).FailAlways(errors.New("down")),
		"not json":       adapter.NewMock(task.ModelDescriptor{ID: "j"}).WithDefault("research, probably"),
		"not candidate":  adapter.NewMock(task.ModelDescriptor{ID: "j"}).WithDefault(`{"task_type":"debugging","confidence":0.9}`),
		"bad confidence": adapter.NewMock(task.ModelDescriptor{ID: "j"}).WithDefault(`{"task_type":"research","confidence":3}`),
	}
	for name, tb := range cases {
		t.Run(name, func(t *testing.T) {
			d := ambiguousClassifier(tb).Classify(context.Background(), "alpha")
			assert.False(t, d.UsedLLM)
			assert.Equal(t, task.TypeReasoning, d.Type)
		})
	}
}

func TestTieBreakerSkippedWhenConfident(t *testing.T) {
	tb := adapter.NewMock(task.ModelDescriptor{ID: "judge"})
	c := NewClassifier(WithTieBreaker(tb, 0.65))
	d := c.Classify(context.Background(), "summarize the key points of this recap")
	assert.Equal(t, task.TypeSummarization, d.Type)
	assert.Zero(t, tb.Calls())
}
