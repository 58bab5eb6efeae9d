// Package decompose turns an analyzed request into an ordered set of typed,
// prioritized subtasks with dependency edges.
package decompose

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/analysis"
	"github.com/zen-systems/concord/pkg/task"
)

// ErrDecompositionLimit is returned alongside a truncated subtask list.
var ErrDecompositionLimit = errors.New("decomposition limit exceeded")

// DefaultMaxSubtasks bounds how many subtasks one request may produce.
const DefaultMaxSubtasks = 10

var (
	criticalWords = []string{"critical", "must", "urgent", "crucial", "required"}
	lowWords      = []string{"optionally", "optional", "bonus", "if possible", "if you have time", "nice to have"}
	backRefs      = []string{
		"using the above", "based on that", "based on the above", "based on this",
		"with it", "that code", "the code above", "the result", "the results",
		"from the previous", "the previous", "using that", "using it", "the above",
	}
	pronouns = []string{"it", "this", "that", "them", "those", "these"}
)

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithMaxSubtasks overrides the subtask cap.
func WithMaxSubtasks(n int) Option {
	return func(d *Decomposer) {
		if n > 0 {
			d.maxSubtasks = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Decomposer) {
		d.logger = l.With().Str("component", "decompose").Logger()
	}
}

// Decomposer splits complex requests. It is stateless and deterministic.
type Decomposer struct {
	classifier  *analysis.Classifier
	maxSubtasks int
	logger      zerolog.Logger
}

// New creates a decomposer typing subtasks with the given classifier.
func New(classifier *analysis.Classifier, opts ...Option) *Decomposer {
	if classifier == nil {
		classifier = analysis.NewClassifier()
	}
	d := &Decomposer{classifier: classifier, maxSubtasks: DefaultMaxSubtasks, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxSubtasks returns the configured cap.
func (d *Decomposer) MaxSubtasks() int {
	return d.maxSubtasks
}

// Decompose returns the subtasks for the task. Simple and moderate requests become a
// single subtask carrying the full request. Complex requests yield at least two. When
// the cap truncates the list, the capped list is returned with ErrDecompositionLimit.
func (d *Decomposer) Decompose(t *task.Task, res analysis.Result) ([]*task.Subtask, error) {
	if !res.NeedsDecomposition() {
		return []*task.Subtask{d.single(t, res)}, nil
	}

	clauses := res.Clauses
	if len(clauses) < 2 {
		return d.withVerification(t, res), nil
	}

	var err error
	if len(clauses) > d.maxSubtasks {
		err = fmt.Errorf("%w: %d clauses capped at %d", ErrDecompositionLimit, len(clauses), d.maxSubtasks)
		d.logger.Warn().Str("task_id", t.ID).Int("clauses", len(clauses)).Int("cap", d.maxSubtasks).Msg("decomposition truncated")
		clauses = clauses[:d.maxSubtasks]
	}

	subtasks := make([]*task.Subtask, 0, len(clauses))
	for i, clause := range clauses {
		st := &task.Subtask{
			ID:       task.SubtaskID(i + 1),
			ParentID: t.ID,
			Content:  clause.Text,
			Type:     d.typeFor(clause.Text, res.Intent),
			Status:   task.SubtaskPending,
			Order:    i,
		}
		st.Priority = priorityFor(i, st.Type, clause.Text)
		if i > 0 && dependsOnPrevious(clause, st.Type) {
			st.DependsOn = []string{subtasks[i-1].ID}
		}
		subtasks = append(subtasks, st)
	}
	d.logger.Debug().Str("task_id", t.ID).Int("subtasks", len(subtasks)).Msg("request decomposed")
	return subtasks, err
}

func (d *Decomposer) single(t *task.Task, res analysis.Result) *task.Subtask {
	intent := res.Intent
	if intent == "" {
		intent = task.TypeGeneral
	}
	content := res.Text
	if content == "" {
		content = strings.TrimSpace(strings.ToValidUTF8(t.Content(), ""))
	}
	return &task.Subtask{
		ID:       task.SubtaskID(1),
		ParentID: t.ID,
		Content:  content,
		Type:     intent,
		Priority: task.PriorityHigh,
		Status:   task.SubtaskPending,
	}
}

// withVerification splits a long single-ask request into the answer plus a review of it.
func (d *Decomposer) withVerification(t *task.Task, res analysis.Result) []*task.Subtask {
	primary := d.single(t, res)
	review := &task.Subtask{
		ID:        task.SubtaskID(2),
		ParentID:  t.ID,
		Content:   "Review the answer to the request above for factual errors, gaps and unclear points, and correct them.",
		Type:      task.TypeVerification,
		Priority:  task.PriorityMedium,
		DependsOn: []string{primary.ID},
		Status:    task.SubtaskPending,
		Order:     1,
	}
	return []*task.Subtask{primary, review}
}

func (d *Decomposer) typeFor(clause string, intent task.TaskType) task.TaskType {
	decision := d.classifier.Heuristic(clause)
	if decision.Type != task.TypeGeneral {
		return decision.Type
	}
	if intent != "" {
		return intent
	}
	return task.TypeGeneral
}

func priorityFor(index int, t task.TaskType, clause string) task.Priority {
	lower := strings.ToLower(clause)
	if containsAny(lower, criticalWords) {
		return task.PriorityCritical
	}
	if containsAny(lower, lowWords) {
		return task.PriorityLow
	}
	if t == task.TypeVerification || t == task.TypeFactChecking {
		return task.PriorityMedium
	}
	if index == 0 {
		return task.PriorityHigh
	}
	return task.PriorityMedium
}

// dependsOnPrevious is true when the clause is sequenced after, or refers back to,
// the clause before it.
func dependsOnPrevious(clause analysis.Clause, t task.TaskType) bool {
	if clause.Connector != "" {
		return true
	}
	lower := strings.ToLower(clause.Text)
	if containsAny(lower, backRefs) {
		return true
	}
	if t == task.TypeVerification || t == task.TypeFactChecking {
		return containsAny(lower, pronouns)
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		idx += offset
		end := idx + len(word)
		if (idx == 0 || !isWordChar(text[idx-1])) && (end == len(text) || !isWordChar(text[end])) {
			return true
		}
		offset = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}
