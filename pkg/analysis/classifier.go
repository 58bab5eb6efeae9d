package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/task"
)

// Candidate is a task type scored by trigger matches.
type Candidate struct {
	Type     task.TaskType `json:"type"`
	Score    int           `json:"score"`
	Triggers []string      `json:"triggers,omitempty"`
}

// Decision is the classifier verdict for a piece of text.
type Decision struct {
	Type       task.TaskType `json:"type"`
	Confidence float64       `json:"confidence"`
	Reasons    []string      `json:"reasons,omitempty"`
	Candidates []Candidate   `json:"candidates,omitempty"`
	UsedLLM    bool          `json:"used_llm"`
}

// Classifier maps text to a task type. The keyword heuristic always runs; a model
// tie-breaker is consulted only when the heuristic is unsure between candidates.
type Classifier struct {
	triggers   map[task.TaskType][]string
	tieBreaker adapter.Adapter
	threshold  float64
	logger     zerolog.Logger
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithTriggers replaces the trigger table.
func WithTriggers(t map[task.TaskType][]string) ClassifierOption {
	return func(c *Classifier) {
		c.triggers = t
	}
}

// WithTieBreaker enables model tie-breaking below the confidence threshold.
func WithTieBreaker(a adapter.Adapter, threshold float64) ClassifierOption {
	return func(c *Classifier) {
		c.tieBreaker = a
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

// WithClassifierLogger sets the logger.
func WithClassifierLogger(l zerolog.Logger) ClassifierOption {
	return func(c *Classifier) {
		c.logger = l
	}
}

// NewClassifier creates a classifier with the default trigger table.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		triggers:  DefaultTriggers(),
		threshold: 0.65,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify never fails: tie-breaker problems are logged and the heuristic verdict stands.
func (c *Classifier) Classify(ctx context.Context, text string) Decision {
	decision := c.Heuristic(text)
	if c.tieBreaker == nil || decision.Confidence >= c.threshold || len(decision.Candidates) <= 1 {
		return decision
	}

	model := c.tieBreaker.Describe().ID
	resp, err := c.tieBreaker.Generate(ctx, buildClassifierPrompt(text, decision.Candidates), adapter.Constraints{MaxTokens: 200})
	if err != nil {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("classifier error: %v", err))
		c.logger.Debug().Err(err).Str("model", model).Msg("tie-breaker failed; keeping heuristic")
		return decision
	}

	picked, err := parseClassifierResponse(resp.Content)
	if err == nil && !hasCandidate(picked.Type, decision.Candidates) {
		err = fmt.Errorf("task type %q not in candidates", picked.Type)
	}
	if err == nil && (picked.Confidence < 0 || picked.Confidence > 1) {
		err = fmt.Errorf("confidence out of range")
	}
	if err != nil {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("classifier response invalid: %v", err))
		c.logger.Debug().Err(err).Str("model", model).Msg("tie-breaker response rejected")
		return decision
	}

	decision.Type = picked.Type
	decision.Confidence = picked.Confidence
	decision.UsedLLM = true
	if picked.Reason != "" {
		decision.Reasons = append(decision.Reasons, picked.Reason)
	}
	return decision
}

// Heuristic scores task types by trigger matches. Text with no matches is general.
func (c *Classifier) Heuristic(text string) Decision {
	lower := strings.ToLower(text)

	var candidates []Candidate
	for taskType, triggers := range c.triggers {
		var matched []string
		for _, trig := range triggers {
			if containsTrigger(lower, strings.ToLower(trig)) {
				matched = append(matched, trig)
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Type: taskType, Score: len(matched), Triggers: matched})
	}

	if len(candidates) == 0 {
		return Decision{
			Type:       task.TypeGeneral,
			Confidence: 0,
			Reasons:    []string{"no triggers matched; using general"},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Type < candidates[j].Type
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	top := candidates[0].Score
	second := 0
	if len(candidates) > 1 {
		second = candidates[1].Score
	}

	margin := float64(top-second) / float64(max(top, 1))
	strength := float64(min(top, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if top >= 2 && second == 0 {
		confidence = max(confidence, 0.9)
	}
	if top >= 3 {
		confidence = min(confidence+0.15, 1.0)
	}

	return Decision{
		Type:       candidates[0].Type,
		Confidence: confidence,
		Reasons:    []string{fmt.Sprintf("top_score=%d second_score=%d", top, second)},
		Candidates: candidates,
	}
}

type classifierPick struct {
	Type       task.TaskType `json:"task_type"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
}

func parseClassifierResponse(content string) (*classifierPick, error) {
	content = extractJSON(content)

	var pick classifierPick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return nil, err
	}
	if pick.Type == "" {
		return nil, fmt.Errorf("missing task_type")
	}
	return &pick, nil
}

// extractJSON strips code fences and surrounding prose from a model's JSON answer.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

func hasCandidate(t task.TaskType, candidates []Candidate) bool {
	for _, c := range candidates {
		if c.Type == t {
			return true
		}
	}
	return false
}

func buildClassifierPrompt(userPrompt string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a routing classifier. Choose the best task_type.\n")
	sb.WriteString("Return ONLY JSON: {\"task_type\":\"...\",\"confidence\":0-1,\"reason\":\"...\"}.\n\n")
	sb.WriteString("User prompt:\n")
	sb.WriteString(userPrompt)
	sb.WriteString("\n\nCandidates:\n")
	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (score=%d)\n", c.Type, c.Score))
		if len(c.Triggers) > 0 {
			sb.WriteString(fmt.Sprintf("  triggers: %s\n", strings.Join(c.Triggers, ", ")))
		}
	}
	return sb.String()
}
