// Package analysis classifies a raw request by intent and complexity and splits it
// into the clauses the decomposer works from. Analysis never fails a request.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/task"
)

// ErrAnalysisDegraded marks a best-effort classification of unusable input.
var ErrAnalysisDegraded = errors.New("analysis degraded")

// Thresholds for the complexity policy, in characters.
const (
	ComplexLength  = 500
	ModerateLength = 160
)

// Clause is one actionable part of a request.
type Clause struct {
	Text string `json:"text"`
	// Connector is the sequencing word that introduced the clause ("then", "after that").
	Connector string `json:"connector,omitempty"`
}

// Result is the analysis verdict.
type Result struct {
	// Text is the sanitized request the clauses were taken from.
	Text           string          `json:"text"`
	Intent         task.TaskType   `json:"intent"`
	Confidence     float64         `json:"confidence"`
	Complexity     task.Complexity `json:"complexity"`
	Clauses        []Clause        `json:"clauses"`
	Signals        []string        `json:"signals,omitempty"`
	Decision       Decision        `json:"decision"`
	Degraded       bool            `json:"degraded,omitempty"`
	DegradedReason string          `json:"degraded_reason,omitempty"`
}

// NeedsDecomposition reports whether the request should be split into subtasks.
func (r Result) NeedsDecomposition() bool {
	return r.Complexity == task.ComplexityComplex
}

// Err returns ErrAnalysisDegraded when the best-effort path was taken.
func (r Result) Err() error {
	if !r.Degraded {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAnalysisDegraded, r.DegradedReason)
}

// Analyzer runs the analysis stage.
type Analyzer struct {
	classifier *Classifier
	logger     zerolog.Logger
}

// New creates an analyzer. A nil classifier uses the default trigger table.
func New(classifier *Classifier, logger zerolog.Logger) *Analyzer {
	if classifier == nil {
		classifier = NewClassifier(WithClassifierLogger(logger))
	}
	return &Analyzer{classifier: classifier, logger: logger.With().Str("component", "analysis").Logger()}
}

// Classifier returns the classifier shared with the decomposer.
func (a *Analyzer) Classifier() *Classifier {
	return a.classifier
}

// Analyze classifies text. Empty or malformed input yields a degraded SIMPLE result.
func (a *Analyzer) Analyze(ctx context.Context, text string) Result {
	cleaned, reason := sanitize(text)
	if cleaned == "" {
		if reason == "" {
			reason = "empty request"
		}
		a.logger.Warn().Str("reason", reason).Msg("analysis degraded")
		return Result{
			Intent:         task.TypeGeneral,
			Complexity:     task.ComplexitySimple,
			Clauses:        []Clause{{Text: ""}},
			Decision:       Decision{Type: task.TypeGeneral},
			Degraded:       true,
			DegradedReason: reason,
		}
	}

	decision := a.classifier.Classify(ctx, cleaned)
	clauses := SplitClauses(cleaned)
	signals := detectSignals(cleaned)

	complexity := task.ComplexitySimple
	length := utf8.RuneCountInString(cleaned)
	switch {
	case length > ComplexLength:
		complexity = task.ComplexityComplex
		signals = append(signals, "long request")
	case len(clauses) >= 2:
		complexity = task.ComplexityComplex
		signals = append(signals, fmt.Sprintf("%d distinct clauses", len(clauses)))
	case length > ModerateLength || len(signals) > 0:
		complexity = task.ComplexityModerate
	}

	res := Result{
		Text:       cleaned,
		Intent:     decision.Type,
		Confidence: decision.Confidence,
		Complexity: complexity,
		Clauses:    clauses,
		Signals:    signals,
		Decision:   decision,
	}
	if reason != "" {
		res.Degraded = true
		res.DegradedReason = reason
	}
	a.logger.Debug().
		Str("intent", string(res.Intent)).
		Str("complexity", string(res.Complexity)).
		Int("clauses", len(clauses)).
		Msg("request analyzed")
	return res
}

// sanitize trims the text and repairs invalid encodings and control characters.
func sanitize(text string) (string, string) {
	var reason string
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
		reason = "invalid utf-8 removed"
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	if cleaned != text && reason == "" {
		reason = "control characters removed"
	}
	return strings.TrimSpace(cleaned), reason
}

var stepSignals = []string{"step by step", "first", "finally", "in detail", "```"}

func detectSignals(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, s := range stepSignals {
		if s == "```" {
			if strings.Contains(lower, s) {
				out = append(out, "code block")
			}
			continue
		}
		if containsTrigger(lower, s) {
			out = append(out, "step indicator: "+s)
		}
	}
	return out
}

var sequencers = []string{"and then", "after that", "afterwards", "then", "next", "finally"}

// SplitClauses breaks text into actionable clauses. Sentences and questions split
// first; commas, "and" and "then" split only when the next part opens with an action
// or question word. Non-actionable context is attached to the following clause, or to
// the last one when nothing follows.
func SplitClauses(text string) []Clause {
	var segments []Clause
	for _, sentence := range splitSentences(text) {
		segments = append(segments, splitJoins(sentence)...)
	}

	var clauses []Clause
	var pending []string
	for _, seg := range segments {
		if !isActionable(seg.Text) {
			pending = append(pending, seg.Text)
			continue
		}
		if len(pending) > 0 {
			seg.Text = strings.Join(append(pending, seg.Text), " ")
			pending = nil
		}
		clauses = append(clauses, seg)
	}
	if len(pending) > 0 {
		if len(clauses) == 0 {
			return []Clause{{Text: strings.TrimSpace(text)}}
		}
		last := &clauses[len(clauses)-1]
		last.Text = strings.Join(append([]string{last.Text}, pending...), " ")
	}
	return clauses
}

func splitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		sb.WriteRune(r)
		boundary := false
		switch r {
		case '?', '!', ';', '\n':
			boundary = true
		case '.':
			// Only a period followed by whitespace ends a sentence; "e.g." and "v1.2" do not.
			boundary = i+1 < len(runes) && unicode.IsSpace(runes[i+1]) && !abbreviationBefore(runes[:i])
		}
		if boundary {
			if s := strings.TrimSpace(sb.String()); s != "" {
				out = append(out, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func abbreviationBefore(prefix []rune) bool {
	start := len(prefix)
	for start > 0 && !unicode.IsSpace(prefix[start-1]) {
		start--
	}
	word := strings.ToLower(string(prefix[start:]))
	switch word {
	case "e.g", "i.e", "etc", "vs", "mr", "dr", "ms":
		return true
	}
	return false
}

func splitJoins(sentence string) []Clause {
	var out []Clause
	for _, piece := range strings.Split(sentence, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		parts := splitOnWord(piece)
		for i, c := range parts {
			if len(out) > 0 && !isActionable(c.Text) && c.Connector == "" {
				text := c.Text
				if i == 0 && len(parts) == 1 {
					text = piece
				}
				prev := &out[len(out)-1]
				prev.Text = prev.Text + ", " + text
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// splitOnWord splits "explain X and write Y" style joins.
func splitOnWord(piece string) []Clause {
	text, connector := stripConnector(piece)
	clauses := []Clause{{Text: text, Connector: connector}}

	for {
		last := &clauses[len(clauses)-1]
		lower := lowerASCII(last.Text)
		cut := -1
		var joiner string
		for _, j := range []string{" and then ", " then ", " and "} {
			idx := 0
			for {
				found := strings.Index(lower[idx:], j)
				if found < 0 {
					break
				}
				pos := idx + found
				if isActionable(lower[pos+len(j):]) {
					if cut < 0 || pos < cut {
						cut, joiner = pos, j
					}
					break
				}
				idx = pos + 1
			}
		}
		if cut < 0 {
			return clauses
		}
		rest := strings.TrimSpace(last.Text[cut+len(joiner):])
		last.Text = strings.TrimSpace(last.Text[:cut])
		conn := strings.TrimSpace(joiner)
		if conn == "and" {
			conn = ""
		}
		clauses = append(clauses, Clause{Text: rest, Connector: conn})
	}
}

func stripConnector(piece string) (string, string) {
	lower := lowerASCII(piece)
	if strings.HasPrefix(lower, "and ") {
		piece = strings.TrimSpace(piece[4:])
		lower = lowerASCII(piece)
	}
	for _, s := range sequencers {
		if strings.HasPrefix(lower, s+" ") {
			return strings.TrimSpace(piece[len(s)+1:]), s
		}
	}
	return piece, ""
}
