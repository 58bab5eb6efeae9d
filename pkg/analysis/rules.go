package analysis

import (
	"strings"

	"github.com/zen-systems/concord/pkg/task"
)

// DefaultTriggers maps each task type to the phrases that suggest it.
func DefaultTriggers() map[task.TaskType][]string {
	return map[task.TaskType][]string{
		task.TypeReasoning: {
			"explain", "why", "how does", "how do", "reason", "analyze", "analyse",
			"logic", "prove", "derive", "calculate", "think through", "step by step", "tradeoffs",
		},
		task.TypeResearch: {
			"research", "find", "look up", "what is", "who is", "compare", "sources",
			"history of", "latest", "survey", "real-world", "applications", "use cases",
		},
		task.TypeCodeGeneration: {
			"code", "implement", "write a function", "function", "script", "program",
			"python", "golang", "go code", "javascript", "typescript", "rust", "sql",
			"snippet", "class", "api", "scaffold", "boilerplate", "refactor",
		},
		task.TypeCreative: {
			"story", "poem", "creative", "imagine", "brainstorm", "slogan", "suggest",
			"ideas", "tagline", "lyrics",
		},
		task.TypeVerification: {
			"verify", "validate", "review", "audit", "confirm", "double-check", "sanity check",
		},
		task.TypeDebugging: {
			"debug", "fix", "error", "bug", "failing", "stack trace", "crash", "exception", "panic",
		},
		task.TypeFactChecking: {
			"fact check", "fact-check", "is it true", "accurate", "accuracy", "citation", "true that",
		},
		task.TypeSummarization: {
			"summarize", "summarise", "summary", "tldr", "key points", "condense", "recap",
		},
	}
}

// actionWords open an actionable clause: an imperative verb or a question word.
var actionWords = map[string]bool{
	"explain": true, "write": true, "suggest": true, "list": true, "compare": true,
	"debug": true, "fix": true, "verify": true, "summarize": true, "summarise": true,
	"research": true, "describe": true, "find": true, "create": true, "implement": true,
	"build": true, "give": true, "provide": true, "show": true, "generate": true,
	"analyze": true, "analyse": true, "check": true, "review": true, "translate": true,
	"draft": true, "outline": true, "design": true, "calculate": true, "prove": true,
	"test": true, "refactor": true, "recommend": true, "identify": true, "evaluate": true,
	"propose": true, "make": true, "tell": true, "validate": true, "brainstorm": true,
	"what": true, "why": true, "how": true, "who": true, "when": true, "where": true,
	"which": true, "can": true, "could": true, "would": true, "should": true,
	"is": true, "are": true, "does": true, "do": true,
}

// isActionable reports whether the clause opens with an action or question word.
func isActionable(clause string) bool {
	word := firstWord(clause)
	return actionWords[word]
}

func firstWord(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	end := 0
	for end < len(s) && isWordChar(s[end]) {
		end++
	}
	return s[:end]
}

// containsTrigger checks if the text contains the trigger as a whole word or phrase.
func containsTrigger(text, trigger string) bool {
	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], trigger)
		if idx == -1 {
			return false
		}
		idx += offset
		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(text[idx-1])
		after := endIdx >= len(text) || !isWordChar(text[endIdx])
		if before && after {
			return true
		}
		offset = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// lowerASCII folds only A-Z so byte offsets into the result stay valid in s.
// Every connector and trigger matched against it is ASCII.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
