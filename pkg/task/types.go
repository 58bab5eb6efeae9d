// Package task defines the orchestration data model shared by every pipeline stage:
// requests, tasks, subtasks, model descriptors, responses and the final answer.
package task

import (
	"fmt"
	"strings"
)

// ExecutionMode governs the cost/latency/quality tradeoff used when selecting models.
type ExecutionMode string

const (
	ModeFast        ExecutionMode = "fast"
	ModeBalanced    ExecutionMode = "balanced"
	ModeBestQuality ExecutionMode = "best_quality"
)

// Modes lists the execution modes from cheapest to most thorough.
var Modes = []ExecutionMode{ModeFast, ModeBalanced, ModeBestQuality}

// ParseMode accepts "fast", "BALANCED", "best-quality" and similar spellings.
func ParseMode(s string) (ExecutionMode, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch ExecutionMode(normalized) {
	case ModeFast, ModeBalanced, ModeBestQuality:
		return ExecutionMode(normalized), nil
	case "":
		return ModeBalanced, nil
	case "quality", "best":
		return ModeBestQuality, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Valid reports whether m is one of the known modes.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeFast, ModeBalanced, ModeBestQuality:
		return true
	}
	return false
}

// TaskType is the kind of work a subtask asks for. Models advertise the types they handle.
type TaskType string

const (
	TypeReasoning      TaskType = "reasoning"
	TypeResearch       TaskType = "research"
	TypeCodeGeneration TaskType = "code_generation"
	TypeCreative       TaskType = "creative_output"
	TypeVerification   TaskType = "verification"
	TypeDebugging      TaskType = "debugging"
	TypeFactChecking   TaskType = "fact_checking"
	TypeSummarization  TaskType = "summarization"
	TypeGeneral        TaskType = "general"
)

// AllTaskTypes lists every task type in a stable order.
var AllTaskTypes = []TaskType{
	TypeReasoning,
	TypeResearch,
	TypeCodeGeneration,
	TypeCreative,
	TypeVerification,
	TypeDebugging,
	TypeFactChecking,
	TypeSummarization,
	TypeGeneral,
}

// ParseTaskType maps a string to a TaskType, returning false for unknown names.
func ParseTaskType(s string) (TaskType, bool) {
	normalized := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range AllTaskTypes {
		if t == normalized {
			return t, true
		}
	}
	return "", false
}

// Priority orders subtasks during synthesis and weights their confidence.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Weight is the numeric weight used in the confidence average.
func (p Priority) Weight() float64 {
	if p < PriorityLow {
		return float64(PriorityLow)
	}
	return float64(p)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*p = PriorityLow
	case "medium":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", string(b))
	}
	return nil
}

// Complexity is the analysis verdict on how much work a request needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)
