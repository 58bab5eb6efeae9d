package config

import (
	"fmt"
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// ModelSpec is one catalog entry. Prices are USD per 1k tokens.
type ModelSpec struct {
	ID              string   `mapstructure:"id" yaml:"id"`
	Provider        string   `mapstructure:"provider" yaml:"provider"`
	Capabilities    []string `mapstructure:"capabilities" yaml:"capabilities"`
	PromptPer1K     float64  `mapstructure:"prompt_per_1k" yaml:"prompt_per_1k"`
	CompletionPer1K float64  `mapstructure:"completion_per_1k" yaml:"completion_per_1k"`
	LatencyMS       int      `mapstructure:"latency_ms" yaml:"latency_ms"`
	MaxContext      int      `mapstructure:"max_context" yaml:"max_context"`
	Reliability     float64  `mapstructure:"reliability" yaml:"reliability"`
}

// Descriptor converts the catalog entry into a registry descriptor.
func (m ModelSpec) Descriptor() (task.ModelDescriptor, error) {
	if m.ID == "" {
		return task.ModelDescriptor{}, fmt.Errorf("model without id")
	}
	caps := make([]task.TaskType, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		tt, ok := task.ParseTaskType(c)
		if !ok {
			return task.ModelDescriptor{}, fmt.Errorf("model %s: unknown capability %q", m.ID, c)
		}
		caps = append(caps, tt)
	}
	if len(caps) == 0 {
		return task.ModelDescriptor{}, fmt.Errorf("model %s declares no capabilities", m.ID)
	}
	return task.ModelDescriptor{
		ID:                 m.ID,
		Provider:           m.Provider,
		Capabilities:       caps,
		CostPerInputToken:  m.PromptPer1K / 1000,
		CostPerOutputToken: m.CompletionPer1K / 1000,
		AvgLatency:         time.Duration(m.LatencyMS) * time.Millisecond,
		MaxContext:         m.MaxContext,
		Reliability:        m.Reliability,
	}, nil
}

var (
	allCapabilities = []string{
		"reasoning", "research", "code_generation", "creative_output", "verification",
		"debugging", "fact_checking", "summarization", "general",
	}
	analyticCapabilities = []string{
		"reasoning", "research", "verification", "fact_checking", "summarization", "general",
	}
	codeCapabilities = []string{
		"reasoning", "code_generation", "debugging", "verification", "general",
	}
)

// DefaultModels is the built-in catalog. Prices follow the providers' public list
// prices at the time of writing.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{
			ID: "gemini-2.0-flash", Provider: "google", Capabilities: allCapabilities,
			PromptPer1K: 0.0001, CompletionPer1K: 0.0004, LatencyMS: 600, MaxContext: 1_000_000, Reliability: 0.78,
		},
		{
			ID: "gpt-4o-mini", Provider: "openai", Capabilities: allCapabilities,
			PromptPer1K: 0.00015, CompletionPer1K: 0.0006, LatencyMS: 800, MaxContext: 128_000, Reliability: 0.84,
		},
		{
			ID: "deepseek-chat", Provider: "deepseek", Capabilities: codeCapabilities,
			PromptPer1K: 0.00027, CompletionPer1K: 0.0011, LatencyMS: 1500, MaxContext: 64_000, Reliability: 0.82,
		},
		{
			ID: "claude-3-5-haiku-latest", Provider: "anthropic", Capabilities: allCapabilities,
			PromptPer1K: 0.0008, CompletionPer1K: 0.004, LatencyMS: 900, MaxContext: 200_000, Reliability: 0.88,
		},
		{
			ID: "gpt-4o", Provider: "openai", Capabilities: allCapabilities,
			PromptPer1K: 0.0025, CompletionPer1K: 0.01, LatencyMS: 2500, MaxContext: 128_000, Reliability: 0.93,
		},
		{
			ID: "gemini-2.5-pro", Provider: "google", Capabilities: analyticCapabilities,
			PromptPer1K: 0.00125, CompletionPer1K: 0.01, LatencyMS: 3500, MaxContext: 1_000_000, Reliability: 0.94,
		},
		{
			ID: "claude-sonnet-4-20250514", Provider: "anthropic", Capabilities: allCapabilities,
			PromptPer1K: 0.003, CompletionPer1K: 0.015, LatencyMS: 3000, MaxContext: 200_000, Reliability: 0.96,
		},
	}
}

// Descriptors converts every catalog entry.
func Descriptors(models []ModelSpec) ([]task.ModelDescriptor, error) {
	out := make([]task.ModelDescriptor, 0, len(models))
	for _, m := range models {
		d, err := m.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// PinMap parses routing pins, resolving aliases. Unknown task types are errors.
func PinMap(pins map[string]string, aliases *ModelAliases) (map[task.TaskType]string, error) {
	if len(pins) == 0 {
		return nil, nil
	}
	out := make(map[task.TaskType]string, len(pins))
	for k, v := range pins {
		tt, ok := task.ParseTaskType(k)
		if !ok {
			return nil, fmt.Errorf("pin: unknown task type %q", k)
		}
		out[tt] = aliases.Resolve(v)
	}
	return out, nil
}
