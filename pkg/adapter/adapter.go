// Package adapter defines the uniform model capability the engine calls and the
// provider clients (Anthropic, OpenAI, Google, DeepSeek) that back it.
package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/zen-systems/concord/pkg/task"
)

// Adapter is one callable model. The engine is provider-agnostic beyond this interface.
type Adapter interface {
	// Generate runs the prompt and returns the model output with usage and confidence.
	Generate(ctx context.Context, prompt string, c Constraints) (*Response, error)

	// Describe returns the static descriptor the model was registered with.
	Describe() task.ModelDescriptor
}

// Provider is a vendor client able to serve many models.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete sends a single-turn prompt to the named model.
	Complete(ctx context.Context, model, prompt string, maxTokens int) (*Completion, error)
}

// Constraints shape a single Generate call.
type Constraints struct {
	MaxTokens int
	Mode      task.ExecutionMode
	Type      task.TaskType
}

// Completion is the raw provider output.
type Completion struct {
	Content string
	Usage   task.Usage
}

// Response is the model output as seen by the engine.
type Response struct {
	Content    string
	Usage      task.Usage
	Confidence float64
}

const defaultMaxTokens = 4096

// Bind ties a provider to one model descriptor.
func Bind(p Provider, desc task.ModelDescriptor) Adapter {
	if desc.Provider == "" {
		desc.Provider = p.Name()
	}
	return &boundAdapter{provider: p, desc: desc}
}

type boundAdapter struct {
	provider Provider
	desc     task.ModelDescriptor
}

func (b *boundAdapter) Describe() task.ModelDescriptor {
	return b.desc
}

func (b *boundAdapter) Generate(ctx context.Context, prompt string, c Constraints) (*Response, error) {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	out, err := b.provider.Complete(ctx, b.desc.ID, prompt, maxTokens)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, &AdapterError{Temporary: true, Err: fmt.Errorf("%s returned empty content", b.desc.ID)}
	}
	return &Response{
		Content:    out.Content,
		Usage:      out.Usage,
		Confidence: EstimateConfidence(out.Content, b.desc.Reliability),
	}, nil
}

var hedges = []string{
	"i'm not sure",
	"i am not sure",
	"i don't know",
	"i do not know",
	"unclear",
	"i cannot",
	"i can't",
	"it is possible that",
	"might be",
	"may not be accurate",
}

// EstimateConfidence derives a 0-1 confidence from the model's reliability and
// hedging language in its answer.
func EstimateConfidence(content string, reliability float64) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}
	conf := 0.5 + 0.4*clamp01(reliability)
	lower := strings.ToLower(trimmed)
	penalty := 0.0
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			penalty += 0.1
		}
	}
	if penalty > 0.3 {
		penalty = 0.3
	}
	conf -= penalty
	if len(trimmed) < 20 {
		conf -= 0.1
	}
	return clamp01(conf)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewProvider constructs a provider client by name.
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case ProviderAnthropic:
		return NewAnthropicProvider(apiKey)
	case ProviderOpenAI:
		return NewOpenAIProvider(apiKey)
	case ProviderGoogle:
		return NewGoogleProvider(apiKey)
	case ProviderDeepSeek:
		return NewDeepSeekProvider(apiKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderDeepSeek  = "deepseek"
	ProviderMock      = "mock"
)
