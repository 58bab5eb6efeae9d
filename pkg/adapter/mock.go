package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/concord/pkg/task"
)

// Mock is a deterministic, scriptable model for local runs and tests.
type Mock struct {
	desc task.ModelDescriptor

	mu              sync.Mutex
	responses       map[string]string
	defaultResponse string
	confidence      float64
	latency         time.Duration
	outputTokens    int
	failNext        int
	failAlways      bool
	failErr         error
	calls           int
	prompts         []string
}

// NewMock creates a mock model for the descriptor.
func NewMock(desc task.ModelDescriptor) *Mock {
	if desc.Provider == "" {
		desc.Provider = ProviderMock
	}
	return &Mock{
		desc:      desc,
		responses: make(map[string]string),
	}
}

// WithResponse returns content for prompts containing the key. Keys found in the
// prompt's first line win over keys found only in the rest of it.
func (m *Mock) WithResponse(key, content string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = content
	return m
}

// WithDefault sets the response used when no scripted key matches.
func (m *Mock) WithDefault(content string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResponse = content
	return m
}

// WithConfidence fixes the reported confidence instead of estimating it.
func (m *Mock) WithConfidence(c float64) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confidence = c
	return m
}

// WithLatency delays every call, honoring context cancellation.
func (m *Mock) WithLatency(d time.Duration) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
	return m
}

// WithOutputTokens fixes the reported completion tokens.
func (m *Mock) WithOutputTokens(n int) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputTokens = n
	return m
}

// FailNext makes the next n calls return err.
func (m *Mock) FailNext(n int, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
	return m
}

// FailAlways makes every call return err.
func (m *Mock) FailAlways(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = true
	m.failErr = err
	return m
}

// Recover clears any scripted failures.
func (m *Mock) Recover() *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = false
	m.failNext = 0
	return m
}

// Calls returns the number of Generate calls made so far.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns a copy of every prompt received.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Describe returns the mock's descriptor.
func (m *Mock) Describe() task.ModelDescriptor {
	return m.desc
}

// Generate returns a deterministic response for the prompt.
func (m *Mock) Generate(ctx context.Context, prompt string, _ Constraints) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.prompts = append(m.prompts, prompt)
	latency := m.latency
	var failErr error
	if m.failAlways || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		failErr = m.failErr
		if failErr == nil {
			failErr = &AdapterError{Status: 503, Err: fmt.Errorf("%s unavailable", m.desc.ID)}
		}
	}
	content := m.contentFor(prompt)
	confidence := m.confidence
	outputTokens := m.outputTokens
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	if confidence <= 0 {
		confidence = EstimateConfidence(content, m.desc.Reliability)
	}
	if outputTokens <= 0 {
		outputTokens = tokensFor(content)
	}
	return &Response{
		Content:    content,
		Usage:      task.Usage{InputTokens: tokensFor(prompt), OutputTokens: outputTokens},
		Confidence: confidence,
	}, nil
}

func (m *Mock) contentFor(prompt string) string {
	for _, scope := range []string{firstLine(prompt), prompt} {
		best := ""
		for key := range m.responses {
			if strings.Contains(scope, key) && len(key) > len(best) {
				best = key
			}
		}
		if best != "" {
			return m.responses[best]
		}
	}
	if m.defaultResponse != "" {
		return m.defaultResponse
	}
	return fmt.Sprintf("[%s] %s", m.desc.ID, firstLine(prompt))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// tokensFor approximates tokens at four characters each.
func tokensFor(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}
