package task

import "time"

// BreakerState is the circuit-breaker state of one model.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a snapshot of a model's circuit breaker.
type Breaker struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// ModelDescriptor describes one registered model: what it can do, what it costs
// and how healthy it currently is.
type ModelDescriptor struct {
	ID                 string        `json:"id"`
	Provider           string        `json:"provider"`
	Capabilities       []TaskType    `json:"capabilities"`
	CostPerInputToken  float64       `json:"cost_per_input_token"`
	CostPerOutputToken float64       `json:"cost_per_output_token"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MaxContext         int           `json:"max_context"`
	Reliability        float64       `json:"reliability"`
	Breaker            Breaker       `json:"breaker"`
}

// Supports reports whether the model advertises the task type.
func (d ModelDescriptor) Supports(t TaskType) bool {
	for _, c := range d.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// CostFor prices a call with the given token counts.
func (d ModelDescriptor) CostFor(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*d.CostPerInputToken + float64(outputTokens)*d.CostPerOutputToken
}

// RoutingAssignment binds a subtask to the model chosen for it.
type RoutingAssignment struct {
	SubtaskID        string          `json:"subtask_id"`
	Model            ModelDescriptor `json:"model"`
	Reason           string          `json:"reason"`
	EstimatedCost    float64         `json:"estimated_cost"`
	EstimatedLatency time.Duration   `json:"estimated_latency"`
	Degraded         bool            `json:"degraded,omitempty"`
}
