package task

import "time"

// Usage is normalized token usage for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// AgentResponse is the raw outcome of running one subtask on one model.
type AgentResponse struct {
	ID         string        `json:"id"`
	SubtaskID  string        `json:"subtask_id"`
	ModelID    string        `json:"model_id"`
	Provider   string        `json:"provider"`
	Content    string        `json:"content,omitempty"`
	Success    bool          `json:"success"`
	Confidence float64       `json:"confidence"`
	Usage      Usage         `json:"usage"`
	Cost       float64       `json:"cost"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	Fallback   bool          `json:"fallback,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ArbitrationDecision records how competing responses for one subtask were resolved.
type ArbitrationDecision struct {
	SubtaskID    string   `json:"subtask_id"`
	CandidateIDs []string `json:"candidate_ids"`
	ChosenID     string   `json:"chosen_id"`
	Conflict     bool     `json:"conflict"`
	Similarity   float64  `json:"similarity"`
	UsedJudge    bool     `json:"used_judge,omitempty"`
	Reasoning    string   `json:"reasoning"`
	Confidence   float64  `json:"confidence"`
}

// SubtaskResult is the per-subtask outcome after execution and arbitration.
type SubtaskResult struct {
	Subtask   Subtask              `json:"subtask"`
	Status    SubtaskStatus        `json:"status"`
	Chosen    *AgentResponse       `json:"chosen,omitempty"`
	Responses []AgentResponse      `json:"responses,omitempty"`
	Decision  *ArbitrationDecision `json:"decision,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
	Error     string               `json:"error,omitempty"`
	Started   time.Time            `json:"started,omitempty"`
	Finished  time.Time            `json:"finished,omitempty"`
}

// Succeeded reports whether the subtask produced a usable answer.
func (r SubtaskResult) Succeeded() bool {
	return r.Status == SubtaskCompleted && r.Chosen != nil
}

// Cost sums every attempted response, including arbitration losers.
func (r SubtaskResult) Cost() float64 {
	var total float64
	for _, resp := range r.Responses {
		total += resp.Cost
	}
	return total
}

// CostBreakdown reports spend in total, per model and per subtask.
type CostBreakdown struct {
	Currency  string             `json:"currency"`
	Total     float64            `json:"total"`
	ByModel   map[string]float64 `json:"by_model"`
	BySubtask map[string]float64 `json:"by_subtask"`
}

// FinalResponse is the synthesized answer returned to the caller.
type FinalResponse struct {
	TaskID             string                `json:"task_id"`
	Success            bool                  `json:"success"`
	Content            string                `json:"content"`
	Confidence         float64               `json:"confidence"`
	Cost               CostBreakdown         `json:"cost"`
	WallTime           time.Duration         `json:"wall_time"`
	SerialTime         time.Duration         `json:"serial_time"`
	ParallelEfficiency float64               `json:"parallel_efficiency"`
	ModelsUsed         []string              `json:"models_used"`
	ExecutionPath      []string              `json:"execution_path"`
	Subtasks           []SubtaskResult       `json:"subtasks"`
	Decisions          []ArbitrationDecision `json:"decisions,omitempty"`
	Failed             []string              `json:"failed,omitempty"`
	Metadata           map[string]string     `json:"metadata,omitempty"`
}

// Estimate is a dry-run projection of cost and time.
type Estimate struct {
	Mode        ExecutionMode       `json:"mode"`
	Complexity  Complexity          `json:"complexity"`
	Cost        float64             `json:"cost"`
	Time        time.Duration       `json:"time"`
	Subtasks    []Subtask           `json:"subtasks"`
	Assignments []RoutingAssignment `json:"assignments"`
}
