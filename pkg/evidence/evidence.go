// Package evidence writes an on-disk record of each orchestrated task: run metadata,
// every progress event, per-stage payloads, per-subtask responses and the final answer.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunRecord captures task-level metadata, written when the task finishes.
type RunRecord struct {
	TaskID        string    `json:"task_id"`
	Mode          string    `json:"mode,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Success       bool      `json:"success"`
	ExecutionPath []string  `json:"execution_path"`
	ModelsUsed    []string  `json:"models_used,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	ContentHash   string    `json:"content_hash,omitempty"`
	Events        int       `json:"events"`
}

// StageRecord captures one completed stage.
type StageRecord struct {
	Name           string          `json:"name"`
	Timestamp      time.Time       `json:"timestamp"`
	DurationMillis int64           `json:"duration_ms"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SubtaskRecord captures the outcome of one subtask.
type SubtaskRecord struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Status    string           `json:"status"`
	Content   string           `json:"content"`
	Chosen    string           `json:"chosen,omitempty"`
	Error     string           `json:"error,omitempty"`
	Responses []ResponseRecord `json:"responses,omitempty"`
}

// ResponseRecord captures one model response. Outputs are stored as blobs.
type ResponseRecord struct {
	ID             string  `json:"id"`
	Model          string  `json:"model"`
	Success        bool    `json:"success"`
	Attempts       int     `json:"attempts"`
	Confidence     float64 `json:"confidence"`
	CostUSD        float64 `json:"cost_usd"`
	OutputRef      string  `json:"output_ref,omitempty"`
	OutputHash     string  `json:"output_hash,omitempty"`
	Error          string  `json:"error,omitempty"`
	DurationMillis int64   `json:"duration_ms"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "subtasks"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	return writeJSON(filepath.Join(w.runDir, "stages", record.Name+".json"), record)
}

// WriteSubtask writes a subtask record to subtasks/<id>.json.
func (w *Writer) WriteSubtask(record SubtaskRecord) error {
	if record.ID == "" {
		return fmt.Errorf("subtask id is required")
	}
	return writeJSON(filepath.Join(w.runDir, "subtasks", record.ID+".json"), record)
}

// WriteFinal writes the synthesized answer to final.json.
func (w *Writer) WriteFinal(value any) error {
	return writeJSON(filepath.Join(w.runDir, "final.json"), value)
}

// AppendEvent appends one JSON line to events.jsonl.
func (w *Writer) AppendEvent(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.runDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteBlob stores content under blobs/<kind>-<sha256>.txt and returns the path
// relative to the run directory with the hex digest. Identical content is written once.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	ref := "blobs/" + sanitizeKind(kind) + "-" + sha + ".txt"
	path := filepath.Join(w.runDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "blob"
	}
	return sb.String()
}

// Hash returns the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
