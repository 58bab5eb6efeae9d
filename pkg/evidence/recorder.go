package evidence

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/concord/pkg/pipeline"
	"github.com/zen-systems/concord/pkg/task"
)

// Recorder is a pipeline observer that writes one evidence bundle per task under
// baseDir/<task id>. Write failures are logged and kept for Err; they never fail
// the task.
type Recorder struct {
	baseDir string
	logger  zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
	dirs map[string]string
	errs []error
}

type run struct {
	w       *Writer
	started time.Time
	last    time.Time
	events  int
}

// NewRecorder creates a recorder rooted at baseDir.
func NewRecorder(baseDir string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "evidence").Logger(),
		runs:    make(map[string]*run),
		dirs:    make(map[string]string),
	}
}

// RunDir returns the bundle directory of a task, or "" if nothing was recorded.
func (r *Recorder) RunDir(taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirs[taskID]
}

// Err returns every write failure so far.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// OnEvent records the event.
func (r *Recorder) OnEvent(e pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, ok := r.runs[e.TaskID]
	if !ok {
		w, err := NewWriter(r.baseDir, e.TaskID)
		if err != nil {
			r.fail(e, err)
			return
		}
		rn = &run{w: w, started: e.Timestamp, last: e.Timestamp}
		r.runs[e.TaskID] = rn
		r.dirs[e.TaskID] = w.RunDir()
	}
	rn.events++
	r.check(e, rn.w.AppendEvent(e))

	switch e.Type {
	case pipeline.EventCompleted:
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			r.fail(e, err)
			break
		}
		r.check(e, rn.w.WriteStage(StageRecord{
			Name:           e.Stage,
			Timestamp:      e.Timestamp,
			DurationMillis: e.Timestamp.Sub(rn.last).Milliseconds(),
			Payload:        payload,
		}))
	case pipeline.EventSubtaskCompleted:
		if res, ok := e.Payload.(task.SubtaskResult); ok {
			r.check(e, rn.w.WriteSubtask(r.subtaskRecord(rn.w, res)))
		}
	case pipeline.EventFinal:
		if final, ok := e.Payload.(task.FinalResponse); ok {
			r.check(e, rn.w.WriteFinal(final))
			r.check(e, rn.w.WriteRun(RunRecord{
				TaskID:        e.TaskID,
				Mode:          final.Metadata["mode"],
				StartedAt:     rn.started,
				FinishedAt:    e.Timestamp,
				Success:       final.Success,
				ExecutionPath: final.ExecutionPath,
				ModelsUsed:    final.ModelsUsed,
				CostUSD:       final.Cost.Total,
				ContentHash:   Hash(final.Content),
				Events:        rn.events,
			}))
		}
		delete(r.runs, e.TaskID)
		return
	}
	rn.last = e.Timestamp
}

func (r *Recorder) subtaskRecord(w *Writer, res task.SubtaskResult) SubtaskRecord {
	rec := SubtaskRecord{
		ID:      res.Subtask.ID,
		Type:    string(res.Subtask.Type),
		Status:  string(res.Status),
		Content: res.Subtask.Content,
		Error:   res.Error,
	}
	if res.Chosen != nil {
		rec.Chosen = res.Chosen.ID
	}
	for _, resp := range res.Responses {
		rr := ResponseRecord{
			ID:             resp.ID,
			Model:          resp.ModelID,
			Success:        resp.Success,
			Attempts:       resp.Attempts,
			Confidence:     resp.Confidence,
			CostUSD:        resp.Cost,
			Error:          resp.Error,
			DurationMillis: resp.Latency.Milliseconds(),
		}
		if resp.Content != "" {
			ref, sha, err := w.WriteBlob("output", []byte(resp.Content))
			if err != nil {
				r.errs = append(r.errs, err)
			} else {
				rr.OutputRef, rr.OutputHash = ref, sha
			}
		}
		rec.Responses = append(rec.Responses, rr)
	}
	return rec
}

func (r *Recorder) check(e pipeline.Event, err error) {
	if err != nil {
		r.fail(e, err)
	}
}

func (r *Recorder) fail(e pipeline.Event, err error) {
	r.errs = append(r.errs, err)
	r.logger.Error().Err(err).Str("task_id", e.TaskID).Str("stage", e.Stage).Msg("write evidence")
}
