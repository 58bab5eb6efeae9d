package evidence

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/concord/pkg/pipeline"
	"github.com/zen-systems/concord/pkg/task"
)

func TestEvidenceWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "run-123")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := writer.WriteRun(RunRecord{TaskID: "run-123", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("write run: %v", err)
	}
	if err := writer.WriteStage(StageRecord{Name: "routing", Payload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("write stage: %v", err)
	}
	if err := writer.WriteSubtask(SubtaskRecord{ID: "st-1", Status: "completed"}); err != nil {
		t.Fatalf("write subtask: %v", err)
	}
	if err := writer.WriteStage(StageRecord{}); err == nil {
		t.Fatal("expected error for unnamed stage")
	}

	for _, rel := range []string{"run.json", "stages/routing.json", "subtasks/st-1.json"} {
		if _, err := os.Stat(filepath.Join(writer.RunDir(), filepath.FromSlash(rel))); err != nil {
			t.Fatalf("missing %s: %v", rel, err)
		}
	}

	if runtime.GOOS != "windows" {
		assertPerm(t, writer.RunDir(), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "stages"), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "subtasks"), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "blobs"), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "run.json"), 0600)
		assertPerm(t, filepath.Join(writer.RunDir(), "stages", "routing.json"), 0600)
	}
}

func TestNewWriterRequiresArguments(t *testing.T) {
	if _, err := NewWriter("", "run"); err == nil {
		t.Fatal("expected error without base dir")
	}
	if _, err := NewWriter(t.TempDir(), ""); err == nil {
		t.Fatal("expected error without run id")
	}
}

func TestWriteBlob(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), "run1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	content := []byte("hello")
	sum := sha256.Sum256(content)
	expectedSha := hex.EncodeToString(sum[:])

	ref, sha, err := writer.WriteBlob("output", content)
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if sha != expectedSha {
		t.Fatalf("sha mismatch: %s", sha)
	}

	blobPath := filepath.Join(writer.RunDir(), ref)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("content mismatch: %q", string(data))
	}
	if runtime.GOOS != "windows" {
		assertPerm(t, blobPath, 0600)
	}

	ref2, sha2, err := writer.WriteBlob("output", content)
	if err != nil {
		t.Fatalf("write blob again: %v", err)
	}
	if ref2 != ref || sha2 != sha {
		t.Fatalf("expected same ref and sha")
	}
}

func TestWriteBlobKindSanitization(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), "run2")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, _, err := writer.WriteBlob("Output 123/../", []byte("x"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/output123-") {
		t.Fatalf("unexpected ref: %s", ref)
	}
	if strings.Count(ref, "/") != 1 {
		t.Fatalf("unexpected path separators in ref: %s", ref)
	}

	ref, _, err = writer.WriteBlob("!!!", []byte("y"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/blob-") {
		t.Fatalf("expected blob kind fallback in ref: %s", ref)
	}
}

func TestRecorderWritesBundle(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, zerolog.Nop())
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	resp := task.AgentResponse{ID: "r1", SubtaskID: "st-1", ModelID: "mock-a", Content: "forty-two", Success: true, Attempts: 1, Cost: 0.01}
	events := []pipeline.Event{
		{Stage: pipeline.StageAnalysis, Type: pipeline.EventCompleted, TaskID: "task-1", Timestamp: start, Payload: map[string]string{"intent": "reasoning"}},
		{Stage: pipeline.StageRouting, Type: pipeline.EventCompleted, TaskID: "task-1", Timestamp: start.Add(10 * time.Millisecond)},
		{Stage: pipeline.StageExecution, Type: pipeline.EventSubtaskCompleted, TaskID: "task-1", Timestamp: start.Add(50 * time.Millisecond),
			Payload: task.SubtaskResult{
				Subtask:   task.Subtask{ID: "st-1", Type: task.TypeReasoning, Content: "What is six times seven?"},
				Status:    task.SubtaskCompleted,
				Chosen:    &resp,
				Responses: []task.AgentResponse{resp},
			}},
		{Stage: pipeline.StageSynthesis, Type: pipeline.EventFinal, TaskID: "task-1", Timestamp: start.Add(60 * time.Millisecond),
			Payload: task.FinalResponse{
				TaskID: "task-1", Success: true, Content: "forty-two",
				ExecutionPath: []string{"analysis", "routing", "execution", "synthesis"},
				Cost:          task.CostBreakdown{Total: 0.01},
				Metadata:      map[string]string{"mode": "fast"},
			}},
	}
	for _, e := range events {
		rec.OnEvent(e)
	}
	if err := rec.Err(); err != nil {
		t.Fatalf("recorder errors: %v", err)
	}

	runDir := rec.RunDir("task-1")
	if runDir != filepath.Join(dir, "task-1") {
		t.Fatalf("run dir = %q", runDir)
	}

	f, err := os.Open(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	if lines != len(events) {
		t.Fatalf("events.jsonl has %d lines, want %d", lines, len(events))
	}

	var stage StageRecord
	readJSON(t, filepath.Join(runDir, "stages", "routing.json"), &stage)
	if stage.DurationMillis != 10 {
		t.Errorf("routing duration = %dms, want 10", stage.DurationMillis)
	}

	var sub SubtaskRecord
	readJSON(t, filepath.Join(runDir, "subtasks", "st-1.json"), &sub)
	if sub.Chosen != "r1" || len(sub.Responses) != 1 {
		t.Fatalf("subtask record = %+v", sub)
	}
	blob, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(sub.Responses[0].OutputRef)))
	if err != nil || string(blob) != "forty-two" {
		t.Fatalf("output blob = %q, %v", blob, err)
	}

	var run RunRecord
	readJSON(t, filepath.Join(runDir, "run.json"), &run)
	if !run.Success || run.Mode != "fast" || run.Events != len(events) || run.ContentHash != Hash("forty-two") {
		t.Fatalf("run record = %+v", run)
	}
	if !run.StartedAt.Equal(start) {
		t.Errorf("started_at = %v", run.StartedAt)
	}

	var final task.FinalResponse
	readJSON(t, filepath.Join(runDir, "final.json"), &final)
	if final.Content != "forty-two" {
		t.Errorf("final content = %q", final.Content)
	}
}

func TestRecorderReportsWriteFailures(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(base, []byte("not a dir"), 0600); err != nil {
		t.Fatal(err)
	}
	rec := NewRecorder(base, zerolog.Nop())
	rec.OnEvent(pipeline.Event{Stage: pipeline.StageAnalysis, Type: pipeline.EventCompleted, TaskID: "t"})
	if rec.Err() == nil {
		t.Fatal("expected write failure to be reported")
	}
	if rec.RunDir("t") != "" {
		t.Fatal("no run dir should be recorded")
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
