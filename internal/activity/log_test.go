package activity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yaront1111/atelier/internal/model"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l, dir
}

func TestAppendAndQuery(t *testing.T) {
	l, _ := openTestLog(t)

	l.Append(&model.ActivityEvent{Type: model.EventTaskCreated, TaskID: "t-1"})
	l.Append(&model.ActivityEvent{Type: model.EventTaskUpdated, TaskID: "t-1"})
	l.Append(&model.ActivityEvent{Type: model.EventTaskCreated, TaskID: "t-2"})

	got := l.Query(Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].TaskID != "t-2" {
		t.Errorf("expected newest event first, got %+v", got[0])
	}
	if got[0].ID == "" || got[0].Timestamp == "" {
		t.Error("Append should assign id and timestamp")
	}

	byTask := l.Query(Filter{TaskID: "t-1"})
	if len(byTask) != 2 {
		t.Errorf("expected 2 events for t-1, got %d", len(byTask))
	}
	byType := l.Query(Filter{Type: model.EventTaskCreated})
	if len(byType) != 2 {
		t.Errorf("expected 2 created events, got %d", len(byType))
	}
	limited := l.Query(Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to cap results, got %d", len(limited))
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	l, dir := openTestLog(t)
	path := filepath.Join(dir, "activity.log")

	l.Append(&model.ActivityEvent{Type: model.EventTaskCreated, TaskID: "t-1"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", reopened.Len())
	}
	if got := reopened.Query(Filter{TaskID: "t-1"}); len(got) != 1 {
		t.Errorf("expected flushed event to survive reopen, got %d", len(got))
	}
}

func TestOpenSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.log")
	content := `{"id":"a","type":"task_created","timestamp":"2026-01-01T00:00:00Z"}
not json at all
{"id":"b","type":"task_updated","timestamp":"2026-01-02T00:00:00Z"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open should tolerate bad lines: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 parseable events, got %d", l.Len())
	}
}

func TestArchive(t *testing.T) {
	l, dir := openTestLog(t)
	dbPath := filepath.Join(dir, "activity.db")

	oldTS := model.Timestamp(time.Now().Add(-48 * time.Hour))
	l.Append(&model.ActivityEvent{Type: model.EventTaskCreated, TaskID: "old-1", Timestamp: oldTS})
	l.Append(&model.ActivityEvent{Type: model.EventTaskUpdated, TaskID: "old-2", Timestamp: oldTS,
		Payload: map[string]any{"from": "BACKLOG"}})
	l.Append(&model.ActivityEvent{Type: model.EventTaskCreated, TaskID: "fresh"})

	cutoff := time.Now().Add(-24 * time.Hour)
	archived, err := l.Archive(cutoff, dbPath)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if archived != 2 {
		t.Fatalf("expected 2 archived events, got %d", archived)
	}

	if got := l.Query(Filter{}); len(got) != 1 || got[0].TaskID != "fresh" {
		t.Errorf("live log should only hold the fresh event, got %+v", got)
	}

	// The rewritten JSONL must match the in-memory view after reopen.
	reopened, err := Open(filepath.Join(dir, "activity.log"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Len() != 1 {
		t.Errorf("expected rewritten log to hold 1 event, got %d", reopened.Len())
	}

	arch, err := OpenArchive(dbPath)
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	defer arch.Close()

	stored, err := arch.Query(Filter{})
	if err != nil {
		t.Fatalf("archive query failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 events in archive, got %d", len(stored))
	}
	byTask, err := arch.Query(Filter{TaskID: "old-2"})
	if err != nil {
		t.Fatalf("archive query failed: %v", err)
	}
	if len(byTask) != 1 {
		t.Fatalf("expected 1 event for old-2, got %d", len(byTask))
	}
	if byTask[0].Payload["from"] != "BACKLOG" {
		t.Errorf("payload should round trip through the archive, got %+v", byTask[0].Payload)
	}

	// Nothing old remains, so a second pass archives nothing.
	again, err := l.Archive(cutoff, dbPath)
	if err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected idempotent archive, got %d", again)
	}
}
