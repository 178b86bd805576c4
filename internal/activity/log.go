// Package activity implements the append-only activity event stream. Events
// buffer in memory and flush to a JSONL file periodically or on demand; old
// events can be archived into a SQLite database and stay queryable there.
package activity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
)

// Filter selects events from the log. Zero fields match everything.
type Filter struct {
	Type     string
	EpicID   string
	TaskID   string
	WorkerID string
	Limit    int
}

func (f Filter) matches(ev *model.ActivityEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.EpicID != "" && ev.EpicID != f.EpicID {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.WorkerID != "" && ev.WorkerID != f.WorkerID {
		return false
	}
	return true
}

// Log is the append-only activity event stream for one project.
type Log struct {
	path string

	mu     sync.Mutex
	events []*model.ActivityEvent // everything currently in the JSONL file
	buf    []*model.ActivityEvent // appended but not yet flushed

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Open loads the activity log at path, creating it on first flush if absent.
// Malformed lines are skipped with a warning so one bad line cannot block the
// rest of the stream.
func Open(path string) (*Log, error) {
	l := &Log{
		path: path,
		done: make(chan struct{}),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.ActivityEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.Warn("skipping malformed activity line", "line", lineNo, "error", err)
			continue
		}
		l.events = append(l.events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan activity log: %w", err)
	}
	return l, nil
}

// Start runs a background loop that flushes buffered events every interval.
func (l *Log) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					logging.Warn("activity flush failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the flush loop and flushes any remaining buffered events.
func (l *Log) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.Flush()
}

// Append records an event. Missing id and timestamp are assigned here.
func (l *Log) Append(ev *model.ActivityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = model.Now()
	}
	l.mu.Lock()
	l.buf = append(l.buf, ev)
	l.mu.Unlock()
}

// Flush writes buffered events to the JSONL file and fsyncs it.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open activity log for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ev := range l.buf {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal activity event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append activity event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush activity log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync activity log: %w", err)
	}

	l.events = append(l.events, l.buf...)
	l.buf = nil
	return nil
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) []*model.ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*model.ActivityEvent
	appendMatches := func(events []*model.ActivityEvent) {
		for i := len(events) - 1; i >= 0; i-- {
			if f.Limit > 0 && len(out) >= f.Limit {
				return
			}
			if f.matches(events[i]) {
				out = append(out, events[i])
			}
		}
	}
	appendMatches(l.buf)
	appendMatches(l.events)
	return out
}

// Len returns the number of events currently held (flushed plus buffered).
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events) + len(l.buf)
}

// Archive moves events older than cutoff into the SQLite archive at dbPath
// and rewrites the JSONL file with the remainder. Returns the archived count.
func (l *Log) Archive(cutoff time.Time, dbPath string) (int, error) {
	if err := l.Flush(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var old, keep []*model.ActivityEvent
	for _, ev := range l.events {
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err == nil && ts.Before(cutoff) {
			old = append(old, ev)
		} else {
			keep = append(keep, ev)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	arch, err := OpenArchive(dbPath)
	if err != nil {
		return 0, err
	}
	defer arch.Close()
	if err := arch.Insert(old); err != nil {
		return 0, err
	}

	// Rewrite the JSONL atomically with the retained events.
	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create activity rewrite: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, ev := range keep {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("marshal activity event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("rewrite activity log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("flush activity rewrite: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("sync activity rewrite: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replace activity log: %w", err)
	}

	l.events = keep
	logging.Info("archived activity events",
		"count", len(old),
		"archive", filepath.Base(dbPath))
	return len(old), nil
}
