// Package persist reads and writes entity records as one pretty-printed JSON
// file per entity under a per-kind subdirectory. Writes go to a temp file in
// the same directory, are fsynced, then renamed over the target so a reader
// never observes a partial record.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
)

// Entity kind subdirectories under the data dir.
const (
	KindEpics     = "epics"
	KindTasks     = "tasks"
	KindWorkers   = "workers"
	KindTeams     = "teams"
	KindProposals = "proposals"
)

// ProjectFile is the name of the project record inside the data dir.
const ProjectFile = "project.json"

// selfWriteWindow is how long a write is attributed to this process when the
// file watcher asks whether it caused an event.
const selfWriteWindow = 2 * time.Second

// Store persists entities under a single data directory.
type Store struct {
	dir string

	mu         sync.Mutex
	selfWrites map[string]time.Time
}

// New creates a Store rooted at dir. The directory tree is created by Init.
func New(dir string) *Store {
	return &Store{
		dir:        dir,
		selfWrites: make(map[string]time.Time),
	}
}

// Dir returns the data directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// Init creates the data directory and all per-kind subdirectories.
func (s *Store) Init() error {
	for _, sub := range []string{"", KindEpics, KindTasks, KindWorkers, KindTeams, KindProposals} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// Initialized reports whether a project record exists in the data dir.
func (s *Store) Initialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, ProjectFile))
	return err == nil
}

// WasSelfWrite reports whether path was written by this store recently enough
// that a filesystem event for it should be ignored by the watcher.
func (s *Store) WasSelfWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrites[filepath.Clean(path)]
	if !ok {
		return false
	}
	if time.Since(at) > selfWriteWindow {
		delete(s.selfWrites, filepath.Clean(path))
		return false
	}
	return true
}

func (s *Store) markSelfWrite(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.selfWrites[filepath.Clean(path)] = now
	// Drop stale markers so the map does not grow unbounded.
	for p, at := range s.selfWrites {
		if now.Sub(at) > selfWriteWindow {
			delete(s.selfWrites, p)
		}
	}
}

// writeFile atomically writes v as pretty-printed JSON to path.
func (s *Store) writeFile(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	content = append(content, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString()[:8])
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	s.markSelfWrite(path)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// readFile decodes the JSON record at path into v.
func readFile(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(content, v)
}

func (s *Store) entityPath(kind, id string) string {
	return filepath.Join(s.dir, kind, id+".json")
}

// saveEntity writes one entity record under its kind directory.
func (s *Store) saveEntity(kind, id string, v any) error {
	if id == "" {
		return fmt.Errorf("%s record has no id", kind)
	}
	return s.writeFile(s.entityPath(kind, id), v)
}

// deleteEntity removes one entity record. Missing files are not an error.
func (s *Store) deleteEntity(kind, id string) error {
	path := s.entityPath(kind, id)
	s.markSelfWrite(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// loadKind reads every record in a kind directory, skipping files that are
// missing or malformed so one corrupt record cannot block the rest.
func loadKind(dir, kind string, decode func(id string, data []byte) error) error {
	entries, err := os.ReadDir(filepath.Join(dir, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s dir: %w", kind, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, kind, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("skipping unreadable record", "kind", kind, "file", name, "error", err)
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if err := decode(id, data); err != nil {
			logging.Warn("skipping malformed record", "kind", kind, "file", name, "error", err)
		}
	}
	return nil
}

// SaveProject writes the project record.
func (s *Store) SaveProject(p *model.Project) error {
	return s.writeFile(filepath.Join(s.dir, ProjectFile), p)
}

// LoadProjectRaw reads the project record as a raw map for schema migration.
// Returns nil with no error when the record does not exist.
func (s *Store) LoadProjectRaw() (map[string]any, error) {
	var raw map[string]any
	err := readFile(filepath.Join(s.dir, ProjectFile), &raw)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project record: %w", err)
	}
	return raw, nil
}

// SaveProjectRaw writes a raw (migrated) project record.
func (s *Store) SaveProjectRaw(raw map[string]any) error {
	return s.writeFile(filepath.Join(s.dir, ProjectFile), raw)
}

// SaveEpic writes an epic record.
func (s *Store) SaveEpic(e *model.Epic) error { return s.saveEntity(KindEpics, e.ID, e) }

// DeleteEpic removes an epic record.
func (s *Store) DeleteEpic(id string) error { return s.deleteEntity(KindEpics, id) }

// SaveTask writes a task record.
func (s *Store) SaveTask(t *model.Task) error { return s.saveEntity(KindTasks, t.ID, t) }

// DeleteTask removes a task record.
func (s *Store) DeleteTask(id string) error { return s.deleteEntity(KindTasks, id) }

// SaveWorker writes a worker record.
func (s *Store) SaveWorker(w *model.Worker) error { return s.saveEntity(KindWorkers, w.ID, w) }

// SaveTeam writes a team record.
func (s *Store) SaveTeam(t *model.Team) error { return s.saveEntity(KindTeams, t.ID, t) }

// SaveProposal writes a rail proposal record.
func (s *Store) SaveProposal(p *model.RailProposal) error {
	return s.saveEntity(KindProposals, p.ID, p)
}

// Snapshot is everything loaded from a project data directory.
type Snapshot struct {
	Project   *model.Project
	Epics     map[string]*model.Epic
	Tasks     map[string]*model.Task
	Workers   map[string]*model.Worker
	Teams     map[string]*model.Team
	Proposals map[string]*model.RailProposal
}

// LoadAll reads the entire project state from disk. The project record is
// returned as persisted; callers run schema migration before using it.
func (s *Store) LoadAll() (*Snapshot, error) {
	snap := &Snapshot{
		Epics:     make(map[string]*model.Epic),
		Tasks:     make(map[string]*model.Task),
		Workers:   make(map[string]*model.Worker),
		Teams:     make(map[string]*model.Team),
		Proposals: make(map[string]*model.RailProposal),
	}

	var project model.Project
	err := readFile(filepath.Join(s.dir, ProjectFile), &project)
	switch {
	case os.IsNotExist(err):
		// Uninitialized project dir; snapshot stays empty.
	case err != nil:
		return nil, fmt.Errorf("load project record: %w", err)
	default:
		snap.Project = &project
	}

	if err := loadKind(s.dir, KindEpics, func(id string, data []byte) error {
		var e model.Epic
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.ID = id
		snap.Epics[id] = &e
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadKind(s.dir, KindTasks, func(id string, data []byte) error {
		var t model.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.ID = id
		snap.Tasks[id] = &t
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadKind(s.dir, KindWorkers, func(id string, data []byte) error {
		var w model.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		w.ID = id
		snap.Workers[id] = &w
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadKind(s.dir, KindTeams, func(id string, data []byte) error {
		var t model.Team
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.ID = id
		snap.Teams[id] = &t
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadKind(s.dir, KindProposals, func(id string, data []byte) error {
		var p model.RailProposal
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.ID = id
		snap.Proposals[id] = &p
		return nil
	}); err != nil {
		return nil, err
	}

	return snap, nil
}
