// Package state holds the daemon's authoritative in-memory view of a project
// and is the single mutation path for every entity. Mutations validate,
// stamp timestamps, persist through the file store, append to the activity
// log, and publish change events to subscribers.
package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/activity"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/persist"
)

// Store is the in-memory source of truth for one project.
type Store struct {
	mu sync.Mutex

	files *persist.Store
	log   *activity.Log
	bus   *eventBus

	project   *model.Project
	epics     map[string]*model.Epic
	tasks     map[string]*model.Task
	workers   map[string]*model.Worker
	teams     map[string]*model.Team
	proposals map[string]*model.RailProposal
}

// New creates an empty store backed by the given file store and activity log.
func New(files *persist.Store, log *activity.Log) *Store {
	return &Store{
		files:     files,
		log:       log,
		bus:       newEventBus(),
		epics:     make(map[string]*model.Epic),
		tasks:     make(map[string]*model.Task),
		workers:   make(map[string]*model.Worker),
		teams:     make(map[string]*model.Team),
		proposals: make(map[string]*model.RailProposal),
	}
}

// Subscribe registers a change-event listener and returns an unsubscribe func.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// Close unsubscribes all listeners.
func (s *Store) Close() {
	s.bus.closeAll()
}

// Load installs a snapshot loaded from disk without publishing events.
// Used at startup, after migration has run on the project record.
func (s *Store) Load(snap *persist.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(snap)
}

// ReplaceAll atomically swaps the entire in-memory state for a freshly loaded
// snapshot and then publishes a single reload event. Used by the file watcher
// so clients never observe a half-reloaded mix of old and new entities.
func (s *Store) ReplaceAll(snap *persist.Snapshot) {
	s.mu.Lock()
	s.install(snap)
	s.appendActivity(&model.ActivityEvent{Type: model.EventProjectReloaded})
	s.mu.Unlock()

	s.bus.publish(Event{Type: EvtStateReloaded, Payload: s.StateSnapshot()})
}

func (s *Store) install(snap *persist.Snapshot) {
	s.project = snap.Project
	s.epics = snap.Epics
	s.tasks = snap.Tasks
	s.workers = snap.Workers
	s.teams = snap.Teams
	s.proposals = snap.Proposals
	if s.epics == nil {
		s.epics = make(map[string]*model.Epic)
	}
	if s.tasks == nil {
		s.tasks = make(map[string]*model.Task)
	}
	if s.workers == nil {
		s.workers = make(map[string]*model.Worker)
	}
	if s.teams == nil {
		s.teams = make(map[string]*model.Team)
	}
	if s.proposals == nil {
		s.proposals = make(map[string]*model.RailProposal)
	}
}

// appendActivity buffers an activity event; caller holds s.mu.
func (s *Store) appendActivity(ev *model.ActivityEvent) {
	if s.log != nil {
		s.log.Append(ev)
	}
}

// AppendActivity records an activity event produced outside the store's own
// mutation paths, such as a failed background timer.
func (s *Store) AppendActivity(ev *model.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendActivity(ev)
}

// --- accessors ---

// Project returns a copy of the project record, or nil if uninitialized.
func (s *Store) Project() *model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return nil
	}
	return cloneProject(s.project)
}

// Task returns a copy of the task, or nil.
func (s *Store) Task(id string) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return cloneTask(t)
	}
	return nil
}

// Epic returns a copy of the epic, or nil.
func (s *Store) Epic(id string) *model.Epic {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.epics[id]; ok {
		return cloneEpic(e)
	}
	return nil
}

// Worker returns a copy of the worker, or nil.
func (s *Store) Worker(id string) *model.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		return cloneWorker(w)
	}
	return nil
}

// WorkerIDs returns the ids of all registered workers.
func (s *Store) WorkerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tasks returns copies of all tasks, sorted by epic then order.
func (s *Store) Tasks() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EpicID != out[j].EpicID {
			return out[i].EpicID < out[j].EpicID
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// Epics returns copies of all epics sorted by display order.
func (s *Store) Epics() []*model.Epic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Epic, 0, len(s.epics))
	for _, e := range s.epics {
		out = append(out, cloneEpic(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// SearchTasks returns tasks whose title or description contains query
// (case-insensitive), optionally narrowed by status and epic.
func (s *Store) SearchTasks(query string, status model.Status, epicID string) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []*model.Task
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		if epicID != "" && t.EpicID != epicID {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(t.Title), q) &&
			!strings.Contains(strings.ToLower(t.Description), q) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Snapshot is the full-state payload for STATE_SNAPSHOT messages.
type Snapshot struct {
	Project   *model.Project        `json:"project"`
	Epics     []*model.Epic         `json:"epics"`
	Tasks     []*model.Task         `json:"tasks"`
	Workers   []*model.Worker       `json:"workers"`
	Teams     []*model.Team         `json:"teams"`
	Proposals []*model.RailProposal `json:"proposals"`
}

// StateSnapshot returns a consistent copy of everything.
func (s *Store) StateSnapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Epics:     make([]*model.Epic, 0, len(s.epics)),
		Tasks:     make([]*model.Task, 0, len(s.tasks)),
		Workers:   make([]*model.Worker, 0, len(s.workers)),
		Teams:     make([]*model.Team, 0, len(s.teams)),
		Proposals: make([]*model.RailProposal, 0, len(s.proposals)),
	}
	if s.project != nil {
		snap.Project = cloneProject(s.project)
	}
	for _, e := range s.epics {
		snap.Epics = append(snap.Epics, cloneEpic(e))
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, cloneTask(t))
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, cloneWorker(w))
	}
	for _, t := range s.teams {
		snap.Teams = append(snap.Teams, cloneTeam(t))
	}
	for _, p := range s.proposals {
		snap.Proposals = append(snap.Proposals, cloneProposal(p))
	}
	sort.Slice(snap.Epics, func(i, j int) bool { return snap.Epics[i].Order < snap.Epics[j].Order })
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Order < snap.Tasks[j].Order })
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].ID < snap.Workers[j].ID })
	sort.Slice(snap.Teams, func(i, j int) bool { return snap.Teams[i].ID < snap.Teams[j].ID })
	sort.Slice(snap.Proposals, func(i, j int) bool { return snap.Proposals[i].CreatedAt < snap.Proposals[j].CreatedAt })
	return snap
}

// InitProject creates the project record for a directory that has none yet.
func (s *Store) InitProject(name, path string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.project != nil {
		return nil, model.NotAllowed("project already initialized")
	}
	if name == "" {
		return nil, model.MissingField("name")
	}

	now := model.Now()
	p := &model.Project{
		ID:   uuid.NewString(),
		Name: name,
		Path: path,
		Settings: model.Settings{
			ApprovalMode:    model.ApprovalManual,
			ApprovalDelayMs: 0,
			BranchPattern:   "task/{taskId}",
			CommitPattern:   "{taskId}: {title}",
			WIPLimits:       map[model.Status]int{},
		},
		SchemaVersion: model.SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.files.SaveProject(p); err != nil {
		return nil, err
	}
	s.project = p
	s.appendActivity(&model.ActivityEvent{
		Type:    model.EventProjectInitialized,
		Payload: map[string]any{"name": name},
	})
	return cloneProject(p), nil
}

// SettingsUpdate carries optional settings changes; nil fields are unchanged.
type SettingsUpdate struct {
	ApprovalMode    *model.ApprovalMode  `json:"approvalMode,omitempty"`
	ApprovalDelayMs *int                 `json:"approvalDelayMs,omitempty"`
	BranchPattern   *string              `json:"branchPattern,omitempty"`
	CommitPattern   *string              `json:"commitPattern,omitempty"`
	WIPLimits       map[model.Status]int `json:"wipLimits,omitempty"`
	Rails           *model.Rails         `json:"rails,omitempty"`
}

// UpdateSettings applies a settings update to the project record.
func (s *Store) UpdateSettings(upd SettingsUpdate) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.project == nil {
		return nil, model.NotFound("project", "")
	}

	if upd.ApprovalMode != nil {
		if !upd.ApprovalMode.Valid() {
			return nil, model.InvalidInput("unknown approval mode %q", *upd.ApprovalMode)
		}
		s.project.Settings.ApprovalMode = *upd.ApprovalMode
	}
	if upd.ApprovalDelayMs != nil {
		if *upd.ApprovalDelayMs < 0 {
			return nil, model.InvalidInput("approval delay must not be negative")
		}
		s.project.Settings.ApprovalDelayMs = *upd.ApprovalDelayMs
	}
	if upd.BranchPattern != nil {
		s.project.Settings.BranchPattern = *upd.BranchPattern
	}
	if upd.CommitPattern != nil {
		s.project.Settings.CommitPattern = *upd.CommitPattern
	}
	if upd.WIPLimits != nil {
		for status, limit := range upd.WIPLimits {
			if !status.Valid() {
				return nil, model.InvalidInput("unknown status %q in WIP limits", status)
			}
			if limit < 0 {
				return nil, model.InvalidInput("WIP limit for %s must not be negative", status)
			}
		}
		s.project.Settings.WIPLimits = upd.WIPLimits
	}
	if upd.Rails != nil {
		s.project.Rails = *upd.Rails
	}

	s.project.UpdatedAt = model.Now()
	if err := s.files.SaveProject(s.project); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{Type: model.EventSettingsUpdated})
	s.bus.publish(Event{Type: EvtSettingsUpdated, Payload: cloneProject(s.project)})
	return cloneProject(s.project), nil
}

// wipLimitBlocks reports whether moving one more task into status would
// exceed the configured WIP limit. Caller holds s.mu.
func (s *Store) wipLimitBlocks(status model.Status, excludeTaskID string) (int, bool) {
	if s.project == nil {
		return 0, false
	}
	limit, ok := s.project.Settings.WIPLimits[status]
	if !ok || limit <= 0 {
		return 0, false
	}
	count := 0
	for id, t := range s.tasks {
		if id != excludeTaskID && t.Status == status {
			count++
		}
	}
	return limit, count >= limit
}
