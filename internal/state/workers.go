package state

import (
	"sort"

	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/model"
)

// EnsureWorker returns the worker with the given id, registering it with the
// given type if it does not exist yet. Workers are auto-created on first
// claim and never implicitly deleted.
func (s *Store) EnsureWorker(id string, typ model.WorkerType) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.ensureWorkerLocked(id, typ)
	if err != nil {
		return nil, err
	}
	return cloneWorker(w), nil
}

func (s *Store) ensureWorkerLocked(id string, typ model.WorkerType) (*model.Worker, error) {
	if id == "" {
		return nil, model.MissingField("workerId")
	}
	if w, ok := s.workers[id]; ok {
		return w, nil
	}
	if typ == "" {
		typ = model.WorkerTypeWorker
	}
	now := model.Now()
	w := &model.Worker{
		ID:        id,
		Type:      typ,
		Status:    model.WorkerIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.files.SaveWorker(w); err != nil {
		return nil, err
	}
	s.workers[id] = w
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventWorkerRegistered,
		WorkerID: id,
		Payload:  map[string]any{"type": string(typ)},
	})
	s.bus.publish(Event{Type: EvtWorkerCreated, Payload: cloneWorker(w)})
	return w, nil
}

// WorkerUpdate carries optional worker field changes; nil fields are unchanged.
type WorkerUpdate struct {
	Status    *model.WorkerStatus `json:"status,omitempty"`
	EpicID    *string             `json:"epicId,omitempty"`
	TaskID    *string             `json:"taskId,omitempty"`
	LastError *string             `json:"lastError,omitempty"`
	TeamID    *string             `json:"teamId,omitempty"`
}

// UpdateWorker applies field updates to a worker record. A non-empty
// lastError increments the worker's error count.
func (s *Store) UpdateWorker(id string, upd WorkerUpdate) (*model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, model.NotFound("worker", id)
	}

	if upd.Status != nil {
		switch *upd.Status {
		case model.WorkerIdle, model.WorkerReadingContext, model.WorkerPlanning,
			model.WorkerAwaitingApproval, model.WorkerCoding, model.WorkerBlocked:
		default:
			return nil, model.InvalidInput("unknown worker status %q", *upd.Status)
		}
		w.Status = *upd.Status
	}
	if upd.EpicID != nil {
		w.EpicID = *upd.EpicID
	}
	if upd.TaskID != nil {
		w.TaskID = *upd.TaskID
	}
	if upd.LastError != nil {
		w.LastError = *upd.LastError
		if *upd.LastError != "" {
			w.ErrorCount++
		}
	}
	if upd.TeamID != nil {
		if *upd.TeamID != "" {
			if _, ok := s.teams[*upd.TeamID]; !ok {
				return nil, model.NotFound("team", *upd.TeamID)
			}
		}
		w.TeamID = *upd.TeamID
	}

	w.UpdatedAt = model.Now()
	if err := s.files.SaveWorker(w); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{Type: model.EventWorkerUpdated, WorkerID: id})
	s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
	return cloneWorker(w), nil
}

// updateWorkerLocked adjusts a worker's status (and optionally task) without
// re-entering the lock; best effort, missing workers are ignored.
func (s *Store) updateWorkerLocked(id string, status model.WorkerStatus, taskID string) {
	w, ok := s.workers[id]
	if !ok {
		return
	}
	w.Status = status
	if taskID != "" {
		w.TaskID = taskID
	}
	w.UpdatedAt = model.Now()
	if err := s.files.SaveWorker(w); err != nil {
		return
	}
	s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
}

// SameTeam reports whether two workers share a team.
func (s *Store) SameTeam(a, b string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wa, oka := s.workers[a]
	wb, okb := s.workers[b]
	if !oka || !okb {
		return false
	}
	return wa.TeamID != "" && wa.TeamID == wb.TeamID
}

// ClaimCandidates returns the unassigned tasks matching the requested
// statuses (and optional epic), ranked by priority then display order.
func (s *Store) ClaimCandidates(statuses []model.Status, epicID string) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(st model.Status) bool {
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	var out []*model.Task
	for _, t := range s.tasks {
		if t.Assigned() || !match(t.Status) {
			continue
		}
		if epicID != "" && t.EpicID != epicID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// ConflictingClaim returns a task in the given epic and statuses already
// assigned to a caller other than callerID, or nil if none.
func (s *Store) ConflictingClaim(epicID string, statuses []model.Status, callerID string) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.EpicID != epicID || !t.Assigned() || t.AssignedWorkerID == callerID {
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				return cloneTask(t)
			}
		}
	}
	return nil
}

// AssignTask stamps a task with the caller's id and points the caller's
// worker record at it, registering the worker if needed.
func (s *Store) AssignTask(taskID, workerID string, typ model.WorkerType) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if task.Assigned() && task.AssignedWorkerID != workerID {
		return nil, model.NotAllowed("task is already assigned to %s", task.AssignedWorkerID).
			WithDetail("assignedWorkerId", task.AssignedWorkerID)
	}

	w, err := s.ensureWorkerLocked(workerID, typ)
	if err != nil {
		return nil, err
	}

	now := model.Now()
	task.AssignedWorkerID = workerID
	task.UpdatedAt = now
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}

	w.EpicID = task.EpicID
	w.TaskID = task.ID
	w.Status = model.WorkerReadingContext
	w.UpdatedAt = now
	if err := s.files.SaveWorker(w); err != nil {
		return nil, err
	}

	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventTaskClaimed,
		EpicID:   task.EpicID,
		TaskID:   task.ID,
		WorkerID: workerID,
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
	return cloneTask(task), nil
}

// ClearAssignment drops a task's worker assignment and idles the worker
// record that held it. Used by the claim coordinator's replace path.
func (s *Store) ClearAssignment(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.NotFound("task", taskID)
	}
	prev := task.AssignedWorkerID
	if prev == "" {
		return nil
	}
	task.AssignedWorkerID = ""
	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return err
	}
	if w, ok := s.workers[prev]; ok && w.TaskID == taskID {
		w.TaskID = ""
		w.Status = model.WorkerIdle
		w.UpdatedAt = model.Now()
		if err := s.files.SaveWorker(w); err != nil {
			return err
		}
		s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
	}
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return nil
}

// CreateTeamArgs are the caller-supplied fields for a new team.
type CreateTeamArgs struct {
	Name     string           `json:"name"`
	Role     model.WorkerType `json:"role,omitempty"`
	Capacity int              `json:"capacity,omitempty"`
}

// CreateTeam registers a named team of workers.
func (s *Store) CreateTeam(args CreateTeamArgs) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if args.Name == "" {
		return nil, model.MissingField("name")
	}
	if args.Capacity < 0 {
		return nil, model.InvalidInput("capacity must not be negative")
	}
	for _, t := range s.teams {
		if t.Name == args.Name {
			return nil, model.NotAllowed("team %q already exists", args.Name).
				WithDetail("teamId", t.ID)
		}
	}

	now := model.Now()
	team := &model.Team{
		ID:        uuid.NewString(),
		Name:      args.Name,
		Role:      args.Role,
		Capacity:  args.Capacity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.files.SaveTeam(team); err != nil {
		return nil, err
	}
	s.teams[team.ID] = team
	s.appendActivity(&model.ActivityEvent{
		Type:    model.EventTeamCreated,
		Payload: map[string]any{"teamId": team.ID, "name": team.Name},
	})
	s.bus.publish(Event{Type: EvtTeamCreated, Payload: cloneTeam(team)})
	return cloneTeam(team), nil
}

// AddTeamMember adds a worker to a team. Adding an existing member is a
// no-op success. A team at capacity refuses new members.
func (s *Store) AddTeamMember(teamID, workerID string) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamID]
	if !ok {
		return nil, model.NotFound("team", teamID)
	}
	w, err := s.ensureWorkerLocked(workerID, "")
	if err != nil {
		return nil, err
	}
	if team.HasMember(workerID) {
		return cloneTeam(team), nil
	}
	if team.Capacity > 0 && len(team.Members) >= team.Capacity {
		return nil, model.NotAllowed("team %q is at capacity (%d)", team.Name, team.Capacity).
			WithDetail("capacity", team.Capacity)
	}

	team.Members = append(team.Members, workerID)
	team.UpdatedAt = model.Now()
	if err := s.files.SaveTeam(team); err != nil {
		return nil, err
	}
	w.TeamID = teamID
	w.UpdatedAt = model.Now()
	if err := s.files.SaveWorker(w); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventTeamUpdated,
		WorkerID: workerID,
		Payload:  map[string]any{"teamId": teamID, "action": "member_added"},
	})
	s.bus.publish(Event{Type: EvtTeamUpdated, Payload: cloneTeam(team)})
	s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
	return cloneTeam(team), nil
}

// RemoveTeamMember removes a worker from a team. Removing a non-member is a
// no-op success.
func (s *Store) RemoveTeamMember(teamID, workerID string) (*model.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamID]
	if !ok {
		return nil, model.NotFound("team", teamID)
	}
	if !team.HasMember(workerID) {
		return cloneTeam(team), nil
	}

	members := team.Members[:0]
	for _, m := range team.Members {
		if m != workerID {
			members = append(members, m)
		}
	}
	team.Members = members
	team.UpdatedAt = model.Now()
	if err := s.files.SaveTeam(team); err != nil {
		return nil, err
	}
	if w, ok := s.workers[workerID]; ok && w.TeamID == teamID {
		w.TeamID = ""
		w.UpdatedAt = model.Now()
		if err := s.files.SaveWorker(w); err != nil {
			return nil, err
		}
		s.bus.publish(Event{Type: EvtWorkerUpdated, Payload: cloneWorker(w)})
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventTeamUpdated,
		WorkerID: workerID,
		Payload:  map[string]any{"teamId": teamID, "action": "member_removed"},
	})
	s.bus.publish(Event{Type: EvtTeamUpdated, Payload: cloneTeam(team)})
	return cloneTeam(team), nil
}
