package state

import (
	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/model"
)

// CreateEpicArgs are the caller-supplied fields for a new epic.
type CreateEpicArgs struct {
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	ArchitectureNotes string      `json:"architectureNotes,omitempty"`
	Rails             model.Rails `json:"rails,omitempty"`
	Order             *int        `json:"order,omitempty"`
}

// CreateEpic creates a new epic in the planned state.
func (s *Store) CreateEpic(args CreateEpicArgs) (*model.Epic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if args.Title == "" {
		return nil, model.MissingField("title")
	}

	order := 0
	if args.Order != nil {
		order = *args.Order
	} else {
		for _, e := range s.epics {
			if e.Order >= order {
				order = e.Order + 1
			}
		}
	}

	now := model.Now()
	epic := &model.Epic{
		ID:                uuid.NewString(),
		Title:             args.Title,
		Description:       args.Description,
		ArchitectureNotes: args.ArchitectureNotes,
		Rails:             args.Rails,
		Status:            model.EpicPlanned,
		Order:             order,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.files.SaveEpic(epic); err != nil {
		return nil, err
	}
	s.epics[epic.ID] = epic
	s.appendActivity(&model.ActivityEvent{
		Type:    model.EventEpicCreated,
		EpicID:  epic.ID,
		Payload: map[string]any{"title": epic.Title},
	})
	s.bus.publish(Event{Type: EvtEpicCreated, Payload: cloneEpic(epic)})
	return cloneEpic(epic), nil
}

// EpicUpdate carries optional epic field changes; nil fields are unchanged.
type EpicUpdate struct {
	Title             *string           `json:"title,omitempty"`
	Description       *string           `json:"description,omitempty"`
	ArchitectureNotes *string           `json:"architectureNotes,omitempty"`
	Rails             *model.Rails      `json:"rails,omitempty"`
	Status            *model.EpicStatus `json:"status,omitempty"`
	Order             *int              `json:"order,omitempty"`
}

// UpdateEpic applies field updates to an epic.
func (s *Store) UpdateEpic(id string, upd EpicUpdate) (*model.Epic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epic, ok := s.epics[id]
	if !ok {
		return nil, model.NotFound("epic", id)
	}

	if upd.Title != nil {
		if *upd.Title == "" {
			return nil, model.MissingField("title")
		}
		epic.Title = *upd.Title
	}
	if upd.Description != nil {
		epic.Description = *upd.Description
	}
	if upd.ArchitectureNotes != nil {
		epic.ArchitectureNotes = *upd.ArchitectureNotes
	}
	if upd.Rails != nil {
		epic.Rails = *upd.Rails
	}
	if upd.Status != nil {
		switch *upd.Status {
		case model.EpicPlanned, model.EpicActive, model.EpicCompleted:
		default:
			return nil, model.InvalidInput("unknown epic status %q", *upd.Status)
		}
		epic.Status = *upd.Status
	}
	if upd.Order != nil {
		epic.Order = *upd.Order
	}

	epic.UpdatedAt = model.Now()
	if err := s.files.SaveEpic(epic); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{Type: model.EventEpicUpdated, EpicID: id})
	s.bus.publish(Event{Type: EvtEpicUpdated, Payload: cloneEpic(epic)})
	return cloneEpic(epic), nil
}

// DeleteEpic removes an epic. With cascade unset the delete is refused while
// tasks still reference the epic; with cascade set those tasks are deleted
// too. Returns how many tasks were deleted alongside the epic.
func (s *Store) DeleteEpic(id string, cascade bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.epics[id]; !ok {
		return 0, model.NotFound("epic", id)
	}

	var taskIDs []string
	for tid, t := range s.tasks {
		if t.EpicID == id {
			taskIDs = append(taskIDs, tid)
		}
	}
	if len(taskIDs) > 0 && !cascade {
		return 0, model.NotAllowed("epic has %d task(s); delete them first or pass cascade", len(taskIDs)).
			WithDetail("taskCount", len(taskIDs))
	}

	for _, tid := range taskIDs {
		if err := s.files.DeleteTask(tid); err != nil {
			return 0, err
		}
		delete(s.tasks, tid)
		s.appendActivity(&model.ActivityEvent{Type: model.EventTaskDeleted, EpicID: id, TaskID: tid})
		s.bus.publish(Event{Type: EvtTaskDeleted, Payload: Deleted{ID: tid}})
	}
	if err := s.files.DeleteEpic(id); err != nil {
		return 0, err
	}
	delete(s.epics, id)
	s.appendActivity(&model.ActivityEvent{
		Type:    model.EventEpicDeleted,
		EpicID:  id,
		Payload: map[string]any{"deletedTaskCount": len(taskIDs)},
	})
	s.bus.publish(Event{Type: EvtEpicDeleted, Payload: Deleted{ID: id}})
	return len(taskIDs), nil
}
