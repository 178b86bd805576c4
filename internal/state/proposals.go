package state

import (
	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/model"
)

// SubmitProposalArgs are the caller-supplied fields for a rail proposal.
type SubmitProposalArgs struct {
	WorkerID string          `json:"workerId"`
	Scope    model.RailScope `json:"scope"`
	TargetID string          `json:"targetId,omitempty"`
	Rails    model.Rails     `json:"rails"`
	Reason   string          `json:"reason,omitempty"`
}

// SubmitProposal records a worker's request to change policy rails. The
// proposal stays pending until a human resolves it.
func (s *Store) SubmitProposal(args SubmitProposalArgs) (*model.RailProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if args.WorkerID == "" {
		return nil, model.MissingField("workerId")
	}
	if args.Rails.Empty() {
		return nil, model.MissingField("rails")
	}
	switch args.Scope {
	case model.ScopeGlobal:
	case model.ScopeEpic:
		if args.TargetID == "" {
			return nil, model.MissingField("targetId")
		}
		if _, ok := s.epics[args.TargetID]; !ok {
			return nil, model.NotFound("epic", args.TargetID)
		}
	case model.ScopeTask:
		if args.TargetID == "" {
			return nil, model.MissingField("targetId")
		}
		if _, ok := s.tasks[args.TargetID]; !ok {
			return nil, model.NotFound("task", args.TargetID)
		}
	default:
		return nil, model.InvalidInput("unknown proposal scope %q", args.Scope)
	}

	p := &model.RailProposal{
		ID:        uuid.NewString(),
		WorkerID:  args.WorkerID,
		Scope:     args.Scope,
		TargetID:  args.TargetID,
		Rails:     args.Rails,
		Reason:    args.Reason,
		Status:    model.ProposalPending,
		CreatedAt: model.Now(),
	}
	if err := s.files.SaveProposal(p); err != nil {
		return nil, err
	}
	s.proposals[p.ID] = p
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventProposalSubmitted,
		WorkerID: args.WorkerID,
		Payload:  map[string]any{"proposalId": p.ID, "scope": string(args.Scope)},
	})
	s.bus.publish(Event{Type: EvtProposalCreated, Payload: cloneProposal(p)})
	return cloneProposal(p), nil
}

// ResolveProposal approves or rejects a pending rail proposal. Approval
// merges the proposed rails into the targeted scope.
func (s *Store) ResolveProposal(id string, approve bool, by string) (*model.RailProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, model.NotFound("proposal", id)
	}
	if p.Status != model.ProposalPending {
		return nil, model.InvalidState("proposal is already %s", p.Status)
	}

	if approve {
		switch p.Scope {
		case model.ScopeGlobal:
			if s.project == nil {
				return nil, model.NotFound("project", "")
			}
			s.project.Rails = s.project.Rails.Merge(p.Rails)
			s.project.UpdatedAt = model.Now()
			if err := s.files.SaveProject(s.project); err != nil {
				return nil, err
			}
			s.bus.publish(Event{Type: EvtSettingsUpdated, Payload: cloneProject(s.project)})
		case model.ScopeEpic:
			epic, ok := s.epics[p.TargetID]
			if !ok {
				return nil, model.NotFound("epic", p.TargetID)
			}
			epic.Rails = epic.Rails.Merge(p.Rails)
			epic.UpdatedAt = model.Now()
			if err := s.files.SaveEpic(epic); err != nil {
				return nil, err
			}
			s.bus.publish(Event{Type: EvtEpicUpdated, Payload: cloneEpic(epic)})
		case model.ScopeTask:
			task, ok := s.tasks[p.TargetID]
			if !ok {
				return nil, model.NotFound("task", p.TargetID)
			}
			task.Rails = task.Rails.Merge(p.Rails)
			task.UpdatedAt = model.Now()
			if err := s.files.SaveTask(task); err != nil {
				return nil, err
			}
			s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
		}
		p.Status = model.ProposalApproved
	} else {
		p.Status = model.ProposalRejected
	}
	p.ResolvedBy = by
	p.ResolvedAt = model.Now()
	if err := s.files.SaveProposal(p); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventProposalResolved,
		WorkerID: p.WorkerID,
		Payload:  map[string]any{"proposalId": p.ID, "status": string(p.Status)},
	})
	s.bus.publish(Event{Type: EvtProposalUpdated, Payload: cloneProposal(p)})
	return cloneProposal(p), nil
}
