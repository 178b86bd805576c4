package state

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yaront1111/atelier/internal/model"
)

// maxCommentLength bounds a single comment body.
const maxCommentLength = 10000

// CreateTaskArgs are the caller-supplied fields for a new task.
type CreateTaskArgs struct {
	EpicID           string         `json:"epicId"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	DefinitionOfDone []string       `json:"definitionOfDone,omitempty"`
	Rails            model.Rails    `json:"rails,omitempty"`
	Priority         model.Priority `json:"priority,omitempty"`
	Order            *int           `json:"order,omitempty"`
}

// CreateTask validates and creates a new task in BACKLOG.
func (s *Store) CreateTask(args CreateTaskArgs) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if args.Title == "" {
		return nil, model.MissingField("title")
	}
	if args.EpicID == "" {
		return nil, model.MissingField("epicId")
	}
	if _, ok := s.epics[args.EpicID]; !ok {
		return nil, model.NotFound("epic", args.EpicID)
	}
	priority := args.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return nil, model.InvalidInput("unknown priority %q", args.Priority)
	}

	order := 0
	if args.Order != nil {
		order = *args.Order
	} else {
		for _, t := range s.tasks {
			if t.EpicID == args.EpicID && t.Order >= order {
				order = t.Order + 1
			}
		}
	}

	now := model.Now()
	task := &model.Task{
		ID:               uuid.NewString(),
		EpicID:           args.EpicID,
		Title:            args.Title,
		Description:      args.Description,
		DefinitionOfDone: args.DefinitionOfDone,
		Rails:            args.Rails,
		Status:           model.StatusBacklog,
		Priority:         priority,
		Order:            order,
		StatusTimes:      map[model.Status]string{model.StatusBacklog: now},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.tasks[task.ID] = task
	s.appendActivity(&model.ActivityEvent{
		Type:    model.EventTaskCreated,
		EpicID:  task.EpicID,
		TaskID:  task.ID,
		Payload: map[string]any{"title": task.Title},
	})
	s.bus.publish(Event{Type: EvtTaskCreated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// TaskUpdate carries optional task field changes; nil fields are unchanged.
type TaskUpdate struct {
	Title            *string         `json:"title,omitempty"`
	Description      *string         `json:"description,omitempty"`
	DefinitionOfDone []string        `json:"definitionOfDone,omitempty"`
	Rails            *model.Rails    `json:"rails,omitempty"`
	Priority         *model.Priority `json:"priority,omitempty"`
	Order            *int            `json:"order,omitempty"`
	EpicID           *string         `json:"epicId,omitempty"`
}

// UpdateTask applies field updates to a task.
func (s *Store) UpdateTask(id string, upd TaskUpdate) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, model.NotFound("task", id)
	}

	if upd.Title != nil {
		if *upd.Title == "" {
			return nil, model.MissingField("title")
		}
		task.Title = *upd.Title
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.DefinitionOfDone != nil {
		task.DefinitionOfDone = upd.DefinitionOfDone
	}
	if upd.Rails != nil {
		task.Rails = *upd.Rails
	}
	if upd.Priority != nil {
		if !upd.Priority.Valid() {
			return nil, model.InvalidInput("unknown priority %q", *upd.Priority)
		}
		task.Priority = *upd.Priority
	}
	if upd.Order != nil {
		task.Order = *upd.Order
	}
	if upd.EpicID != nil {
		if _, ok := s.epics[*upd.EpicID]; !ok {
			return nil, model.NotFound("epic", *upd.EpicID)
		}
		task.EpicID = *upd.EpicID
	}

	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:   model.EventTaskUpdated,
		EpicID: task.EpicID,
		TaskID: task.ID,
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// DeleteTask removes a task. Callers cancel any timers referencing the task
// before deleting it.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return model.NotFound("task", id)
	}
	if err := s.files.DeleteTask(id); err != nil {
		return err
	}
	delete(s.tasks, id)
	s.appendActivity(&model.ActivityEvent{
		Type:   model.EventTaskDeleted,
		EpicID: task.EpicID,
		TaskID: id,
	})
	s.bus.publish(Event{Type: EvtTaskDeleted, Payload: Deleted{ID: id}})
	return nil
}

// SetStatus transitions a task through the status state machine.
// A same-state transition is a no-op success. Reopens increment the reopen
// counter and record the reason when given.
func (s *Store) SetStatus(id string, to model.Status, reason, workerID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, to, reason, workerID)
}

// checkTransitionLocked validates that task may move to the target status
// without mutating anything, so callers can pre-flight a transition before
// attaching state that only the accepted transition should carry. Caller
// holds s.mu.
func (s *Store) checkTransitionLocked(task *model.Task, to model.Status) error {
	if !to.Valid() {
		return model.InvalidInput("unknown status %q", to)
	}
	from := task.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		targets := from.AllowedTargets()
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = string(t)
		}
		return model.InvalidState("invalid transition %s -> %s (allowed: %s)",
			from, to, strings.Join(names, ", ")).
			WithDetail("from", string(from)).
			WithDetail("allowed", names)
	}
	if limit, blocked := s.wipLimitBlocks(to, task.ID); blocked {
		return model.NotAllowed("status %s is at its WIP limit (%d)", to, limit).
			WithDetail("status", string(to)).
			WithDetail("limit", limit)
	}
	return nil
}

// setStatusLocked is SetStatus with s.mu already held.
func (s *Store) setStatusLocked(id string, to model.Status, reason, workerID string) (*model.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, model.NotFound("task", id)
	}
	if err := s.checkTransitionLocked(task, to); err != nil {
		return nil, err
	}
	from := task.Status
	if from == to {
		return cloneTask(task), nil
	}

	now := model.Now()
	reopen := model.IsReopen(from, to)
	if reopen {
		task.ReopenCount++
		if reason != "" {
			task.ReopenReason = reason
		}
	}
	task.Status = to
	if task.StatusTimes == nil {
		task.StatusTimes = make(map[model.Status]string)
	}
	task.StatusTimes[to] = now
	task.UpdatedAt = now

	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}

	eventType := model.EventTaskUpdated
	payload := map[string]any{"from": string(from), "to": string(to)}
	switch {
	case reopen:
		eventType = model.EventTaskReopened
		if reason != "" {
			payload["reason"] = reason
		}
	case to == model.StatusWorking:
		eventType = model.EventTaskStarted
	case to == model.StatusDone:
		eventType = model.EventTaskCompleted
	case to == model.StatusArchived:
		eventType = model.EventTaskArchived
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     eventType,
		EpicID:   task.EpicID,
		TaskID:   task.ID,
		WorkerID: workerID,
		Payload:  payload,
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// PlanStep is the caller-supplied shape of one step in a submitted plan.
type PlanStep struct {
	Title         string   `json:"title"`
	AffectedFiles []string `json:"affectedFiles,omitempty"`
}

// SubmitPlan records an implementation plan and moves the task to
// AWAITING_APPROVAL after checking it against the effective policy rails.
// It returns the updated task plus the approval mode and delay in effect so
// the caller can schedule approval.
func (s *Store) SubmitPlan(taskID, workerID string, steps []PlanStep) (*model.Task, model.ApprovalMode, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, "", 0, model.NotFound("task", taskID)
	}
	if len(steps) == 0 {
		return nil, "", 0, model.MissingField("steps")
	}
	if task.Status != model.StatusPlanning {
		return nil, "", 0, model.InvalidState("plan can only be submitted while task is %s (currently %s)",
			model.StatusPlanning, task.Status)
	}

	rails := s.effectiveRailsLocked(task)
	if err := checkPlanRails(rails, steps); err != nil {
		return nil, "", 0, err
	}

	plan := make([]model.Step, len(steps))
	for i, st := range steps {
		if st.Title == "" {
			return nil, "", 0, model.MissingField("steps[].title")
		}
		plan[i] = model.Step{
			ID:            uuid.NewString(),
			Title:         st.Title,
			Status:        model.StepPending,
			AffectedFiles: st.AffectedFiles,
		}
	}

	// The plan belongs to the accepted submission only; a blocked transition
	// (WIP limit on AWAITING_APPROVAL) must leave the task exactly as it was.
	if err := s.checkTransitionLocked(task, model.StatusAwaitingApproval); err != nil {
		return nil, "", 0, err
	}
	task.Plan = plan

	updated, err := s.setStatusLocked(taskID, model.StatusAwaitingApproval, "", workerID)
	if err != nil {
		return nil, "", 0, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventPlanSubmitted,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: workerID,
		Payload:  map[string]any{"steps": len(plan)},
	})

	mode := model.ApprovalManual
	delayMs := 0
	if s.project != nil {
		mode = s.project.Settings.ApprovalMode
		delayMs = s.project.Settings.ApprovalDelayMs
	}
	return updated, mode, delayMs, nil
}

// effectiveRailsLocked merges global, epic and task rails. Caller holds s.mu.
func (s *Store) effectiveRailsLocked(task *model.Task) model.Rails {
	rails := model.Rails{}
	if s.project != nil {
		rails = rails.Merge(s.project.Rails)
	}
	if epic, ok := s.epics[task.EpicID]; ok {
		rails = rails.Merge(epic.Rails)
	}
	return rails.Merge(task.Rails)
}

// checkPlanRails validates a submitted plan against policy rails: no step may
// mention a forbidden pattern, and every required pattern must appear in at
// least one step.
func checkPlanRails(rails model.Rails, steps []PlanStep) error {
	var corpus []string
	for _, st := range steps {
		corpus = append(corpus, strings.ToLower(st.Title))
		for _, f := range st.AffectedFiles {
			corpus = append(corpus, strings.ToLower(f))
		}
	}
	contains := func(pattern string) bool {
		p := strings.ToLower(pattern)
		for _, c := range corpus {
			if strings.Contains(c, p) {
				return true
			}
		}
		return false
	}

	for _, f := range rails.Forbidden {
		if contains(f) {
			return model.ConstraintViolation("plan violates forbidden rail %q", f).
				WithDetail("rail", f).
				WithDetail("railType", "forbidden")
		}
	}
	for _, r := range rails.Required {
		if !contains(r) {
			return model.ConstraintViolation("plan does not satisfy required rail %q", r).
				WithDetail("rail", r).
				WithDetail("railType", "required")
		}
	}
	return nil
}

// ApproveTask moves an AWAITING_APPROVAL task into WORKING.
func (s *Store) ApproveTask(taskID, by string, auto bool) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if task.Status != model.StatusAwaitingApproval {
		return nil, model.InvalidState("task is %s, not %s", task.Status, model.StatusAwaitingApproval)
	}

	updated, err := s.setStatusLocked(taskID, model.StatusWorking, "", by)
	if err != nil {
		return nil, err
	}
	eventType := model.EventPlanApproved
	if auto {
		eventType = model.EventAutoApproved
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     eventType,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: by,
	})
	if task.AssignedWorkerID != "" {
		s.updateWorkerLocked(task.AssignedWorkerID, model.WorkerCoding, "")
	}
	return updated, nil
}

// RejectTask sends a task back: a rejected plan returns to PLANNING, a
// rejected review returns to WORKING (counting as a reopen). Structured
// rejection detail is recorded on the task.
func (s *Store) RejectTask(taskID, by string, failedDoD []string, issues []model.RejectionIssue) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}

	var target model.Status
	switch task.Status {
	case model.StatusAwaitingApproval:
		target = model.StatusPlanning
	case model.StatusReview, model.StatusDeploying:
		target = model.StatusWorking
	default:
		return nil, model.InvalidState("task in %s cannot be rejected", task.Status)
	}

	if err := s.checkTransitionLocked(task, target); err != nil {
		return nil, err
	}
	task.Rejection = &model.Rejection{
		FailedDoD:  failedDoD,
		Issues:     issues,
		RejectedBy: by,
		RejectedAt: model.Now(),
	}

	updated, err := s.setStatusLocked(taskID, target, "rejected", by)
	if err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventPlanRejected,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: by,
		Payload:  map[string]any{"failedDod": len(failedDoD), "issues": len(issues)},
	})
	return updated, nil
}

// StartStep marks a plan step in-progress. The task must be WORKING.
func (s *Store) StartStep(taskID, stepID, workerID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if task.Status != model.StatusWorking {
		return nil, model.InvalidState("steps can only be started while task is %s (currently %s)",
			model.StatusWorking, task.Status)
	}
	step := task.StepByID(stepID)
	if step == nil {
		return nil, model.NotFound("step", stepID)
	}
	if step.Status == model.StepCompleted {
		return nil, model.InvalidState("step %q is already completed", step.Title)
	}

	step.Status = model.StepInProgress
	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventStepStarted,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: workerID,
		Payload:  map[string]any{"step": step.Title},
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// CompleteStep marks a plan step completed with its note and modified files.
func (s *Store) CompleteStep(taskID, stepID, workerID, note string, modifiedFiles []string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if task.Status != model.StatusWorking {
		return nil, model.InvalidState("steps can only be completed while task is %s (currently %s)",
			model.StatusWorking, task.Status)
	}
	step := task.StepByID(stepID)
	if step == nil {
		return nil, model.NotFound("step", stepID)
	}

	step.Status = model.StepCompleted
	step.CompletionNote = note
	step.ModifiedFiles = modifiedFiles
	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventStepCompleted,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: workerID,
		Payload:  map[string]any{"step": step.Title},
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// CompleteTask moves a WORKING task to REVIEW once every plan step is done.
func (s *Store) CompleteTask(taskID, workerID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if task.Status != model.StatusWorking {
		return nil, model.InvalidState("task is %s, not %s", task.Status, model.StatusWorking)
	}
	for _, step := range task.Plan {
		if step.Status != model.StepCompleted {
			return nil, model.InvalidState("step %q is not completed", step.Title).
				WithDetail("stepId", step.ID)
		}
	}
	return s.setStatusLocked(taskID, model.StatusReview, "", workerID)
}

// AddComment appends a comment to a task's thread. A comment flagged as
// needing an answer raises the task's awaiting-human-answer flag.
func (s *Store) AddComment(taskID, authorID, text string, needsAnswer bool) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if text == "" {
		return nil, model.MissingField("text")
	}
	if len(text) > maxCommentLength {
		return nil, model.InvalidInput("comment exceeds %d characters", maxCommentLength)
	}

	comment := model.Comment{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		Text:        text,
		NeedsAnswer: needsAnswer,
		CreatedAt:   model.Now(),
	}
	task.Comments = append(task.Comments, comment)
	if needsAnswer {
		task.AwaitingAnswer = true
	}
	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventCommentAdded,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: authorID,
		Payload:  map[string]any{"needsAnswer": needsAnswer},
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}

// AnswerComment records an answer to a question comment and clears the
// task's awaiting-human-answer flag when no open questions remain.
func (s *Store) AnswerComment(taskID, commentID, answer, by string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, model.NotFound("task", taskID)
	}
	if answer == "" {
		return nil, model.MissingField("answer")
	}

	var target *model.Comment
	for i := range task.Comments {
		if task.Comments[i].ID == commentID {
			target = &task.Comments[i]
			break
		}
	}
	if target == nil {
		return nil, model.NotFound("comment", commentID)
	}
	if !target.NeedsAnswer {
		return nil, model.InvalidState("comment does not need an answer")
	}
	if target.Answer != "" {
		return nil, model.InvalidState("comment is already answered")
	}

	target.Answer = answer
	target.AnsweredAt = model.Now()

	open := false
	for _, c := range task.Comments {
		if c.NeedsAnswer && c.Answer == "" {
			open = true
			break
		}
	}
	task.AwaitingAnswer = open
	task.UpdatedAt = model.Now()
	if err := s.files.SaveTask(task); err != nil {
		return nil, err
	}
	s.appendActivity(&model.ActivityEvent{
		Type:     model.EventQuestionAnswered,
		EpicID:   task.EpicID,
		TaskID:   taskID,
		WorkerID: by,
	})
	s.bus.publish(Event{Type: EvtTaskUpdated, Payload: cloneTask(task)})
	return cloneTask(task), nil
}
