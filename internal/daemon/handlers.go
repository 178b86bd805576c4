package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/yaront1111/atelier/internal/activity"
	"github.com/yaront1111/atelier/internal/claim"
	"github.com/yaront1111/atelier/internal/control"
	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/state"
	"github.com/yaront1111/atelier/internal/waitreg"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(control.MsgPing, d.handlePing)
	d.server.Handle(control.MsgGetState, d.handleGetState)
	d.server.Handle(control.MsgGetActivity, d.handleGetActivity)
	d.server.Handle(control.MsgArchiveActivity, d.handleArchiveActivity)

	d.server.Handle(control.MsgCreateTask, d.handleCreateTask)
	d.server.Handle(control.MsgUpdateTask, d.handleUpdateTask)
	d.server.Handle(control.MsgDeleteTask, d.handleDeleteTask)
	d.server.Handle(control.MsgSetTaskStatus, d.handleSetTaskStatus)
	d.server.Handle(control.MsgSearchTasks, d.handleSearchTasks)

	d.server.Handle(control.MsgClaimTask, d.handleClaimTask)
	d.server.Handle(control.MsgWaitForTask, d.handleWaitForTask)

	d.server.Handle(control.MsgSubmitPlan, d.handleSubmitPlan)
	d.server.Handle(control.MsgStartStep, d.handleStartStep)
	d.server.Handle(control.MsgCompleteStep, d.handleCompleteStep)
	d.server.Handle(control.MsgCompleteTask, d.handleCompleteTask)
	d.server.Handle(control.MsgApproveTask, d.handleApproveTask)
	d.server.Handle(control.MsgRejectTask, d.handleRejectTask)

	d.server.Handle(control.MsgAddComment, d.handleAddComment)
	d.server.Handle(control.MsgAnswerComment, d.handleAnswerComment)

	d.server.Handle(control.MsgCreateEpic, d.handleCreateEpic)
	d.server.Handle(control.MsgUpdateEpic, d.handleUpdateEpic)
	d.server.Handle(control.MsgDeleteEpic, d.handleDeleteEpic)

	d.server.Handle(control.MsgUpdateSettings, d.handleUpdateSettings)
	d.server.Handle(control.MsgUpdateWorker, d.handleUpdateWorker)

	d.server.Handle(control.MsgCreateTeam, d.handleCreateTeam)
	d.server.Handle(control.MsgAddTeamMember, d.handleAddTeamMember)
	d.server.Handle(control.MsgRemoveTeamMember, d.handleRemoveTeamMember)

	d.server.Handle(control.MsgSubmitProposal, d.handleSubmitProposal)
	d.server.Handle(control.MsgResolveProposal, d.handleResolveProposal)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return model.InvalidInput("malformed payload: %v", err)
	}
	return nil
}

func (d *Daemon) handlePing(_ context.Context, _ json.RawMessage) (string, any, error) {
	return control.MsgPong, map[string]any{"pid": d.lockPID(), "project": d.projectPath}, nil
}

func (d *Daemon) lockPID() int {
	pid, err := readLockPID(filepath.Join(d.dataDir, LockFileName))
	if err != nil {
		return 0
	}
	return pid
}

func (d *Daemon) handleGetState(_ context.Context, _ json.RawMessage) (string, any, error) {
	return control.MsgStateSnapshot, d.store.StateSnapshot(), nil
}

func (d *Daemon) handleGetActivity(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		Type            string `json:"type,omitempty"`
		EpicID          string `json:"epicId,omitempty"`
		TaskID          string `json:"taskId,omitempty"`
		WorkerID        string `json:"workerId,omitempty"`
		Limit           int    `json:"limit,omitempty"`
		IncludeArchived bool   `json:"includeArchived,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	filter := activity.Filter{
		Type:     req.Type,
		EpicID:   req.EpicID,
		TaskID:   req.TaskID,
		WorkerID: req.WorkerID,
		Limit:    req.Limit,
	}
	events := d.log.Query(filter)

	if req.IncludeArchived && len(events) < req.Limit {
		archive, err := activity.OpenArchive(filepath.Join(d.dataDir, ArchiveDBName))
		if err != nil {
			logging.Warn("failed to open activity archive", "error", err)
		} else {
			defer archive.Close()
			filter.Limit = req.Limit - len(events)
			archived, err := archive.Query(filter)
			if err != nil {
				logging.Warn("archive query failed", "error", err)
			} else {
				events = append(events, archived...)
			}
		}
	}
	return control.MsgActivityLog, map[string]any{"events": events}, nil
}

func (d *Daemon) handleArchiveActivity(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		OlderThanMs int64 `json:"olderThanMs,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	olderThan := d.cfg.Activity.ArchiveAfter
	if req.OlderThanMs > 0 {
		olderThan = time.Duration(req.OlderThanMs) * time.Millisecond
	}

	moved, err := d.log.Archive(time.Now().Add(-olderThan), filepath.Join(d.dataDir, ArchiveDBName))
	if err != nil {
		return "", nil, err
	}
	return control.MsgOK, map[string]any{"archived": moved}, nil
}

func (d *Daemon) handleCreateTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var args state.CreateTaskArgs
	if err := decode(payload, &args); err != nil {
		return "", nil, err
	}
	task, err := d.store.CreateTask(args)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskCreated, task, nil
}

func (d *Daemon) handleUpdateTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID  string           `json:"taskId"`
		Updates state.TaskUpdate `json:"updates"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	task, err := d.store.UpdateTask(req.TaskID, req.Updates)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleDeleteTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	// Clear the timer before the entity it references goes away.
	d.approvals.Cancel(req.TaskID)
	if err := d.store.DeleteTask(req.TaskID); err != nil {
		return "", nil, err
	}
	return state.EvtTaskDeleted, state.Deleted{ID: req.TaskID}, nil
}

func (d *Daemon) handleSetTaskStatus(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID   string       `json:"taskId"`
		Status   model.Status `json:"status"`
		Reason   string       `json:"reason,omitempty"`
		WorkerID string       `json:"workerId,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	if req.Status == "" {
		return "", nil, model.MissingField("status")
	}
	task, err := d.store.SetStatus(req.TaskID, req.Status, req.Reason, req.WorkerID)
	if err != nil {
		return "", nil, err
	}
	if req.Status != model.StatusAwaitingApproval {
		d.approvals.Cancel(req.TaskID)
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleSearchTasks(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		Query  string       `json:"query,omitempty"`
		Status model.Status `json:"status,omitempty"`
		EpicID string       `json:"epicId,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.Status != "" && !req.Status.Valid() {
		return "", nil, model.InvalidInput("unknown status %q", req.Status)
	}
	tasks := d.store.SearchTasks(req.Query, req.Status, req.EpicID)
	return control.MsgTaskList, map[string]any{"tasks": tasks}, nil
}

func (d *Daemon) handleClaimTask(ctx context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		WorkerID   string           `json:"workerId"`
		WorkerType model.WorkerType `json:"workerType,omitempty"`
		Statuses   []model.Status   `json:"statuses,omitempty"`
		EpicID     string           `json:"epicId,omitempty"`
		Replace    bool             `json:"replace,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	result, err := d.claims.Claim(ctx, claim.Request{
		CallerID:   req.WorkerID,
		WorkerType: req.WorkerType,
		Statuses:   req.Statuses,
		EpicID:     req.EpicID,
		Replace:    req.Replace,
	})
	if err != nil {
		return "", nil, err
	}
	return control.MsgClaimResult, result, nil
}

func (d *Daemon) handleWaitForTask(ctx context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		WorkerID   string           `json:"workerId"`
		WorkerType model.WorkerType `json:"workerType,omitempty"`
		Statuses   []model.Status   `json:"statuses,omitempty"`
		EpicID     string           `json:"epicId,omitempty"`
		TimeoutMs  int64            `json:"timeoutMs,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.WorkerID == "" {
		return "", nil, model.MissingField("workerId")
	}
	// The waiter sweep cancels registrations for unknown workers, so make
	// sure the caller exists before registering.
	if _, err := d.store.EnsureWorker(req.WorkerID, req.WorkerType); err != nil {
		return "", nil, err
	}

	res, err := d.waits.Wait(ctx, waitreg.Params{
		CallerID: req.WorkerID,
		Statuses: req.Statuses,
		EpicID:   req.EpicID,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil && res.Kind == "" {
		return "", nil, err
	}
	return control.MsgWaitResult, res, nil
}

func (d *Daemon) handleSubmitPlan(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID   string           `json:"taskId"`
		WorkerID string           `json:"workerId,omitempty"`
		Steps    []state.PlanStep `json:"steps"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}

	task, mode, delayMs, err := d.store.SubmitPlan(req.TaskID, req.WorkerID, req.Steps)
	if err != nil {
		return "", nil, err
	}

	switch mode {
	case model.ApprovalInstant:
		// A blocked instant approval (WIP limit) leaves the task awaiting
		// approval; the caller still gets the submission it just made.
		if approved, approveErr := d.store.ApproveTask(req.TaskID, "auto", true); approveErr != nil {
			logging.Warn("instant approval failed", "task", req.TaskID, "error", approveErr)
		} else {
			task = approved
		}
	case model.ApprovalDelayed:
		d.approvals.Schedule(req.TaskID, time.Duration(delayMs)*time.Millisecond)
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleStartStep(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID   string `json:"taskId"`
		StepID   string `json:"stepId"`
		WorkerID string `json:"workerId,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	if req.StepID == "" {
		return "", nil, model.MissingField("stepId")
	}
	task, err := d.store.StartStep(req.TaskID, req.StepID, req.WorkerID)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleCompleteStep(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID        string   `json:"taskId"`
		StepID        string   `json:"stepId"`
		WorkerID      string   `json:"workerId,omitempty"`
		Note          string   `json:"note,omitempty"`
		ModifiedFiles []string `json:"modifiedFiles,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	if req.StepID == "" {
		return "", nil, model.MissingField("stepId")
	}
	task, err := d.store.CompleteStep(req.TaskID, req.StepID, req.WorkerID, req.Note, req.ModifiedFiles)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleCompleteTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID   string `json:"taskId"`
		WorkerID string `json:"workerId,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	task, err := d.store.CompleteTask(req.TaskID, req.WorkerID)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleApproveTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID string `json:"taskId"`
		By     string `json:"by,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	d.approvals.Cancel(req.TaskID)
	task, err := d.store.ApproveTask(req.TaskID, req.By, false)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleRejectTask(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID    string                 `json:"taskId"`
		By        string                 `json:"by,omitempty"`
		FailedDoD []string               `json:"failedDod,omitempty"`
		Issues    []model.RejectionIssue `json:"issues,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	d.approvals.Cancel(req.TaskID)
	task, err := d.store.RejectTask(req.TaskID, req.By, req.FailedDoD, req.Issues)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleAddComment(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID      string `json:"taskId"`
		AuthorID    string `json:"authorId"`
		Text        string `json:"text"`
		NeedsAnswer bool   `json:"needsAnswer,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	task, err := d.store.AddComment(req.TaskID, req.AuthorID, req.Text, req.NeedsAnswer)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleAnswerComment(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TaskID    string `json:"taskId"`
		CommentID string `json:"commentId"`
		Answer    string `json:"answer"`
		By        string `json:"by,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TaskID == "" {
		return "", nil, model.MissingField("taskId")
	}
	if req.CommentID == "" {
		return "", nil, model.MissingField("commentId")
	}
	task, err := d.store.AnswerComment(req.TaskID, req.CommentID, req.Answer, req.By)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTaskUpdated, task, nil
}

func (d *Daemon) handleCreateEpic(_ context.Context, payload json.RawMessage) (string, any, error) {
	var args state.CreateEpicArgs
	if err := decode(payload, &args); err != nil {
		return "", nil, err
	}
	epic, err := d.store.CreateEpic(args)
	if err != nil {
		return "", nil, err
	}
	return state.EvtEpicCreated, epic, nil
}

func (d *Daemon) handleUpdateEpic(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		EpicID  string           `json:"epicId"`
		Updates state.EpicUpdate `json:"updates"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.EpicID == "" {
		return "", nil, model.MissingField("epicId")
	}
	epic, err := d.store.UpdateEpic(req.EpicID, req.Updates)
	if err != nil {
		return "", nil, err
	}
	return state.EvtEpicUpdated, epic, nil
}

func (d *Daemon) handleDeleteEpic(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		EpicID  string `json:"epicId"`
		Cascade bool   `json:"cascade,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.EpicID == "" {
		return "", nil, model.MissingField("epicId")
	}
	// Cancel timers for tasks that go down with the epic.
	for _, t := range d.store.Tasks() {
		if t.EpicID == req.EpicID {
			d.approvals.Cancel(t.ID)
		}
	}
	deleted, err := d.store.DeleteEpic(req.EpicID, req.Cascade)
	if err != nil {
		return "", nil, err
	}
	return state.EvtEpicDeleted, map[string]any{"id": req.EpicID, "deletedTaskCount": deleted}, nil
}

func (d *Daemon) handleUpdateSettings(_ context.Context, payload json.RawMessage) (string, any, error) {
	var upd state.SettingsUpdate
	if err := decode(payload, &upd); err != nil {
		return "", nil, err
	}
	project, err := d.store.UpdateSettings(upd)
	if err != nil {
		return "", nil, err
	}
	return state.EvtSettingsUpdated, project, nil
}

func (d *Daemon) handleUpdateWorker(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		WorkerID string            `json:"workerId"`
		Updates  state.WorkerUpdate `json:"updates"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.WorkerID == "" {
		return "", nil, model.MissingField("workerId")
	}
	worker, err := d.store.UpdateWorker(req.WorkerID, req.Updates)
	if err != nil {
		return "", nil, err
	}
	return state.EvtWorkerUpdated, worker, nil
}

func (d *Daemon) handleCreateTeam(_ context.Context, payload json.RawMessage) (string, any, error) {
	var args state.CreateTeamArgs
	if err := decode(payload, &args); err != nil {
		return "", nil, err
	}
	team, err := d.store.CreateTeam(args)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTeamCreated, team, nil
}

func (d *Daemon) handleAddTeamMember(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TeamID   string `json:"teamId"`
		WorkerID string `json:"workerId"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TeamID == "" {
		return "", nil, model.MissingField("teamId")
	}
	if req.WorkerID == "" {
		return "", nil, model.MissingField("workerId")
	}
	team, err := d.store.AddTeamMember(req.TeamID, req.WorkerID)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTeamUpdated, team, nil
}

func (d *Daemon) handleRemoveTeamMember(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		TeamID   string `json:"teamId"`
		WorkerID string `json:"workerId"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.TeamID == "" {
		return "", nil, model.MissingField("teamId")
	}
	if req.WorkerID == "" {
		return "", nil, model.MissingField("workerId")
	}
	team, err := d.store.RemoveTeamMember(req.TeamID, req.WorkerID)
	if err != nil {
		return "", nil, err
	}
	return state.EvtTeamUpdated, team, nil
}

func (d *Daemon) handleSubmitProposal(_ context.Context, payload json.RawMessage) (string, any, error) {
	var args state.SubmitProposalArgs
	if err := decode(payload, &args); err != nil {
		return "", nil, err
	}
	proposal, err := d.store.SubmitProposal(args)
	if err != nil {
		return "", nil, err
	}
	return state.EvtProposalCreated, proposal, nil
}

func (d *Daemon) handleResolveProposal(_ context.Context, payload json.RawMessage) (string, any, error) {
	var req struct {
		ProposalID string `json:"proposalId"`
		Approve    bool   `json:"approve"`
		By         string `json:"by,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.ProposalID == "" {
		return "", nil, model.MissingField("proposalId")
	}
	proposal, err := d.store.ResolveProposal(req.ProposalID, req.Approve, req.By)
	if err != nil {
		return "", nil, err
	}
	return state.EvtProposalUpdated, proposal, nil
}
