// Package model defines the entities the daemon coordinates and the rules
// that govern them: the task status machine, claim priorities, and the
// recoverable error kinds reported back to callers.
package model

import "time"

// Timestamp formats t as the ISO-8601 string used in all persisted records.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current time as a persisted-record timestamp.
func Now() string {
	return Timestamp(time.Now())
}

// SchemaVersion is the on-disk project record version this build reads and writes.
const SchemaVersion = 4

// Rails is a set of policy constraints checked against submitted plans.
type Rails struct {
	Forbidden []string `json:"forbidden,omitempty"`
	Required  []string `json:"required,omitempty"`
}

// Empty reports whether the rails carry no patterns.
func (r Rails) Empty() bool {
	return len(r.Forbidden) == 0 && len(r.Required) == 0
}

// Merge returns r with other's patterns appended.
func (r Rails) Merge(other Rails) Rails {
	return Rails{
		Forbidden: append(append([]string{}, r.Forbidden...), other.Forbidden...),
		Required:  append(append([]string{}, r.Required...), other.Required...),
	}
}

// Settings are the operational knobs stored on the project record.
type Settings struct {
	ApprovalMode    ApprovalMode   `json:"approvalMode"`
	ApprovalDelayMs int            `json:"approvalDelayMs"`
	BranchPattern   string         `json:"branchPattern"`
	CommitPattern   string         `json:"commitPattern"`
	WIPLimits       map[Status]int `json:"wipLimits,omitempty"`
}

// Project is the root record for a managed directory.
type Project struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	TechStack     []string `json:"techStack,omitempty"`
	FormatCommand string   `json:"formatCommand,omitempty"`
	TestCommand   string   `json:"testCommand,omitempty"`
	Rails         Rails    `json:"rails"`
	Settings      Settings `json:"settings"`
	SchemaVersion int      `json:"schemaVersion"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
}

// Epic groups tasks into a unit of work.
type Epic struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	ArchitectureNotes string     `json:"architectureNotes,omitempty"`
	Rails             Rails      `json:"rails"`
	Status            EpicStatus `json:"status"`
	Order             int        `json:"order"`
	CreatedAt         string     `json:"createdAt"`
	UpdatedAt         string     `json:"updatedAt"`
}

// Step is an ordered sub-unit of a task's implementation plan.
type Step struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         StepStatus `json:"status"`
	AffectedFiles  []string   `json:"affectedFiles,omitempty"`
	CompletionNote string     `json:"completionNote,omitempty"`
	ModifiedFiles  []string   `json:"modifiedFiles,omitempty"`
}

// RejectionIssue is one typed problem reported when QA rejects a task.
type RejectionIssue struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Rejection holds structured detail about why a task was sent back.
type Rejection struct {
	FailedDoD  []string         `json:"failedDod,omitempty"`
	Issues     []RejectionIssue `json:"issues,omitempty"`
	RejectedBy string           `json:"rejectedBy,omitempty"`
	RejectedAt string           `json:"rejectedAt"`
}

// Comment is one entry in a task's discussion thread.
type Comment struct {
	ID          string `json:"id"`
	AuthorID    string `json:"authorId"`
	Text        string `json:"text"`
	NeedsAnswer bool   `json:"needsAnswer,omitempty"`
	Answer      string `json:"answer,omitempty"`
	AnsweredAt  string `json:"answeredAt,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Task is the primary work item.
type Task struct {
	ID               string            `json:"id"`
	EpicID           string            `json:"epicId"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	DefinitionOfDone []string          `json:"definitionOfDone,omitempty"`
	Rails            Rails             `json:"rails"`
	Plan             []Step            `json:"plan,omitempty"`
	Status           Status            `json:"status"`
	AssignedWorkerID string            `json:"assignedWorkerId,omitempty"`
	Priority         Priority          `json:"priority"`
	Order            int               `json:"order"`
	ReopenCount      int               `json:"reopenCount"`
	ReopenReason     string            `json:"reopenReason,omitempty"`
	Rejection        *Rejection        `json:"rejection,omitempty"`
	Comments         []Comment         `json:"comments,omitempty"`
	AwaitingAnswer   bool              `json:"awaitingAnswer,omitempty"`
	StatusTimes      map[Status]string `json:"statusTimes,omitempty"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
}

// Assigned reports whether the task currently has a worker.
func (t *Task) Assigned() bool {
	return t.AssignedWorkerID != ""
}

// StepByID returns the plan step with the given id, or nil.
func (t *Task) StepByID(id string) *Step {
	for i := range t.Plan {
		if t.Plan[i].ID == id {
			return &t.Plan[i]
		}
	}
	return nil
}

// Worker is a registered agent instance.
type Worker struct {
	ID         string       `json:"id"`
	Type       WorkerType   `json:"type"`
	EpicID     string       `json:"epicId,omitempty"`
	TaskID     string       `json:"taskId,omitempty"`
	Status     WorkerStatus `json:"status"`
	LastError  string       `json:"lastError,omitempty"`
	ErrorCount int          `json:"errorCount"`
	TeamID     string       `json:"teamId,omitempty"`
	CreatedAt  string       `json:"createdAt"`
	UpdatedAt  string       `json:"updatedAt"`
}

// Team is a named grouping of workers.
type Team struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      WorkerType `json:"role,omitempty"`
	Capacity  int        `json:"capacity"`
	Members   []string   `json:"members,omitempty"`
	CreatedAt string     `json:"createdAt"`
	UpdatedAt string     `json:"updatedAt"`
}

// HasMember reports whether workerID belongs to the team.
func (t *Team) HasMember(workerID string) bool {
	for _, m := range t.Members {
		if m == workerID {
			return true
		}
	}
	return false
}

// RailProposal is a worker-submitted request to change policy rails.
type RailProposal struct {
	ID         string         `json:"id"`
	WorkerID   string         `json:"workerId"`
	Scope      RailScope      `json:"scope"`
	TargetID   string         `json:"targetId,omitempty"`
	Rails      Rails          `json:"rails"`
	Reason     string         `json:"reason,omitempty"`
	Status     ProposalStatus `json:"status"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt string         `json:"resolvedAt,omitempty"`
	CreatedAt  string         `json:"createdAt"`
}

// ActivityEvent is one immutable entry in the append-only activity log.
type ActivityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EpicID    string         `json:"epicId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	WorkerID  string         `json:"workerId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Activity event types appended by the state store and coordinators.
const (
	EventProjectInitialized = "project_initialized"
	EventProjectReloaded    = "project_reloaded"
	EventSettingsUpdated    = "settings_updated"
	EventEpicCreated        = "epic_created"
	EventEpicUpdated        = "epic_updated"
	EventEpicDeleted        = "epic_deleted"
	EventTaskCreated        = "task_created"
	EventTaskUpdated        = "task_updated"
	EventTaskDeleted        = "task_deleted"
	EventTaskClaimed        = "task_claimed"
	EventTaskStarted        = "task_started"
	EventTaskCompleted      = "task_completed"
	EventTaskReopened       = "task_reopened"
	EventTaskArchived       = "task_archived"
	EventPlanSubmitted      = "plan_submitted"
	EventPlanApproved       = "plan_approved"
	EventPlanRejected       = "plan_rejected"
	EventAutoApproved       = "plan_auto_approved"
	EventAutoApproveFailed  = "plan_auto_approve_failed"
	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventCommentAdded       = "comment_added"
	EventQuestionAnswered   = "question_answered"
	EventWorkerRegistered   = "worker_registered"
	EventWorkerUpdated      = "worker_updated"
	EventTeamCreated        = "team_created"
	EventTeamUpdated        = "team_updated"
	EventProposalSubmitted  = "proposal_submitted"
	EventProposalResolved   = "proposal_resolved"
)
