package model

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusBacklog          Status = "BACKLOG"
	StatusPlanning         Status = "PLANNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusWorking          Status = "WORKING"
	StatusReview           Status = "REVIEW"
	StatusDeploying        Status = "DEPLOYING"
	StatusDone             Status = "DONE"
	StatusArchived         Status = "ARCHIVED"
)

// AllStatuses returns all valid task statuses.
func AllStatuses() []Status {
	return []Status{
		StatusBacklog,
		StatusPlanning,
		StatusAwaitingApproval,
		StatusWorking,
		StatusReview,
		StatusDeploying,
		StatusDone,
		StatusArchived,
	}
}

// transitions defines the allowed status transitions.
var transitions = map[Status][]Status{
	StatusBacklog:          {StatusPlanning, StatusWorking},
	StatusPlanning:         {StatusAwaitingApproval, StatusBacklog},
	StatusAwaitingApproval: {StatusWorking, StatusPlanning},
	StatusWorking:          {StatusReview, StatusPlanning, StatusBacklog},
	StatusReview:           {StatusDone, StatusDeploying, StatusWorking, StatusBacklog},
	StatusDeploying:        {StatusDone, StatusWorking, StatusBacklog},
	StatusDone:             {StatusBacklog, StatusWorking, StatusDeploying, StatusArchived},
	StatusArchived:         {StatusBacklog, StatusWorking},
}

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s may transition to target.
// A same-state transition is always allowed (treated as a no-op by callers).
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses s may transition to.
func (s Status) AllowedTargets() []Status {
	return transitions[s]
}

// IsReopen reports whether moving from s to target counts as a reopen:
// leaving a post-review status for an earlier working status.
func IsReopen(from, to Status) bool {
	switch from {
	case StatusReview, StatusDeploying, StatusDone:
	default:
		return false
	}
	switch to {
	case StatusWorking, StatusBacklog, StatusPlanning:
		return true
	}
	return false
}

// Priority orders tasks for claiming; lower rank claims first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank returns the claim-ordering rank for p. Unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
)

// WorkerStatus reflects what a worker process reports itself doing.
type WorkerStatus string

const (
	WorkerIdle             WorkerStatus = "IDLE"
	WorkerReadingContext   WorkerStatus = "READING_CONTEXT"
	WorkerPlanning         WorkerStatus = "PLANNING"
	WorkerAwaitingApproval WorkerStatus = "AWAITING_APPROVAL"
	WorkerCoding           WorkerStatus = "CODING"
	WorkerBlocked          WorkerStatus = "BLOCKED"
)

// WorkerType is the role a worker plays.
type WorkerType string

const (
	WorkerTypeArchitect WorkerType = "architect"
	WorkerTypeWorker    WorkerType = "worker"
	WorkerTypeQA        WorkerType = "qa"
)

// EpicStatus is the lifecycle state of an epic.
type EpicStatus string

const (
	EpicPlanned   EpicStatus = "planned"
	EpicActive    EpicStatus = "active"
	EpicCompleted EpicStatus = "completed"
)

// ApprovalMode controls what happens when a plan is submitted.
type ApprovalMode string

const (
	ApprovalManual  ApprovalMode = "manual"
	ApprovalDelayed ApprovalMode = "delayed"
	ApprovalInstant ApprovalMode = "instant"
)

// Valid reports whether m is a known approval mode.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalManual, ApprovalDelayed, ApprovalInstant:
		return true
	}
	return false
}

// ProposalStatus is the lifecycle state of a rail proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// RailScope identifies what a rail proposal targets.
type RailScope string

const (
	ScopeGlobal RailScope = "global"
	ScopeEpic   RailScope = "epic"
	ScopeTask   RailScope = "task"
)
