// Package control provides the daemon's change-broadcast control plane: a
// line-framed JSON protocol where every message carries a type tag, mutations
// are broadcast to all connected clients, and long-polls never block the
// connection they arrived on.
package control

import "encoding/json"

// Message is an inbound client message. Payload shape depends on Type.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is an outbound message. Replies to a request echo its ID; broadcast
// messages carry no ID.
type Reply struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an ERROR reply.
type ErrorPayload struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Inbound message types.
const (
	MsgPing        = "PING"
	MsgGetState    = "GET_STATE"
	MsgGetActivity = "GET_ACTIVITY"

	MsgCreateTask    = "CREATE_TASK"
	MsgUpdateTask    = "UPDATE_TASK"
	MsgDeleteTask    = "DELETE_TASK"
	MsgSetTaskStatus = "SET_TASK_STATUS"
	MsgSearchTasks   = "SEARCH_TASKS"

	MsgClaimTask   = "CLAIM_TASK"
	MsgWaitForTask = "WAIT_FOR_TASK"

	MsgSubmitPlan   = "SUBMIT_PLAN"
	MsgStartStep    = "START_STEP"
	MsgCompleteStep = "COMPLETE_STEP"
	MsgCompleteTask = "COMPLETE_TASK"
	MsgApproveTask  = "APPROVE_TASK"
	MsgRejectTask   = "REJECT_TASK"

	MsgAddComment    = "ADD_COMMENT"
	MsgAnswerComment = "ANSWER_COMMENT"

	MsgCreateEpic = "CREATE_EPIC"
	MsgUpdateEpic = "UPDATE_EPIC"
	MsgDeleteEpic = "DELETE_EPIC"

	MsgUpdateSettings = "UPDATE_SETTINGS"
	MsgUpdateWorker   = "UPDATE_WORKER"

	MsgCreateTeam       = "CREATE_TEAM"
	MsgAddTeamMember    = "ADD_TEAM_MEMBER"
	MsgRemoveTeamMember = "REMOVE_TEAM_MEMBER"

	MsgSubmitProposal  = "SUBMIT_PROPOSAL"
	MsgResolveProposal = "RESOLVE_PROPOSAL"

	MsgArchiveActivity = "ARCHIVE_ACTIVITY"
)

// Outbound message types not tied to an entity lifecycle. Entity lifecycle
// types (*_CREATED, *_UPDATED, *_DELETED, SETTINGS_UPDATED, STATE_RELOADED)
// come from the state package's change events and pass through verbatim.
const (
	MsgPong           = "PONG"
	MsgError          = "ERROR"
	MsgStateSnapshot  = "STATE_SNAPSHOT"
	MsgActivityLog    = "ACTIVITY_LOG"
	MsgWaitResult     = "WAIT_RESULT"
	MsgTaskList       = "TASK_LIST"
	MsgClaimResult    = "CLAIM_RESULT"
	MsgOK             = "OK"
	MsgServerShutdown = "SERVER_SHUTDOWN"
)
