// Package session owns the lifecycle of chatting and workflow sessions.
// The Store is the single owner of every live session record; the rest of
// the system works with snapshot copies and store-mediated mutation, never
// with shared pointers into the store.
package session

import "time"

// Kind distinguishes the two session families.
type Kind string

const (
	KindChatting Kind = "chatting"
	KindWorkflow Kind = "workflow"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusReady     Status = "READY"
	StatusExecuting Status = "EXECUTING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Active reports whether the session still participates in the runtime.
func (s Status) Active() bool {
	return s == StatusReady || s == StatusExecuting || s == StatusWaiting
}

// Terminal reports whether the session has been finalized.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// EndReason classifies why a session is ending. Finalization maps it onto
// the terminal status.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndCancelled EndReason = "cancelled"
	EndFailed    EndReason = "failed"
)

// terminalStatus maps an end reason to the status a finalized session gets.
// Unknown reasons count as cancelled rather than inventing a status.
func (r EndReason) terminalStatus() Status {
	switch r {
	case EndCompleted:
		return StatusCompleted
	case EndFailed:
		return StatusFailed
	default:
		return StatusCancelled
	}
}

// StepRecord is one entry of a workflow session's step history.
type StepRecord struct {
	StepID        string    `json:"step_id"`
	ResultSummary string    `json:"result_summary"`
	Timestamp     time.Time `json:"timestamp"`
}

// Snapshot is a detached copy of a session's state at lookup time.
// Workflow-only fields are zero for chatting sessions. Mutating a snapshot
// has no effect on the store.
type Snapshot struct {
	ID           string         `json:"session_id"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PendingEnd   bool           `json:"pending_end"`
	EndReason    EndReason      `json:"end_reason,omitempty"`
	EndMessage   string         `json:"end_message,omitempty"`

	WorkflowType string       `json:"workflow_type,omitempty"`
	Command      string       `json:"command,omitempty"`
	CurrentStep  string       `json:"current_step,omitempty"`
	StepHistory  []StepRecord `json:"step_history,omitempty"`
}
