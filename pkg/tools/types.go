package tools

// Request and response records for the tool surface. Each tool is a
// typed method on Service; the transport's only job is decoding into
// these structs and encoding the result back out.

// StartWorkflowRequest starts a workflow by type.
type StartWorkflowRequest struct {
	WorkflowType string         `json:"workflow_type"`
	Command      string         `json:"command,omitempty"`
	InitialData  map[string]any `json:"initial_data,omitempty"`
}

// StartWorkflowResponse reports how the start went. Direct workflows get
// a session id; background workflows get a task id instead.
type StartWorkflowResponse struct {
	SessionID             string `json:"session_id,omitempty"`
	TaskID                string `json:"task_id,omitempty"`
	Background            bool   `json:"background,omitempty"`
	RequiresInput         bool   `json:"requires_input"`
	CurrentStepPrompt     string `json:"current_step_prompt,omitempty"`
	WorkflowStepsOverview string `json:"workflow_steps_overview,omitempty"`
	AutoContinue          bool   `json:"auto_continue"`
}

// ContinueWorkflowRequest feeds user input to a waiting workflow. The
// empty string is valid input; presence of the call is what continues
// the workflow.
type ContinueWorkflowRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

// CancelWorkflowRequest cancels a workflow immediately.
type CancelWorkflowRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ReviewRequest resolves a step held for LLM review. ModifiedParams is
// only read by ModifyStep.
type ReviewRequest struct {
	SessionID      string         `json:"session_id"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
}

// StepResponse is the shared result shape for continue, review, and
// cancel calls.
type StepResponse struct {
	SessionID     string         `json:"session_id"`
	Status        string         `json:"status"`
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	RequiresInput bool           `json:"requires_input"`
	Prompt        string         `json:"prompt,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	LLMReviewData map[string]any `json:"llm_review_data,omitempty"`
}

// Step response status values.
const (
	StatusExecuting      = "executing"
	StatusWaitingInput   = "waiting_input"
	StatusAwaitingReview = "awaiting_review"
	StatusAwaitingLLM    = "awaiting_llm"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
	StatusFailed         = "failed"
)

// EndSessionRequest flags a session to end at the next cycle boundary.
// Reason is one of completed, cancelled, failed; empty means completed.
type EndSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EndSessionResponse confirms the pending end.
type EndSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// StatusRequest asks for a workflow session's current state.
type StatusRequest struct {
	SessionID string `json:"session_id"`
}
