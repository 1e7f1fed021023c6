// Package workflow implements declarative step-graph workflows: step
// templates, workflow definitions with guarded transitions, the engine
// that interprets them, and the manager that owns live engines per
// session.
package workflow

// StepResult is the outcome of executing one step. Steps communicate
// every outcome through it; errors are reserved for programmer mistakes
// and persistence faults, never for step control flow.
//
// Construct results with the factory functions below, then refine with
// the With* modifiers.
type StepResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// Terminal markers. Cancel and Complete end the workflow; a failed
	// result (Success=false) stops the current advance.
	Cancel   bool `json:"cancel,omitempty"`
	Complete bool `json:"complete,omitempty"`

	// Routing overrides, consulted before the definition's transitions.
	NextStep string `json:"next_step,omitempty"`
	SkipTo   string `json:"skip_to,omitempty"`

	// ContinueCurrentStep keeps the engine on the same step (loop and
	// re-prompt idiom).
	ContinueCurrentStep bool `json:"continue_current_step,omitempty"`

	// LLMReviewData carries the context the LLM needs to approve, modify
	// or cancel a gated step.
	LLMReviewData map[string]any `json:"llm_review_data,omitempty"`

	// RequiresUserConfirmation marks a suspension point: the engine will
	// not advance until the user supplies input.
	RequiresUserConfirmation bool `json:"requires_user_confirmation,omitempty"`

	// RequiresLLMProcessing marks an LLM-processing step waiting for the
	// external LLM to populate its output key.
	RequiresLLMProcessing bool `json:"requires_llm_processing,omitempty"`
}

// Success builds a successful result.
func Success(message string, data map[string]any) *StepResult {
	return &StepResult{Success: true, Message: message, Data: data}
}

// Failure builds a failed result. The engine stops advancing and the
// workflow fails.
func Failure(message string) *StepResult {
	return &StepResult{Success: false, Message: message}
}

// CancelWorkflow builds a result that terminates the workflow as
// cancelled.
func CancelWorkflow(message string) *StepResult {
	return &StepResult{Success: true, Message: message, Cancel: true}
}

// CompleteWorkflow builds a result that terminates the workflow as
// completed.
func CompleteWorkflow(message string, data map[string]any) *StepResult {
	return &StepResult{Success: true, Message: message, Data: data, Complete: true}
}

// SkipTo builds a successful result that jumps to an explicit step,
// bypassing the definition's transitions. target may be EndStep.
func SkipTo(target, message string) *StepResult {
	return &StepResult{Success: true, Message: message, SkipTo: target}
}

// WithContinue keeps the engine on the current step.
func (r *StepResult) WithContinue() *StepResult {
	r.ContinueCurrentStep = true
	return r
}

// WithNextStep overrides the transition table for this advance only.
func (r *StepResult) WithNextStep(stepID string) *StepResult {
	r.NextStep = stepID
	return r
}

// WithData merges additional keys into the result data.
func (r *StepResult) WithData(key string, value any) *StepResult {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[key] = value
	return r
}

// WithUserConfirmation marks the result as waiting for user input.
func (r *StepResult) WithUserConfirmation() *StepResult {
	r.RequiresUserConfirmation = true
	return r
}

// WithLLMProcessing marks the result as waiting for the external LLM.
func (r *StepResult) WithLLMProcessing() *StepResult {
	r.RequiresLLMProcessing = true
	return r
}

// Terminal reports whether the result ends the workflow or stops the
// advance: cancelled, completed, or failed.
func (r *StepResult) Terminal() bool {
	return r.Cancel || r.Complete || !r.Success
}
