package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/kora-assist/kora/pkg/bus"
)

// maxAdvanceDepth bounds chained auto-advances and discovery so a
// miswired step graph cannot recurse forever.
const maxAdvanceDepth = 100

// ReviewAction is the LLM's ruling on a step held at the review gate.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewModify  ReviewAction = "modify"
	ReviewCancel  ReviewAction = "cancel"
)

// EventSink is where the engine publishes workflow events. *bus.Bus
// satisfies it; a nil sink silences the engine (background execution).
type EventSink interface {
	Publish(kind bus.Kind, source string, data map[string]any) bus.Event
}

// Hooks connect the engine to session bookkeeping without giving it the
// session store. Nil funcs are skipped.
type Hooks struct {
	// Record appends to the session's step history.
	Record func(stepID, summary string)
	// SetStep tracks the session's current step id.
	SetStep func(stepID string)
}

// Engine interprets one workflow definition for one session. An engine
// exists only while its session is active; the manager discards it on
// cancel or at the cycle boundary after the session ends.
type Engine struct {
	mu     sync.Mutex
	def    *Definition
	run    *Run
	events EventSink
	hooks  Hooks

	current        string
	complete       bool
	cancelled      bool
	failed         bool
	failureMessage string

	awaitingReview bool
	pendingReview  *StepResult
	pendingNext    string
	reviewStepID   string

	// suppressEvents silences per-step events during effective-first-step
	// discovery. Failure events always get through.
	suppressEvents bool

	executed []string
}

// NewEngine creates an engine positioned at the definition's entry point.
// The definition must already be validated.
func NewEngine(def *Definition, run *Run, events EventSink, hooks Hooks) *Engine {
	return &Engine{
		def:     def,
		run:     run,
		events:  events,
		hooks:   hooks,
		current: def.EntryPoint,
	}
}

// SessionID returns the owning session's id.
func (e *Engine) SessionID() string { return e.run.SessionID }

// WorkflowType returns the definition's workflow type.
func (e *Engine) WorkflowType() string { return e.def.Type }

// Definition returns the interpreted definition.
func (e *Engine) Definition() *Definition { return e.def }

// Run returns the engine's execution environment.
func (e *Engine) Run() *Run { return e.run }

// CurrentStep returns the current step, or false when the workflow has
// terminated.
func (e *Engine) CurrentStep() (Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == "" {
		return nil, false
	}
	step, ok := e.def.Steps[e.current]
	return step, ok
}

// CurrentStepID returns the current step id, "" after termination.
func (e *Engine) CurrentStepID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// PeekNextStep returns the likely next step id from the transition table:
// the unconditional edge when present, otherwise the first listed edge.
// Guarded edges cannot be resolved without a result, so this is a hint.
func (e *Engine) PeekNextStep() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == "" {
		return ""
	}
	return firstTarget(e.def.Transitions[e.current])
}

// Prompt returns the current step's user-facing prompt, "" when the
// workflow has terminated or the step is not interactive.
func (e *Engine) Prompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == "" {
		return ""
	}
	step, ok := e.def.Steps[e.current]
	if !ok {
		return ""
	}
	return step.Prompt(e.run)
}

// AwaitingReview reports whether a step result is held at the LLM review
// gate.
func (e *Engine) AwaitingReview() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitingReview
}

// ReviewData returns the pending review context, nil when no review is
// pending.
func (e *Engine) ReviewData() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.awaitingReview || e.pendingReview == nil {
		return nil
	}
	return e.pendingReview.LLMReviewData
}

// RequiresInput reports whether the engine is parked on an interactive
// step that genuinely needs user input.
func (e *Engine) RequiresInput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doneLocked() || e.awaitingReview || e.current == "" {
		return false
	}
	step, ok := e.def.Steps[e.current]
	return ok && step.Type() == StepInteractive && !step.ShouldSkip(e.run)
}

// Done reports whether the workflow has terminated (complete, cancelled
// or failed).
func (e *Engine) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doneLocked()
}

// Complete reports normal termination.
func (e *Engine) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

// Cancelled reports cancellation.
func (e *Engine) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Failed reports failure.
func (e *Engine) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// ExecutedSteps returns a copy of the executed step ids in execution
// order. Skipped interactive steps count as executed.
func (e *Engine) ExecutedSteps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.executed))
	copy(out, e.executed)
	return out
}

// Status returns a snapshot of engine state for tool responses.
func (e *Engine) Status() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	executed := make([]string, len(e.executed))
	copy(executed, e.executed)
	return map[string]any{
		"session_id":      e.run.SessionID,
		"workflow_type":   e.def.Type,
		"mode":            string(e.def.Mode),
		"current_step":    e.current,
		"complete":        e.complete,
		"cancelled":       e.cancelled,
		"failed":          e.failed,
		"failure_message": e.failureMessage,
		"awaiting_review": e.awaitingReview,
		"executed_steps":  executed,
		"step_count":      len(e.def.Steps),
	}
}

// Start advances from the entry point through every step executable
// without user input, stopping at the first step that genuinely requires
// input, at a suspension point, or at workflow completion. Per-step
// events are suppressed during this discovery; completion publishes one
// aggregate WORKFLOW_STEP_COMPLETED.
func (e *Engine) Start(ctx context.Context) *StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.suppressEvents = true
	var result *StepResult
	for i := 0; i < maxAdvanceDepth; i++ {
		if e.doneLocked() || e.current == "" {
			break
		}
		step, ok := e.def.Steps[e.current]
		if !ok {
			break
		}
		if step.Type() == StepInteractive && !step.ShouldSkip(e.run) {
			result = Success(step.Prompt(e.run), nil).
				WithContinue().
				WithUserConfirmation()
			break
		}

		result = e.processLocked(ctx, nil, 0)
		if result.Terminal() || result.ContinueCurrentStep ||
			result.RequiresUserConfirmation || e.awaitingReview {
			break
		}
	}
	e.suppressEvents = false

	if result == nil {
		if e.doneLocked() {
			return CompleteWorkflow("workflow already complete", nil)
		}
		e.complete = true
		e.current = ""
		e.setStep("")
		result = CompleteWorkflow("workflow has no executable steps", nil)
	}
	if e.complete {
		e.publishStepCompleted(e.lastExecuted(), result, true)
	}
	return result
}

// ProcessInput drives the engine with the given user input. A nil input
// means no input is available: skippable steps collapse, genuine
// interactive steps suspend.
func (e *Engine) ProcessInput(ctx context.Context, input *string) *StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.awaitingReview {
		return Failure("a step is awaiting llm review")
	}
	return e.processLocked(ctx, input, 0)
}

// HandleReviewResponse resolves the review gate with the LLM's ruling.
func (e *Engine) HandleReviewResponse(ctx context.Context, action ReviewAction, modifiedParams map[string]any) *StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.awaitingReview {
		return Failure("no step awaiting review")
	}

	switch action {
	case ReviewCancel:
		e.clearReview()
		e.cancelled = true
		e.current = ""
		e.setStep("")
		return CancelWorkflow("cancelled by llm review")

	case ReviewModify, ReviewApprove:
		if action == ReviewModify {
			for k, v := range modifiedParams {
				e.run.Data.Set(k, v)
			}
		}
		result := e.pendingReview
		next := e.pendingNext
		stepID := e.reviewStepID
		e.clearReview()

		if next == EndStep || next == "" {
			e.complete = true
			e.current = ""
			e.setStep("")
			result.Complete = true
			e.publishStepCompleted(stepID, result, true)
			return result
		}

		e.publishStepCompleted(stepID, result, false)
		e.current = next
		e.setStep(next)

		if e.def.AutoAdvanceOnApproval {
			return e.processLocked(ctx, nil, 0)
		}
		return result

	default:
		return Failure(fmt.Sprintf("unknown review action %q", action))
	}
}

// CancelNow terminates the workflow immediately at the engine level.
// Session teardown still defers to the cycle boundary.
func (e *Engine) CancelNow(message string) *StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doneLocked() {
		return CancelWorkflow("workflow already terminated")
	}
	e.clearReview()
	e.cancelled = true
	e.current = ""
	e.setStep("")
	return CancelWorkflow(message)
}

// processLocked is the single-step advance algorithm. Caller holds e.mu.
func (e *Engine) processLocked(ctx context.Context, input *string, depth int) *StepResult {
	if depth >= maxAdvanceDepth {
		e.failed = true
		e.failureMessage = "auto-advance depth exceeded"
		e.publishFailed(e.current, e.failureMessage)
		return Failure(e.failureMessage)
	}
	if e.doneLocked() || e.current == "" {
		return CompleteWorkflow("workflow already complete", nil)
	}

	step, ok := e.def.Steps[e.current]
	if !ok {
		e.failed = true
		e.failureMessage = fmt.Sprintf("unknown step %q", e.current)
		e.publishFailed(e.current, e.failureMessage)
		return Failure(e.failureMessage)
	}

	// A genuine interactive step with no input available suspends the
	// engine; the prompt rides back as the result message.
	if step.Type() == StepInteractive && input == nil && !step.ShouldSkip(e.run) {
		return Success(step.Prompt(e.run), nil).
			WithContinue().
			WithUserConfirmation()
	}

	result := step.Execute(ctx, e.run, input)
	if result == nil {
		result = Failure(fmt.Sprintf("step %s returned no result", step.ID()))
	}

	e.executed = append(e.executed, step.ID())
	e.record(step.ID(), result.Message)

	// Terminal outcomes, in order: cancel, complete, failure.
	if result.Cancel {
		e.cancelled = true
		e.current = ""
		e.setStep("")
		return result
	}
	if result.Complete {
		e.complete = true
		e.current = ""
		e.setStep("")
		e.publishStepCompleted(step.ID(), result, true)
		return result
	}
	if !result.Success {
		e.failed = true
		e.failureMessage = result.Message
		e.publishFailed(step.ID(), result.Message)
		return result
	}

	// Loop and suspension idiom: remain on the current step.
	if result.ContinueCurrentStep {
		return result
	}

	next := e.resolveNext(step.ID(), result)

	// Review gate: mutating steps are held until the LLM rules.
	if e.def.RequiresLLMReview && reviewable(step) {
		e.awaitingReview = true
		e.reviewStepID = step.ID()
		e.pendingNext = next
		e.pendingReview = result
		result.LLMReviewData = map[string]any{
			"session_id":    e.run.SessionID,
			"workflow_type": e.def.Type,
			"step_id":       step.ID(),
			"message":       result.Message,
			"data":          result.Data,
			"next_step":     next,
		}
		return result
	}

	// END or a dead end completes the workflow.
	if next == EndStep || next == "" {
		e.complete = true
		e.current = ""
		e.setStep("")
		result.Complete = true
		e.publishStepCompleted(step.ID(), result, true)
		return result
	}

	e.publishStepCompleted(step.ID(), result, false)
	e.current = next
	e.setStep(next)

	// Auto-advance drives the following non-interactive step without a
	// fresh user turn.
	if e.def.AutoAdvanceOnApproval || step.AutoAdvance() {
		return e.processLocked(ctx, nil, depth+1)
	}
	return result
}

// resolveNext picks the next step id: result overrides first (skip_to,
// then next_step), then the first guard that accepts the result, then the
// unconditional transition.
func (e *Engine) resolveNext(from string, result *StepResult) string {
	if result.SkipTo != "" {
		return result.SkipTo
	}
	if result.NextStep != "" {
		return result.NextStep
	}
	transitions := e.def.Transitions[from]
	for _, t := range transitions {
		if t.Guard != nil && t.Guard(result) {
			return t.To
		}
	}
	for _, t := range transitions {
		if t.Guard == nil {
			return t.To
		}
	}
	return ""
}

// reviewable reports whether the review gate applies: steps that mutate
// state (processing, system, llm) are gated; input collection is not.
func reviewable(step Step) bool {
	switch step.Type() {
	case StepProcessing, StepSystem, StepLLMProcessing:
		return true
	default:
		return false
	}
}

func (e *Engine) doneLocked() bool {
	return e.complete || e.cancelled || e.failed
}

func (e *Engine) clearReview() {
	e.awaitingReview = false
	e.pendingReview = nil
	e.pendingNext = ""
	e.reviewStepID = ""
}

func (e *Engine) lastExecuted() string {
	if len(e.executed) == 0 {
		return ""
	}
	return e.executed[len(e.executed)-1]
}

func (e *Engine) record(stepID, summary string) {
	if e.hooks.Record != nil {
		e.hooks.Record(stepID, summary)
	}
}

func (e *Engine) setStep(stepID string) {
	if e.hooks.SetStep != nil {
		e.hooks.SetStep(stepID)
	}
}

func (e *Engine) publishStepCompleted(stepID string, result *StepResult, complete bool) {
	if e.events == nil || e.suppressEvents {
		return
	}
	executed := make([]string, len(e.executed))
	copy(executed, e.executed)
	e.events.Publish(bus.KindWorkflowStepCompleted, "workflow_engine", map[string]any{
		"session_id":     e.run.SessionID,
		"workflow_type":  e.def.Type,
		"step_id":        stepID,
		"message":        result.Message,
		"success":        result.Success,
		"complete":       complete,
		"executed_steps": executed,
	})
}

// publishFailed bypasses discovery suppression: failures must surface
// even during pre-flight execution.
func (e *Engine) publishFailed(stepID, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.KindWorkflowFailed, "workflow_engine", map[string]any{
		"session_id":    e.run.SessionID,
		"workflow_type": e.def.Type,
		"step_id":       stepID,
		"error":         message,
	})
}
