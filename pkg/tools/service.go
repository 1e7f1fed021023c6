// Package tools is the typed tool-call surface the LLM drives workflows
// through. Every tool is a method taking a typed request and returning a
// typed response; validation happens here, at the boundary, so the
// engine below never sees a malformed call.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kora-assist/kora/pkg/background"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/session"
	"github.com/kora-assist/kora/pkg/workctx"
	"github.com/kora-assist/kora/pkg/workflow"
)

// ErrInvalidRequest is returned for requests that fail boundary
// validation.
var ErrInvalidRequest = errors.New("invalid tool request")

// TaskTracker is the slice of the controller's registry the tool layer
// uses to register background submissions.
type TaskTracker interface {
	Track(taskID, workflowType, sessionID string)
}

// Service implements the tool surface over the workflow manager, the
// session store, and the background executor.
type Service struct {
	cfg      *config.Config
	defs     workflow.DefinitionSource
	manager  *workflow.Manager
	store    *session.Store
	executor *background.Executor
	tracker  TaskTracker
	global   *workctx.Context
}

// New wires the tool service. executor and tracker may be nil when
// background execution is not deployed.
func New(cfg *config.Config, defs workflow.DefinitionSource, manager *workflow.Manager, store *session.Store, executor *background.Executor, tracker TaskTracker, global *workctx.Context) *Service {
	return &Service{
		cfg:      cfg,
		defs:     defs,
		manager:  manager,
		store:    store,
		executor: executor,
		tracker:  tracker,
		global:   global,
	}
}

// StartWorkflow starts a workflow. Direct workflows get a session and a
// live engine; background workflows are handed to the executor and
// report a task id. Missing initial parameters are filled in by the
// workflow's inference rules before anything starts.
func (s *Service) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*StartWorkflowResponse, error) {
	if req.WorkflowType == "" {
		return nil, fmt.Errorf("%w: workflow_type is required", ErrInvalidRequest)
	}
	def, ok := s.defs.Definition(req.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, req.WorkflowType)
	}

	initial := s.inferParams(req.WorkflowType, req.InitialData)

	if def.Mode == workflow.ModeBackground {
		return s.startBackground(ctx, def, req.Command, initial)
	}

	outcome, err := s.manager.StartWorkflow(ctx, req.WorkflowType, req.Command, initial)
	if err != nil {
		return nil, err
	}
	return &StartWorkflowResponse{
		SessionID:             outcome.SessionID,
		RequiresInput:         outcome.RequiresInput,
		CurrentStepPrompt:     outcome.Prompt,
		WorkflowStepsOverview: outcome.Overview,
		AutoContinue:          outcome.AutoContinue,
	}, nil
}

// startBackground builds a detached engine (no session, silent sink) and
// submits it to the executor.
func (s *Service) startBackground(ctx context.Context, def *workflow.Definition, command string, initial map[string]any) (*StartWorkflowResponse, error) {
	if s.executor == nil {
		return nil, fmt.Errorf("%w: background execution is not available", ErrInvalidRequest)
	}

	run := &workflow.Run{
		WorkflowType: def.Type,
		Command:      command,
		Data:         workctx.NewFrom(initial),
		Global:       s.global,
	}
	eng := workflow.NewEngine(def, run, nil, workflow.Hooks{})

	taskID, err := s.executor.Submit(ctx, eng, map[string]any{
		"command": command,
		"origin":  "tool_call",
	})
	if err != nil {
		return nil, err
	}
	if s.tracker != nil {
		s.tracker.Track(taskID, def.Type, "")
	}

	return &StartWorkflowResponse{
		TaskID:                taskID,
		Background:            true,
		AutoContinue:          true,
		WorkflowStepsOverview: def.Overview(),
	}, nil
}

// ContinueWorkflow feeds user input to a waiting workflow.
func (s *Service) ContinueWorkflow(ctx context.Context, req ContinueWorkflowRequest) (*StepResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	result, err := s.manager.ContinueWorkflow(ctx, req.SessionID, req.UserInput)
	if err != nil {
		return nil, err
	}
	return s.stepResponse(req.SessionID, result), nil
}

// CancelWorkflow cancels a workflow immediately; the session is flagged
// to end at the next cycle boundary.
func (s *Service) CancelWorkflow(ctx context.Context, req CancelWorkflowRequest) (*StepResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	result, err := s.manager.CancelWorkflow(ctx, req.SessionID, req.Reason)
	if err != nil {
		return nil, err
	}
	return s.stepResponse(req.SessionID, result), nil
}

// ApproveStep lets a review-gated step run with its original parameters.
func (s *Service) ApproveStep(ctx context.Context, req ReviewRequest) (*StepResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	result, err := s.manager.ApproveStep(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return s.stepResponse(req.SessionID, result), nil
}

// ModifyStep lets a review-gated step run with modified parameters.
func (s *Service) ModifyStep(ctx context.Context, req ReviewRequest) (*StepResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if len(req.ModifiedParams) == 0 {
		return nil, fmt.Errorf("%w: modify_step needs modified_params", ErrInvalidRequest)
	}
	result, err := s.manager.ModifyStep(ctx, req.SessionID, req.ModifiedParams)
	if err != nil {
		return nil, err
	}
	return s.stepResponse(req.SessionID, result), nil
}

// CancelStep refuses a review-gated step, cancelling the workflow.
func (s *Service) CancelStep(ctx context.Context, req ReviewRequest) (*StepResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	result, err := s.manager.CancelStep(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return s.stepResponse(req.SessionID, result), nil
}

// EndWorkflowSession flags a session to end at the next cycle boundary.
// The session stays active until then so the goodbye can still be said.
func (s *Service) EndWorkflowSession(_ context.Context, req EndSessionRequest) (*EndSessionResponse, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	reason, err := endReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkForEnd(req.SessionID, reason, req.Message); err != nil {
		return nil, err
	}
	return &EndSessionResponse{
		SessionID: req.SessionID,
		Status:    "pending_end",
		Message:   req.Message,
	}, nil
}

// GetWorkflowStatus reports a workflow session's current state.
func (s *Service) GetWorkflowStatus(_ context.Context, req StatusRequest) (map[string]any, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	return s.manager.WorkflowStatus(req.SessionID)
}

// WorkflowTypes lists the registered workflow types.
func (s *Service) WorkflowTypes() []string {
	if s.cfg == nil || s.cfg.Workflows == nil {
		return nil
	}
	return s.cfg.WorkflowTypes()
}

// stepResponse folds a step result and the engine's suspension state
// into the shared response shape.
func (s *Service) stepResponse(sessionID string, result *workflow.StepResult) *StepResponse {
	eng, err := s.manager.Engine(sessionID)
	if err != nil {
		eng = nil
	}

	resp := &StepResponse{
		SessionID:     sessionID,
		Status:        statusOf(result, eng),
		Success:       result.Success,
		Message:       result.Message,
		Data:          result.Data,
		LLMReviewData: result.LLMReviewData,
	}
	if resp.Status == StatusWaitingInput && eng != nil {
		resp.RequiresInput = true
		resp.Prompt = eng.Prompt()
	}
	if resp.Status == StatusAwaitingReview && eng != nil && resp.LLMReviewData == nil {
		resp.LLMReviewData = eng.ReviewData()
	}
	return resp
}

func statusOf(result *workflow.StepResult, eng *workflow.Engine) string {
	switch {
	case result.Cancel:
		return StatusCancelled
	case result.Complete:
		return StatusCompleted
	case !result.Success:
		return StatusFailed
	case eng != nil && eng.AwaitingReview():
		return StatusAwaitingReview
	case result.RequiresLLMProcessing:
		return StatusAwaitingLLM
	case result.RequiresUserConfirmation || result.ContinueCurrentStep:
		return StatusWaitingInput
	case eng != nil && eng.RequiresInput():
		return StatusWaitingInput
	default:
		return StatusExecuting
	}
}

func endReason(raw string) (session.EndReason, error) {
	switch raw {
	case "", string(session.EndCompleted):
		return session.EndCompleted, nil
	case string(session.EndCancelled):
		return session.EndCancelled, nil
	case string(session.EndFailed):
		return session.EndFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown end reason '%s'", ErrInvalidRequest, raw)
	}
}

// inferParams applies the workflow's inference rules to parameters the
// caller omitted. Provided values always win; rules only fill gaps.
func (s *Service) inferParams(workflowType string, initial map[string]any) map[string]any {
	out := make(map[string]any, len(initial))
	for k, v := range initial {
		out[k] = v
	}
	if s.cfg == nil || s.cfg.Workflows == nil {
		return out
	}
	wf, err := s.cfg.GetWorkflow(workflowType)
	if err != nil || len(wf.InitialParams) == 0 {
		return out
	}

	// Deterministic rule application order.
	names := make([]string, 0, len(wf.InitialParams))
	for name := range wf.InitialParams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := wf.InitialParams[name]
		if pc == nil {
			continue
		}
		if _, present := out[name]; present {
			continue
		}
		for _, rule := range pc.InferFrom {
			if rule.Condition != "exists" {
				continue
			}
			if _, ok := out[rule.Param]; !ok {
				if s.global == nil || !s.global.Has(rule.Param) {
					continue
				}
			}
			out[name] = rule.Value
			slog.Info("Inferred workflow parameter",
				"workflow_type", workflowType,
				"param", name,
				"value", rule.Value,
				"reason", rule.Reason)
			break
		}
	}
	return out
}
