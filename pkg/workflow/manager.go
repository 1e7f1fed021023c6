package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/session"
	"github.com/kora-assist/kora/pkg/workctx"
)

var (
	// ErrWorkflowNotFound is returned when no definition exists for a
	// workflow type.
	ErrWorkflowNotFound = errors.New("workflow type not found")
	// ErrEngineNotFound is returned when a session has no live engine.
	ErrEngineNotFound = errors.New("no engine for session")
)

// runnerCount is the size of the step-runner pool that drives
// non-interactive advances so StartWorkflow can return immediately.
const runnerCount = 4

// DefinitionSource resolves workflow types to validated definitions. The
// config registry implements it.
type DefinitionSource interface {
	Definition(workflowType string) (*Definition, bool)
}

// StartOutcome is what StartWorkflow reports back to the tool layer.
type StartOutcome struct {
	SessionID     string
	RequiresInput bool
	Prompt        string
	Overview      string
	AutoContinue  bool
}

// Manager owns the live engines, one per active workflow session. It
// creates engines on StartWorkflow, runs discovery on a small runner
// pool, publishes the workflow-level events, and discards engines on
// cancel or when SESSION_ENDED arrives at the cycle boundary.
type Manager struct {
	defs   DefinitionSource
	store  *session.Store
	bus    *bus.Bus
	global *workctx.Context

	mu      sync.Mutex
	engines map[string]*Engine

	runners  int
	tasks    chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	endedSub bus.Subscription
}

// NewManager creates a stopped manager with the default runner pool
// size. Call Start before use.
func NewManager(defs DefinitionSource, store *session.Store, b *bus.Bus, global *workctx.Context) *Manager {
	return NewManagerWithRunners(defs, store, b, global, runnerCount)
}

// NewManagerWithRunners creates a stopped manager with a runner pool of
// the given size. Sizes below 1 fall back to the default.
func NewManagerWithRunners(defs DefinitionSource, store *session.Store, b *bus.Bus, global *workctx.Context, runners int) *Manager {
	if runners < 1 {
		runners = runnerCount
	}
	return &Manager{
		defs:    defs,
		store:   store,
		bus:     b,
		global:  global,
		engines: make(map[string]*Engine),
		runners: runners,
		tasks:   make(chan func(), 16),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the step-runner pool and subscribes for engine cleanup.
// Safe to call multiple times.
func (m *Manager) Start() {
	if m.started {
		slog.Warn("Workflow manager already started, ignoring duplicate Start call")
		return
	}
	m.started = true

	for i := 0; i < m.runners; i++ {
		m.wg.Add(1)
		go m.runner(i)
	}
	m.endedSub = m.bus.Subscribe(bus.KindSessionEnded, "workflow_manager", m.onSessionEnded)
	slog.Info("Workflow manager started", "runners", m.runners)
}

// Stop signals the runner pool and waits for in-flight step execution to
// finish. Queued tasks are dropped.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.bus.Unsubscribe(m.endedSub)
	slog.Info("Workflow manager stopped")
}

// runner executes submitted step tasks until stopped.
func (m *Manager) runner(id int) {
	defer m.wg.Done()
	logger := slog.With("runner_id", id)
	for {
		select {
		case <-m.stopCh:
			return
		case task := <-m.tasks:
			m.invoke(logger, task)
		}
	}
}

// invoke runs one task, containing panics so a broken step cannot take
// down the runner.
func (m *Manager) invoke(logger *slog.Logger, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Step runner task panicked", "panic", r)
		}
	}()
	task()
}

// submit queues a task for the runner pool. Returns false when the
// manager is stopping.
func (m *Manager) submit(task func()) bool {
	select {
	case <-m.stopCh:
		return false
	case m.tasks <- task:
		return true
	}
}

// StartWorkflow creates the session and engine for a workflow and begins
// driving it. When the entry step needs input the outcome says so and
// carries the prompt; otherwise discovery runs on the runner pool and the
// call returns immediately with AutoContinue set.
func (m *Manager) StartWorkflow(ctx context.Context, workflowType, command string, initialData map[string]any) (*StartOutcome, error) {
	def, ok := m.defs.Definition(workflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowType)
	}

	sessionID, err := m.store.CreateWorkflow(workflowType, command, initialData, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow session: %w", err)
	}
	data, err := m.store.Data(sessionID)
	if err != nil {
		return nil, err
	}

	run := &Run{
		SessionID:    sessionID,
		WorkflowType: workflowType,
		Command:      command,
		Data:         data,
		Global:       m.global,
	}
	eng := NewEngine(def, run, m.bus, Hooks{
		Record: func(stepID, summary string) {
			if err := m.store.RecordStep(sessionID, stepID, summary); err != nil {
				slog.Warn("Failed to record step", "session_id", sessionID, "error", err)
			}
		},
		SetStep: func(stepID string) {
			if err := m.store.SetCurrentStep(sessionID, stepID); err != nil {
				slog.Warn("Failed to set current step", "session_id", sessionID, "error", err)
			}
		},
	})

	m.mu.Lock()
	m.engines[sessionID] = eng
	m.mu.Unlock()

	m.setCurrentStep(sessionID, def.EntryPoint)
	outcome := &StartOutcome{SessionID: sessionID, Overview: def.Overview()}

	entry := def.Steps[def.EntryPoint]
	if entry.Type() == StepInteractive && !entry.ShouldSkip(run) {
		m.setStatus(sessionID, session.StatusWaiting)
		outcome.RequiresInput = true
		outcome.Prompt = entry.Prompt(run)
		m.publishRequiresInput(eng, nil)
		return outcome, nil
	}

	m.setStatus(sessionID, session.StatusExecuting)
	outcome.AutoContinue = true
	submitted := m.submit(func() {
		result := eng.Start(context.Background())
		m.afterResult(eng, result)
	})
	if !submitted {
		// Stopping: run discovery inline rather than losing it.
		result := eng.Start(ctx)
		m.afterResult(eng, result)
	}

	slog.Info("Workflow started",
		"session_id", sessionID,
		"workflow_type", workflowType,
		"auto_continue", outcome.AutoContinue)
	return outcome, nil
}

// ContinueWorkflow feeds user input to the session's engine. The empty
// string is valid input.
func (m *Manager) ContinueWorkflow(ctx context.Context, sessionID, input string) (*StepResult, error) {
	eng, err := m.engine(sessionID)
	if err != nil {
		return nil, err
	}
	if eng.AwaitingReview() {
		return Failure("a step is awaiting llm review"), nil
	}

	m.setStatus(sessionID, session.StatusExecuting)
	result := eng.ProcessInput(ctx, &input)
	m.afterResult(eng, result)
	return result, nil
}

// DriveWorkflow advances the engine without user input, used after an
// external actor (the LLM) has written data the current step waits for.
func (m *Manager) DriveWorkflow(ctx context.Context, sessionID string) (*StepResult, error) {
	eng, err := m.engine(sessionID)
	if err != nil {
		return nil, err
	}
	if eng.AwaitingReview() {
		return Failure("a step is awaiting llm review"), nil
	}

	m.setStatus(sessionID, session.StatusExecuting)
	result := eng.ProcessInput(ctx, nil)
	m.afterResult(eng, result)
	return result, nil
}

// CancelWorkflow terminates the session's workflow immediately at the
// engine level. The engine is discarded now; session teardown waits for
// the cycle boundary.
func (m *Manager) CancelWorkflow(_ context.Context, sessionID, reason string) (*StepResult, error) {
	eng, err := m.engine(sessionID)
	if err != nil {
		return nil, err
	}

	result := eng.CancelNow(reason)
	if err := m.store.MarkForEnd(sessionID, session.EndCancelled, reason); err != nil {
		slog.Warn("Failed to mark cancelled session for end",
			"session_id", sessionID, "error", err)
	}
	m.removeEngine(sessionID)
	slog.Info("Workflow cancelled", "session_id", sessionID, "reason", reason)
	return result, nil
}

// ApproveStep resolves a pending review gate with approval.
func (m *Manager) ApproveStep(ctx context.Context, sessionID string) (*StepResult, error) {
	return m.review(ctx, sessionID, ReviewApprove, nil)
}

// ModifyStep writes the modified parameters into session data and then
// advances past the review gate.
func (m *Manager) ModifyStep(ctx context.Context, sessionID string, modifiedParams map[string]any) (*StepResult, error) {
	return m.review(ctx, sessionID, ReviewModify, modifiedParams)
}

// CancelStep resolves a pending review gate by cancelling the workflow.
func (m *Manager) CancelStep(ctx context.Context, sessionID string) (*StepResult, error) {
	return m.review(ctx, sessionID, ReviewCancel, nil)
}

func (m *Manager) review(ctx context.Context, sessionID string, action ReviewAction, params map[string]any) (*StepResult, error) {
	eng, err := m.engine(sessionID)
	if err != nil {
		return nil, err
	}
	result := eng.HandleReviewResponse(ctx, action, params)
	m.afterResult(eng, result)
	return result, nil
}

// WorkflowStatus reports engine state for a live session and the stored
// snapshot once the engine is gone.
func (m *Manager) WorkflowStatus(sessionID string) (map[string]any, error) {
	m.mu.Lock()
	eng, ok := m.engines[sessionID]
	m.mu.Unlock()
	if ok {
		return eng.Status(), nil
	}

	snap, err := m.store.GetWorkflow(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":    snap.ID,
		"workflow_type": snap.WorkflowType,
		"status":        string(snap.Status),
		"current_step":  snap.CurrentStep,
		"complete":      snap.Status == session.StatusCompleted,
		"cancelled":     snap.Status == session.StatusCancelled,
		"failed":        snap.Status == session.StatusFailed,
		"pending_end":   snap.PendingEnd,
	}, nil
}

// Engine returns the live engine for a session.
func (m *Manager) Engine(sessionID string) (*Engine, error) {
	return m.engine(sessionID)
}

// ActiveEngineIDs returns the session ids with live engines.
func (m *Manager) ActiveEngineIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	return ids
}

// afterResult applies the session-level consequences of a step result:
// terminal results mark the session pending-end, suspensions move it to
// WAITING and announce what the workflow is waiting for.
func (m *Manager) afterResult(eng *Engine, result *StepResult) {
	sessionID := eng.SessionID()

	switch {
	case result.Cancel || eng.Cancelled():
		m.markForEnd(sessionID, session.EndCancelled, result.Message)
		m.removeEngine(sessionID)

	case eng.Failed():
		// Engine stays until the cycle boundary so status stays readable.
		m.markForEnd(sessionID, session.EndFailed, result.Message)

	case result.Complete || eng.Complete():
		m.markForEnd(sessionID, session.EndCompleted, result.Message)

	case eng.AwaitingReview():
		m.setStatus(sessionID, session.StatusWaiting)

	case result.RequiresUserConfirmation, result.RequiresLLMProcessing, eng.RequiresInput():
		m.setStatus(sessionID, session.StatusWaiting)
		m.publishRequiresInput(eng, result)

	default:
		m.setStatus(sessionID, session.StatusWaiting)
	}
}

// publishRequiresInput announces a suspension point. For LLM-processing
// suspensions the request the LLM must fulfill rides along.
func (m *Manager) publishRequiresInput(eng *Engine, result *StepResult) {
	data := map[string]any{
		"session_id":    eng.SessionID(),
		"workflow_type": eng.WorkflowType(),
		"step_id":       eng.CurrentStepID(),
		"prompt":        eng.Prompt(),
	}
	if result != nil && result.RequiresLLMProcessing {
		data["requires_llm_processing"] = true
		if req, ok := result.Data["llm_request"]; ok {
			data["llm_request"] = req
		}
	}
	m.bus.Publish(bus.KindWorkflowRequiresInput, "workflow_manager", data)
}

// onSessionEnded discards the engine once the session is finalized at the
// cycle boundary.
func (m *Manager) onSessionEnded(e bus.Event) error {
	sessionID, _ := e.Data["session_id"].(string)
	if sessionID == "" {
		return nil
	}
	m.removeEngine(sessionID)
	return nil
}

func (m *Manager) engine(sessionID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, sessionID)
	}
	return eng, nil
}

func (m *Manager) removeEngine(sessionID string) {
	m.mu.Lock()
	_, existed := m.engines[sessionID]
	delete(m.engines, sessionID)
	m.mu.Unlock()
	if existed {
		slog.Info("Workflow engine discarded", "session_id", sessionID)
	}
}

func (m *Manager) markForEnd(sessionID string, reason session.EndReason, message string) {
	if err := m.store.MarkForEnd(sessionID, reason, message); err != nil {
		if !errors.Is(err, session.ErrNotActive) {
			slog.Warn("Failed to mark session for end",
				"session_id", sessionID, "reason", reason, "error", err)
		}
	}
}

func (m *Manager) setStatus(sessionID string, status session.Status) {
	if err := m.store.SetStatus(sessionID, status); err != nil {
		slog.Warn("Failed to set session status",
			"session_id", sessionID, "status", status, "error", err)
	}
}

func (m *Manager) setCurrentStep(sessionID, stepID string) {
	if err := m.store.SetCurrentStep(sessionID, stepID); err != nil {
		slog.Warn("Failed to set current step",
			"session_id", sessionID, "error", err)
	}
}
