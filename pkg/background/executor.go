// Package background runs finite workflows to completion on a bounded
// worker pool. Interactive workflows are refused at submit time; a
// submitted engine is driven in auto mode until it terminates, hits an
// iteration cap, or is cancelled. Every lifecycle transition is mirrored
// into the background_workflows table so tasks survive process restarts
// as SUSPENDED records.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/workflow"
)

var (
	// ErrInteractiveStep is returned by Submit when the engine's current
	// step needs user input that no background worker can provide.
	ErrInteractiveStep = errors.New("workflow requires user input")

	// ErrAlreadyFinished is returned by Submit for terminated engines.
	ErrAlreadyFinished = errors.New("workflow already terminated")

	// ErrQueueFull is returned by Submit when the job queue is saturated.
	ErrQueueFull = errors.New("background queue full")

	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("background executor stopped")

	// ErrTaskNotFound is returned by Cancel for unknown task ids.
	ErrTaskNotFound = errors.New("no active background task")
)

// queueDepth is the submit buffer. Jobs beyond it are rejected rather
// than queued unboundedly.
const queueDepth = 64

// job is one submitted workflow run. cancelCh is closed by Cancel; the
// worker checks it between iterations, so a running iteration always
// completes before cancellation takes effect.
type job struct {
	taskID     string
	engine     *workflow.Engine
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func (j *job) cancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

func (j *job) cancelled() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// Executor owns the background worker pool. Submitted engines are driven
// by repeated auto-mode ProcessInput calls; the executor publishes the
// aggregate terminal events and keeps the task record in step with the
// run, while per-step events stay suppressed (background engines carry a
// nil event sink).
type Executor struct {
	cfg   *config.BackgroundConfig
	tasks *services.TaskService
	bus   *bus.Bus

	queue    chan *job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu     sync.RWMutex
	active map[string]*job
}

// New creates a stopped executor. Call Start before submitting.
func New(cfg *config.BackgroundConfig, tasks *services.TaskService, b *bus.Bus) *Executor {
	return &Executor{
		cfg:    cfg,
		tasks:  tasks,
		bus:    b,
		queue:  make(chan *job, queueDepth),
		stopCh: make(chan struct{}),
		active: make(map[string]*job),
	}
}

// Start launches the worker pool. Safe to call multiple times.
func (e *Executor) Start() {
	if e.started {
		slog.Warn("Background executor already started, ignoring duplicate Start call")
		return
	}
	e.started = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	slog.Info("Background executor started", "workers", e.cfg.Workers)
}

// Stop signals the pool and waits for in-flight iterations to finish.
// Jobs still queued keep their QUEUED records; startup orphan recovery
// suspends them on the next run.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	slog.Info("Background executor stopped")
}

// Submit hands a workflow engine to the pool and returns the task id of
// the persisted record. The engine must not be waiting for user input
// and must not have terminated already.
func (e *Executor) Submit(ctx context.Context, engine *workflow.Engine, metadata map[string]any) (string, error) {
	select {
	case <-e.stopCh:
		return "", ErrStopped
	default:
	}

	if engine.Done() {
		return "", ErrAlreadyFinished
	}
	if engine.RequiresInput() {
		return "", fmt.Errorf("step %s: %w", engine.CurrentStepID(), ErrInteractiveStep)
	}

	taskID := uuid.NewString()
	record := models.BackgroundTask{
		TaskID:       taskID,
		WorkflowType: engine.WorkflowType(),
		Status:       models.TaskQueued,
		Metadata:     models.JSONMap(metadata),
	}
	if err := e.tasks.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist background task: %w", err)
	}

	j := &job{taskID: taskID, engine: engine, cancelCh: make(chan struct{})}
	e.mu.Lock()
	e.active[taskID] = j
	e.mu.Unlock()

	select {
	case e.queue <- j:
	case <-e.stopCh:
		e.discard(ctx, j, "executor stopped before dispatch")
		return "", ErrStopped
	default:
		e.discard(ctx, j, "background queue full")
		return "", ErrQueueFull
	}

	slog.Info("Background workflow submitted",
		"task_id", taskID,
		"workflow_type", engine.WorkflowType(),
		"session_id", engine.SessionID())
	return taskID, nil
}

// Cancel flips the task record to CANCELLED and signals the job. The
// running iteration, if any, completes before the worker stands down.
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	e.mu.RLock()
	j, ok := e.active[taskID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	j.cancel()
	if err := e.tasks.UpdateStatus(ctx, taskID, models.TaskCancelled, "cancelled on request"); err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}
	e.publishTerminal(bus.KindBackgroundWorkflowCancelled, j, map[string]any{
		"reason": "cancelled on request",
	})
	slog.Info("Background workflow cancelled", "task_id", taskID)
	return nil
}

// IsActive reports whether the executor currently holds the task.
func (e *Executor) IsActive(taskID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.active[taskID]
	return ok
}

// Active returns the ids of tasks queued or running, sorted by nothing
// in particular.
func (e *Executor) Active() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// worker pops jobs until stopped.
func (e *Executor) worker(id int) {
	defer e.wg.Done()
	logger := slog.With("worker_id", id)
	for {
		select {
		case <-e.stopCh:
			return
		case j := <-e.queue:
			e.process(logger, j)
		}
	}
}

// process runs one job end to end, containing panics so a broken step
// cannot take down the worker.
func (e *Executor) process(logger *slog.Logger, j *job) {
	defer e.remove(j.taskID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Background workflow panicked", "task_id", j.taskID, "panic", r)
			e.finishFailed(j, fmt.Sprintf("panic: %v", r))
		}
	}()

	if j.cancelled() {
		return
	}
	if err := e.tasks.UpdateStatus(context.Background(), j.taskID, models.TaskRunning, ""); err != nil {
		logger.Warn("Could not mark background task running", "task_id", j.taskID, "error", err)
		return
	}

	logger.Info("Background workflow starting",
		"task_id", j.taskID,
		"workflow_type", j.engine.WorkflowType(),
		"session_id", j.engine.SessionID())
	e.drive(logger, j)
}

// drive advances the engine one auto-mode iteration at a time. Each
// iteration may traverse several auto-advancing steps; the cap bounds
// iterations, not steps.
func (e *Executor) drive(logger *slog.Logger, j *job) {
	ctx := context.Background()

	for i := 0; i < e.cfg.MaxIterations; i++ {
		select {
		case <-j.cancelCh:
			j.engine.CancelNow("cancelled on request")
			return
		case <-e.stopCh:
			e.suspend(j)
			return
		default:
		}

		result := j.engine.ProcessInput(ctx, nil)

		switch {
		case result.Cancel || j.engine.Cancelled():
			e.finishCancelled(j, result.Message)
			return
		case j.engine.Complete():
			e.finishCompleted(j)
			return
		case j.engine.Failed() || !result.Success:
			e.finishFailed(j, result.Message)
			return
		case result.RequiresUserConfirmation:
			e.finishFailed(j, fmt.Sprintf("step %s requires user input", j.engine.CurrentStepID()))
			return
		case result.RequiresLLMProcessing:
			e.finishFailed(j, fmt.Sprintf("step %s requires llm processing, which background execution cannot provide", j.engine.CurrentStepID()))
			return
		case j.engine.AwaitingReview():
			e.finishFailed(j, "workflow is awaiting llm review, which background execution cannot provide")
			return
		}
	}

	e.finishFailed(j, fmt.Sprintf("no completion after %d iterations", e.cfg.MaxIterations))
}

func (e *Executor) finishCompleted(j *job) {
	err := e.tasks.UpdateStatus(context.Background(), j.taskID, models.TaskCompleted, "")
	if err != nil {
		// A concurrent Cancel won the record; its event already went out.
		slog.Warn("Could not mark background task completed", "task_id", j.taskID, "error", err)
		return
	}
	steps := j.engine.ExecutedSteps()
	e.publishTerminal(bus.KindBackgroundWorkflowCompleted, j, map[string]any{
		"completed_steps": steps,
	})
	slog.Info("Background workflow completed", "task_id", j.taskID, "steps", len(steps))
}

func (e *Executor) finishFailed(j *job, message string) {
	err := e.tasks.UpdateStatus(context.Background(), j.taskID, models.TaskFailed, message)
	if err != nil {
		slog.Warn("Could not mark background task failed", "task_id", j.taskID, "error", err)
		return
	}
	e.publishTerminal(bus.KindBackgroundWorkflowFailed, j, map[string]any{
		"error": message,
	})
	slog.Warn("Background workflow failed", "task_id", j.taskID, "error", message)
}

func (e *Executor) finishCancelled(j *job, message string) {
	if message == "" {
		message = "cancelled by workflow step"
	}
	err := e.tasks.UpdateStatus(context.Background(), j.taskID, models.TaskCancelled, message)
	if err != nil {
		slog.Warn("Could not mark background task cancelled", "task_id", j.taskID, "error", err)
		return
	}
	e.publishTerminal(bus.KindBackgroundWorkflowCancelled, j, map[string]any{
		"reason": message,
	})
	slog.Info("Background workflow cancelled by step", "task_id", j.taskID)
}

// suspend parks a job interrupted by Stop so restore can pick the record
// up on the next run.
func (e *Executor) suspend(j *job) {
	err := e.tasks.UpdateStatus(context.Background(), j.taskID, models.TaskSuspended, "suspended at executor stop")
	if err != nil {
		slog.Warn("Could not suspend background task", "task_id", j.taskID, "error", err)
		return
	}
	slog.Info("Background workflow suspended", "task_id", j.taskID)
}

// discard cancels a record for a job that never reached a worker.
func (e *Executor) discard(ctx context.Context, j *job, reason string) {
	e.remove(j.taskID)
	if err := e.tasks.UpdateStatus(ctx, j.taskID, models.TaskCancelled, reason); err != nil {
		slog.Warn("Could not discard background task", "task_id", j.taskID, "error", err)
	}
}

func (e *Executor) remove(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}

func (e *Executor) publishTerminal(kind bus.Kind, j *job, extra map[string]any) {
	data := map[string]any{
		"task_id":       j.taskID,
		"workflow_type": j.engine.WorkflowType(),
		"session_id":    j.engine.SessionID(),
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(kind, "background_executor", data)
}
