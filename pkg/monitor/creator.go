package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
)

// Creator creates monitors end to end: it builds the monitor function
// through the factory, persists the task record, submits the goroutine,
// and flips the record to RUNNING. Workflow monitor steps hold one of
// these.
type Creator struct {
	pool    *Pool
	tasks   *services.TaskService
	factory Factory
}

// NewCreator wires a creator over the pool and the task store.
func NewCreator(pool *Pool, tasks *services.TaskService, factory Factory) *Creator {
	return &Creator{pool: pool, tasks: tasks, factory: factory}
}

// CreateMonitor persists a new monitoring task and starts its goroutine.
// The check interval is stored in metadata so Restore can rebuild the
// monitor with the same cadence after a restart.
func (c *Creator) CreateMonitor(ctx context.Context, workflowType string, metadata map[string]any, checkInterval time.Duration) (string, error) {
	if c.factory == nil {
		return "", errors.New("no monitor factory configured")
	}
	if checkInterval <= 0 {
		return "", fmt.Errorf("invalid check interval %s", checkInterval)
	}

	taskID := uuid.New().String()
	meta := make(models.JSONMap, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[metaCheckInterval] = checkInterval.String()
	// The monitor function learns its own task id from metadata, both here
	// and on restore, so checks can update their record.
	meta[metaTaskID] = taskID

	// Unknown workflow types fail before anything is persisted.
	fn, err := c.factory(workflowType, meta)
	if err != nil {
		return "", fmt.Errorf("no monitor for workflow type '%s': %w", workflowType, err)
	}

	now := time.Now().UTC()
	next := now.Add(checkInterval)
	rec := models.BackgroundTask{
		TaskID:       taskID,
		WorkflowType: workflowType,
		Status:       models.TaskQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		NextCheckAt:  &next,
		Metadata:     meta,
	}
	if err := c.tasks.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist monitor task: %w", err)
	}

	if err := c.pool.Submit(taskID, fn, checkInterval); err != nil {
		if uerr := c.tasks.UpdateStatus(ctx, taskID, models.TaskCancelled, "monitor submission refused: "+err.Error()); uerr != nil {
			slog.Warn("Refused monitor record not cancelled", "task_id", taskID, "error", uerr)
		}
		return "", err
	}

	if err := c.tasks.UpdateStatus(ctx, taskID, models.TaskRunning, ""); err != nil {
		slog.Warn("Monitor record not flipped to RUNNING", "task_id", taskID, "error", err)
	}

	slog.Info("Monitor created",
		"task_id", taskID, "workflow_type", workflowType, "check_interval", checkInterval)
	return taskID, nil
}

// Resume restarts a single SUSPENDED monitor from its record. It backs
// the resume intervention.
func (c *Creator) Resume(ctx context.Context, taskID string) error {
	if c.factory == nil {
		return errors.New("no monitor factory configured")
	}

	rec, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status != models.TaskSuspended {
		return fmt.Errorf("%w: task %s is %s, not SUSPENDED", services.ErrIllegalTransition, taskID, rec.Status)
	}
	return c.pool.restoreOne(ctx, *rec, c.factory)
}
