package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/monitor"
	"github.com/kora-assist/kora/pkg/services"
)

// Interventions applies operator actions to background tasks: cancel,
// pause, resume, edit. Every attempt is audited, including failed ones,
// so the intervention log reads as what was tried, not just what worked.
type Interventions struct {
	tasks    *services.TaskService
	audit    *services.InterventionService
	executor *Executor
	pool     *monitor.Pool
	creator  *monitor.Creator
}

// NewInterventions wires the intervention surface. executor, pool, and
// creator may be nil when that execution path is not deployed.
func NewInterventions(tasks *services.TaskService, audit *services.InterventionService, executor *Executor, pool *monitor.Pool, creator *monitor.Creator) *Interventions {
	return &Interventions{
		tasks:    tasks,
		audit:    audit,
		executor: executor,
		pool:     pool,
		creator:  creator,
	}
}

// Intervene validates the action, applies it to the task, and appends
// the audit record. The returned string is a human-readable outcome.
func (i *Interventions) Intervene(ctx context.Context, taskID, action string, params map[string]any, performedBy string) (string, error) {
	act := models.InterventionAction(action)
	if !act.Valid() {
		return "", fmt.Errorf("%w: unknown intervention action '%s'", services.ErrInvalidInput, action)
	}

	rec, err := i.tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}

	var result string
	var applyErr error
	switch act {
	case models.InterventionCancel:
		result, applyErr = i.cancel(ctx, rec)
	case models.InterventionPause:
		result, applyErr = i.pause(ctx, rec)
	case models.InterventionResume:
		result, applyErr = i.resume(ctx, rec)
	case models.InterventionEdit:
		result, applyErr = i.edit(ctx, rec, params)
	}
	if applyErr != nil {
		result = "failed: " + applyErr.Error()
	}

	iv := models.Intervention{
		TaskID:      taskID,
		Action:      act,
		Parameters:  models.JSONMap(params),
		PerformedAt: time.Now().UTC(),
		PerformedBy: performedBy,
		Result:      result,
	}
	if _, err := i.audit.Record(ctx, iv); err != nil {
		slog.Warn("Intervention not audited", "task_id", taskID, "action", action, "error", err)
	}

	if applyErr != nil {
		return "", applyErr
	}
	slog.Info("Intervention applied",
		"task_id", taskID, "action", action, "performed_by", performedBy)
	return result, nil
}

func (i *Interventions) cancel(ctx context.Context, rec *models.BackgroundTask) (string, error) {
	if rec.Status.Terminal() {
		return "", fmt.Errorf("%w: task %s is already %s", services.ErrIllegalTransition, rec.TaskID, rec.Status)
	}

	// A workflow still inside the executor gets the cooperative signal;
	// the executor flips the record and publishes the terminal event.
	if i.executor != nil && i.executor.IsActive(rec.TaskID) {
		if err := i.executor.Cancel(ctx, rec.TaskID); err != nil {
			return "", err
		}
		return "cancellation signalled to running workflow", nil
	}

	if i.pool != nil && i.pool.Active(rec.TaskID) {
		if err := i.pool.StopMonitor(rec.TaskID, 0); err != nil {
			return "", err
		}
		if err := i.tasks.UpdateStatus(ctx, rec.TaskID, models.TaskCancelled, "cancelled by intervention"); err != nil {
			return "", err
		}
		return "monitor stopped and task cancelled", nil
	}

	// QUEUED or SUSPENDED records with nothing running behind them.
	if err := i.tasks.UpdateStatus(ctx, rec.TaskID, models.TaskCancelled, "cancelled by intervention"); err != nil {
		return "", err
	}
	return "task cancelled", nil
}

func (i *Interventions) pause(ctx context.Context, rec *models.BackgroundTask) (string, error) {
	if i.pool != nil && i.pool.Active(rec.TaskID) {
		if err := i.pool.StopMonitor(rec.TaskID, 0); err != nil {
			return "", err
		}
		if err := i.tasks.UpdateStatus(ctx, rec.TaskID, models.TaskSuspended, "paused by intervention"); err != nil {
			return "", err
		}
		return "monitor suspended", nil
	}

	// A workflow mid-flight in the executor has engine state that cannot
	// be parked; pausing it would lose the run.
	if i.executor != nil && i.executor.IsActive(rec.TaskID) {
		return "", fmt.Errorf("%w: running workflow %s cannot be paused, cancel it instead", services.ErrIllegalTransition, rec.TaskID)
	}

	if err := i.tasks.UpdateStatus(ctx, rec.TaskID, models.TaskSuspended, "paused by intervention"); err != nil {
		return "", err
	}
	return "task suspended", nil
}

func (i *Interventions) resume(ctx context.Context, rec *models.BackgroundTask) (string, error) {
	if rec.Status != models.TaskSuspended {
		return "", fmt.Errorf("%w: task %s is %s, not SUSPENDED", services.ErrIllegalTransition, rec.TaskID, rec.Status)
	}
	if i.creator == nil {
		return "", fmt.Errorf("no monitor factory available to resume task %s", rec.TaskID)
	}
	if err := i.creator.Resume(ctx, rec.TaskID); err != nil {
		return "", err
	}
	return "monitor resumed", nil
}

func (i *Interventions) edit(ctx context.Context, rec *models.BackgroundTask, params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("%w: edit intervention needs parameters", services.ErrInvalidInput)
	}

	meta := make(models.JSONMap, len(rec.Metadata)+len(params))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	for k, v := range params {
		meta[k] = v
	}
	if err := i.tasks.UpdateMetadata(ctx, rec.TaskID, meta); err != nil {
		return "", err
	}
	return fmt.Sprintf("metadata updated (%d fields)", len(params)), nil
}
