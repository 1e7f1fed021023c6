package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kora-assist/kora/pkg/models"
)

// TaskService manages persisted background workflow records. Records
// outlive the process: they are SUSPENDED on shutdown and restored to
// RUNNING after a successful monitor restore.
type TaskService struct {
	db *sqlx.DB
}

// NewTaskService creates a new TaskService.
func NewTaskService(db *sqlx.DB) *TaskService {
	return &TaskService{db: db}
}

// Create stores a new background task record. An empty status defaults
// to QUEUED.
func (s *TaskService) Create(_ context.Context, task models.BackgroundTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("%w: task id must not be empty", ErrInvalidInput)
	}
	if task.WorkflowType == "" {
		return fmt.Errorf("%w: workflow type must not be empty", ErrInvalidInput)
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO background_workflows
		   (task_id, workflow_type, trigger_conditions, status, created_at, updated_at,
		    last_check_at, next_check_at, metadata, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.WorkflowType, task.TriggerConditions, string(task.Status),
		now, now, task.LastCheckAt, task.NextCheckAt, task.Metadata, task.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create background task: %w", err)
	}
	return nil
}

// Get returns one background task record.
func (s *TaskService) Get(ctx context.Context, taskID string) (*models.BackgroundTask, error) {
	var task models.BackgroundTask
	err := s.db.GetContext(ctx, &task,
		`SELECT * FROM background_workflows WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: background task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get background task: %w", err)
	}
	return &task, nil
}

// ListByStatus returns tasks in any of the given statuses, oldest first.
func (s *TaskService) ListByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]models.BackgroundTask, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: at least one status required", ErrInvalidInput)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	var tasks []models.BackgroundTask
	err := s.db.SelectContext(ctx, &tasks,
		fmt.Sprintf(`SELECT * FROM background_workflows
		             WHERE status IN (%s) ORDER BY created_at`, placeholders),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list background tasks: %w", err)
	}
	return tasks, nil
}

// UpdateStatus moves a task through the status graph in one transaction.
// Illegal transitions are rejected with ErrIllegalTransition.
func (s *TaskService) UpdateStatus(_ context.Context, taskID string, status models.TaskStatus, errorMessage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.GetContext(ctx, &current,
		`SELECT status FROM background_workflows WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: background task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}

	from := models.TaskStatus(current)
	if from != status && !from.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s for task %s", ErrIllegalTransition, from, status, taskID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE background_workflows
		 SET status = ?, error_message = ?, updated_at = ?
		 WHERE task_id = ?`,
		string(status), errorMessage, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

// MarkChecked records a monitor check, updating last and next check times.
func (s *TaskService) MarkChecked(_ context.Context, taskID string, at time.Time, next *time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var nextUTC *time.Time
	if next != nil {
		n := next.UTC()
		nextUTC = &n
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE background_workflows
		 SET last_check_at = ?, next_check_at = ?, updated_at = ?
		 WHERE task_id = ?`,
		at.UTC(), nextUTC, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to record check: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: background task %s", ErrNotFound, taskID)
	}
	return nil
}

// UpdateMetadata replaces a task's metadata (edit intervention).
func (s *TaskService) UpdateMetadata(_ context.Context, taskID string, metadata models.JSONMap) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE background_workflows SET metadata = ?, updated_at = ? WHERE task_id = ?`,
		metadata, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: background task %s", ErrNotFound, taskID)
	}
	return nil
}

// SuspendActive flips every QUEUED or RUNNING record to SUSPENDED and
// returns the count. Run at boot: rows left active by a previous process
// are orphans, and their workers no longer exist.
func (s *TaskService) SuspendActive(_ context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE background_workflows
		 SET status = ?, updated_at = ?
		 WHERE status IN (?, ?)`,
		string(models.TaskSuspended), time.Now().UTC(),
		string(models.TaskQueued), string(models.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to suspend active tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count suspended tasks: %w", err)
	}
	return int(n), nil
}

// PruneTerminal deletes terminal task rows not touched since the cutoff
// and returns the count. Intervention audit rows go with them via the
// foreign key cascade.
func (s *TaskService) PruneTerminal(_ context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM background_workflows
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(models.TaskCompleted), string(models.TaskFailed),
		string(models.TaskCancelled), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned tasks: %w", err)
	}
	return int(n), nil
}
