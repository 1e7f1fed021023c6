package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kora-assist/kora/pkg/models"
)

// TodoService manages TODO items and their deadline staging.
type TodoService struct {
	db *sqlx.DB
}

// NewTodoService creates a new TodoService.
func NewTodoService(db *sqlx.DB) *TodoService {
	return &TodoService{db: db}
}

// Create stores a pending TODO item.
func (s *TodoService) Create(_ context.Context, todo models.Todo) (int64, error) {
	if todo.TaskName == "" {
		return 0, fmt.Errorf("%w: todo name must not be empty", ErrInvalidInput)
	}
	if todo.Priority == "" {
		todo.Priority = models.PriorityNone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	var deadline *time.Time
	if todo.Deadline != nil {
		d := todo.Deadline.UTC()
		deadline = &d
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO todos
		   (task_name, task_description, priority, status, created_at, updated_at, deadline, last_notified_stage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		todo.TaskName, todo.TaskDescription, string(todo.Priority),
		string(models.TodoPending), now, now, deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to create todo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read todo id: %w", err)
	}
	return id, nil
}

// Get returns one TODO item.
func (s *TodoService) Get(ctx context.Context, id int64) (*models.Todo, error) {
	var todo models.Todo
	err := s.db.GetContext(ctx, &todo, `SELECT * FROM todos WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: todo %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get todo: %w", err)
	}
	return &todo, nil
}

// PendingWithDeadline returns pending TODOs that have a deadline, soonest
// deadline first. The scheduled-event driver stages these.
func (s *TodoService) PendingWithDeadline(ctx context.Context) ([]models.Todo, error) {
	var todos []models.Todo
	err := s.db.SelectContext(ctx, &todos,
		`SELECT * FROM todos
		 WHERE status = ? AND deadline IS NOT NULL
		 ORDER BY deadline`,
		string(models.TodoPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending todos: %w", err)
	}
	return todos, nil
}

// OverduePending returns pending TODOs whose deadline has passed, ordered
// by priority then deadline. Used by the startup report.
func (s *TodoService) OverduePending(ctx context.Context, now time.Time) ([]models.Todo, error) {
	var todos []models.Todo
	err := s.db.SelectContext(ctx, &todos,
		`SELECT * FROM todos
		 WHERE status = ? AND deadline IS NOT NULL AND deadline < ?
		 ORDER BY CASE priority
		            WHEN 'high' THEN 0
		            WHEN 'medium' THEN 1
		            WHEN 'low' THEN 2
		            ELSE 3
		          END, deadline`,
		string(models.TodoPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue todos: %w", err)
	}
	return todos, nil
}

// SetNotifiedStage records that the given notification stage was emitted.
func (s *TodoService) SetNotifiedStage(_ context.Context, id int64, stage models.NotifyStage, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE todos
		 SET last_notified_stage = ?, last_notified_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(stage), at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update notification stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: todo %d", ErrNotFound, id)
	}
	return nil
}

// Complete marks a TODO item completed.
func (s *TodoService) Complete(_ context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE todos SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(models.TodoCompleted), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete todo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: todo %d", ErrNotFound, id)
	}
	return nil
}

// Delete removes a TODO item.
func (s *TodoService) Delete(_ context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM todos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: todo %d", ErrNotFound, id)
	}
	return nil
}
