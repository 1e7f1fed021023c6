package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kora-assist/kora/pkg/models"
)

// InterventionService records operator actions applied to background
// tasks. The table is append-only: rows are never updated or deleted
// while their task exists.
type InterventionService struct {
	db *sqlx.DB
}

// NewInterventionService creates a new InterventionService.
func NewInterventionService(db *sqlx.DB) *InterventionService {
	return &InterventionService{db: db}
}

// Record appends one intervention audit entry.
func (s *InterventionService) Record(_ context.Context, iv models.Intervention) (int64, error) {
	if iv.TaskID == "" {
		return 0, fmt.Errorf("%w: task id must not be empty", ErrInvalidInput)
	}
	if !iv.Action.Valid() {
		return 0, fmt.Errorf("%w: unknown intervention action %q", ErrInvalidInput, iv.Action)
	}
	performedAt := iv.PerformedAt
	if performedAt.IsZero() {
		performedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_interventions
		   (task_id, action, parameters, performed_at, performed_by, result)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		iv.TaskID, string(iv.Action), iv.Parameters,
		performedAt.UTC(), iv.PerformedBy, iv.Result)
	if err != nil {
		return 0, fmt.Errorf("failed to record intervention: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read intervention id: %w", err)
	}
	return id, nil
}

// ListForTask returns a task's interventions in the order they happened.
func (s *InterventionService) ListForTask(ctx context.Context, taskID string) ([]models.Intervention, error) {
	var interventions []models.Intervention
	err := s.db.SelectContext(ctx, &interventions,
		`SELECT * FROM workflow_interventions WHERE task_id = ? ORDER BY id`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	return interventions, nil
}
