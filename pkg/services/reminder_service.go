package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kora-assist/kora/pkg/models"
)

// ReminderService manages one-shot reminders.
type ReminderService struct {
	db *sqlx.DB
}

// NewReminderService creates a new ReminderService.
func NewReminderService(db *sqlx.DB) *ReminderService {
	return &ReminderService{db: db}
}

// CreateReminder stores a reminder to fire at the given time. Workflow
// scheduled-trigger steps and user-created reminders share this path, so
// both are picked up by the scheduled-event driver.
func (s *ReminderService) CreateReminder(_ context.Context, fireAt time.Time, message string) (int64, error) {
	if message == "" {
		return 0, fmt.Errorf("%w: reminder message must not be empty", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (time, message) VALUES (?, ?)`,
		fireAt.UTC(), message)
	if err != nil {
		return 0, fmt.Errorf("failed to create reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read reminder id: %w", err)
	}
	return id, nil
}

// DueBefore returns reminders whose fire time is at or before the given
// instant, oldest first.
func (s *ReminderService) DueBefore(ctx context.Context, t time.Time) ([]models.Reminder, error) {
	var reminders []models.Reminder
	err := s.db.SelectContext(ctx, &reminders,
		`SELECT id, time, message FROM reminders WHERE time <= ? ORDER BY time`,
		t.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	return reminders, nil
}

// Delete removes a fired reminder.
func (s *ReminderService) Delete(_ context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: reminder %d", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of stored reminders.
func (s *ReminderService) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM reminders`); err != nil {
		return 0, fmt.Errorf("failed to count reminders: %w", err)
	}
	return n, nil
}
