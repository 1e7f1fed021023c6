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

// CalendarService manages calendar events and their notification staging.
type CalendarService struct {
	db *sqlx.DB
}

// NewCalendarService creates a new CalendarService.
func NewCalendarService(db *sqlx.DB) *CalendarService {
	return &CalendarService{db: db}
}

// Create stores a calendar event.
func (s *CalendarService) Create(_ context.Context, event models.CalendarEvent) (int64, error) {
	if event.Summary == "" {
		return 0, fmt.Errorf("%w: event summary must not be empty", ErrInvalidInput)
	}
	if event.EndTime.Before(event.StartTime) {
		return 0, fmt.Errorf("%w: event ends before it starts", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events
		   (summary, description, start_time, end_time, location, created_at, updated_at, last_notified_stage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		event.Summary, event.Description,
		event.StartTime.UTC(), event.EndTime.UTC(), event.Location, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create calendar event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read calendar event id: %w", err)
	}
	return id, nil
}

// Get returns one calendar event.
func (s *CalendarService) Get(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	var event models.CalendarEvent
	err := s.db.GetContext(ctx, &event,
		`SELECT * FROM calendar_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: calendar event %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar event: %w", err)
	}
	return &event, nil
}

// Upcoming returns events that have not started yet, soonest first.
func (s *CalendarService) Upcoming(ctx context.Context, now time.Time) ([]models.CalendarEvent, error) {
	var events []models.CalendarEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM calendar_events WHERE start_time > ? ORDER BY start_time`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}
	return events, nil
}

// EndedBetween returns events whose end time falls in [from, to), most
// recent first. The startup report uses it for "what did I miss".
func (s *CalendarService) EndedBetween(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	var events []models.CalendarEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM calendar_events
		 WHERE end_time >= ? AND end_time < ?
		 ORDER BY end_time DESC`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list ended events: %w", err)
	}
	return events, nil
}

// SetNotifiedStage records that the given notification stage was emitted,
// so the driver never emits the same stage twice.
func (s *CalendarService) SetNotifiedStage(_ context.Context, id int64, stage models.NotifyStage, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events
		 SET last_notified_stage = ?, last_notified_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(stage), at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update notification stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: calendar event %d", ErrNotFound, id)
	}
	return nil
}

// Delete removes a calendar event.
func (s *CalendarService) Delete(_ context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: calendar event %d", ErrNotFound, id)
	}
	return nil
}
