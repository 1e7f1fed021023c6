package models

import "time"

// NotifyStage is a notification stage for calendar events and TODOs.
// Stages only progress as the deadline approaches; the scheduled-event
// driver never emits the same stage twice for one entity.
type NotifyStage string

const (
	StageNone       NotifyStage = ""
	Stage24hBefore  NotifyStage = "24h_before"
	Stage1hBefore   NotifyStage = "1h_before"
	Stage15mBefore  NotifyStage = "15min_before"
	StageAtDeadline NotifyStage = "at_deadline"
)

// stageRank orders stages from none to at_deadline.
var stageRank = map[NotifyStage]int{
	StageNone:       0,
	Stage24hBefore:  1,
	Stage1hBefore:   2,
	Stage15mBefore:  3,
	StageAtDeadline: 4,
}

// Follows reports whether s is a strictly later stage than prev. The
// driver only emits stages that follow the last notified one, so a
// stage is never announced twice and never regresses.
func (s NotifyStage) Follows(prev NotifyStage) bool {
	return stageRank[s] > stageRank[prev]
}

// CalendarStageFor returns the notification stage for an event starting
// in `until`. Events already started or further than 24h out have no
// stage.
func CalendarStageFor(until time.Duration) NotifyStage {
	switch {
	case until <= 0:
		return StageNone
	case until <= 15*time.Minute:
		return Stage15mBefore
	case until <= time.Hour:
		return Stage1hBefore
	case until <= 24*time.Hour:
		return Stage24hBefore
	default:
		return StageNone
	}
}

// TodoStageFor returns the notification stage for a TODO due in `until`.
// A passed deadline maps to at_deadline, which the driver emits as
// TODO_OVERDUE.
func TodoStageFor(until time.Duration) NotifyStage {
	switch {
	case until <= 0:
		return StageAtDeadline
	case until <= time.Hour:
		return Stage1hBefore
	case until <= 24*time.Hour:
		return Stage24hBefore
	default:
		return StageNone
	}
}

// Reminder is a one-shot scheduled trigger. The driver publishes
// REMINDER_TRIGGERED when fire time passes and deletes the row.
type Reminder struct {
	ID      int64     `db:"id" json:"id"`
	Time    time.Time `db:"time" json:"time"`
	Message string    `db:"message" json:"message"`
}

// CalendarEvent is a persisted calendar entry staged for notifications
// as its start time approaches.
type CalendarEvent struct {
	ID                int64       `db:"id" json:"id"`
	Summary           string      `db:"summary" json:"summary"`
	Description       string      `db:"description" json:"description,omitempty"`
	StartTime         time.Time   `db:"start_time" json:"start_time"`
	EndTime           time.Time   `db:"end_time" json:"end_time"`
	Location          string      `db:"location" json:"location,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
	LastNotifiedAt    *time.Time  `db:"last_notified_at" json:"last_notified_at,omitempty"`
	LastNotifiedStage NotifyStage `db:"last_notified_stage" json:"last_notified_stage,omitempty"`
}

// TodoPriority orders TODO items for reporting.
type TodoPriority string

const (
	PriorityHigh   TodoPriority = "high"
	PriorityMedium TodoPriority = "medium"
	PriorityLow    TodoPriority = "low"
	PriorityNone   TodoPriority = "none"
)

// TodoStatus is the completion state of a TODO item.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoCompleted TodoStatus = "completed"
)

// Todo is a persisted TODO item staged for deadline notifications.
type Todo struct {
	ID                int64        `db:"id" json:"id"`
	TaskName          string       `db:"task_name" json:"task_name"`
	TaskDescription   string       `db:"task_description" json:"task_description,omitempty"`
	Priority          TodoPriority `db:"priority" json:"priority"`
	Status            TodoStatus   `db:"status" json:"status"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
	Deadline          *time.Time   `db:"deadline" json:"deadline,omitempty"`
	CompletedAt       *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	LastNotifiedAt    *time.Time   `db:"last_notified_at" json:"last_notified_at,omitempty"`
	LastNotifiedStage NotifyStage  `db:"last_notified_stage" json:"last_notified_stage,omitempty"`
}

// Overdue reports whether a pending TODO's deadline has passed.
func (t *Todo) Overdue(now time.Time) bool {
	return t.Status == TodoPending && t.Deadline != nil && t.Deadline.Before(now)
}
