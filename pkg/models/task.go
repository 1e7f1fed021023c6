// Package models holds the persisted entity types: background workflow
// task records, intervention audit entries, and the scheduled entities
// (reminders, calendar events, TODOs) the scheduled-event driver polls.
package models

import "time"

// TaskStatus is the lifecycle state of a background workflow record.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskSuspended TaskStatus = "SUSPENDED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// taskTransitions is the allowed status graph. QUEUED and SUSPENDED may
// be cancelled directly (operator intervention) and flipped to SUSPENDED
// at boot (orphan recovery), in addition to the normal run path.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:    {TaskRunning, TaskCancelled, TaskSuspended},
	TaskRunning:   {TaskCompleted, TaskFailed, TaskCancelled, TaskSuspended},
	TaskSuspended: {TaskRunning, TaskCancelled},
}

// CanTransitionTo reports whether the status graph allows moving to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BackgroundTask is a persisted background workflow record. Rows survive
// process restarts: active tasks are SUSPENDED on shutdown and flipped
// back to RUNNING on successful restore.
type BackgroundTask struct {
	TaskID            string     `db:"task_id" json:"task_id"`
	WorkflowType      string     `db:"workflow_type" json:"workflow_type"`
	TriggerConditions JSONMap    `db:"trigger_conditions" json:"trigger_conditions,omitempty"`
	Status            TaskStatus `db:"status" json:"status"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	LastCheckAt       *time.Time `db:"last_check_at" json:"last_check_at,omitempty"`
	NextCheckAt       *time.Time `db:"next_check_at" json:"next_check_at,omitempty"`
	Metadata          JSONMap    `db:"metadata" json:"metadata,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
}

// InterventionAction is an operator action applied to a background task.
type InterventionAction string

const (
	InterventionEdit   InterventionAction = "edit"
	InterventionCancel InterventionAction = "cancel"
	InterventionPause  InterventionAction = "pause"
	InterventionResume InterventionAction = "resume"
)

// Valid reports whether the action is one of the known kinds.
func (a InterventionAction) Valid() bool {
	switch a {
	case InterventionEdit, InterventionCancel, InterventionPause, InterventionResume:
		return true
	default:
		return false
	}
}

// Intervention is one append-only audit record of an action applied to a
// background task.
type Intervention struct {
	ID          int64              `db:"id" json:"id"`
	TaskID      string             `db:"task_id" json:"task_id"`
	Action      InterventionAction `db:"action" json:"action"`
	Parameters  JSONMap            `db:"parameters" json:"parameters,omitempty"`
	PerformedAt time.Time          `db:"performed_at" json:"performed_at"`
	PerformedBy string             `db:"performed_by" json:"performed_by"`
	Result      string             `db:"result" json:"result,omitempty"`
}
