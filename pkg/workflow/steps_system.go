package workflow

import (
	"context"
	"fmt"
	"time"
)

// ReminderCreator is the slice of the reminder service the scheduled
// trigger step needs.
type ReminderCreator interface {
	CreateReminder(ctx context.Context, fireAt time.Time, message string) (int64, error)
}

// MonitorCreator is the slice of the monitoring surface the monitor
// creation step needs. It persists the task record and submits the
// monitor in one call.
type MonitorCreator interface {
	CreateMonitor(ctx context.Context, workflowType string, metadata map[string]any, checkInterval time.Duration) (string, error)
}

// Intervener is the slice of the background task surface the
// intervention step needs.
type Intervener interface {
	Intervene(ctx context.Context, taskID, action string, params map[string]any, performedBy string) (string, error)
}

// ScheduledTriggerStep creates a reminder that the scheduled-event driver
// will fire later. The reminder lands in the same store the driver polls,
// so workflow-created triggers and user-created reminders share one path.
type ScheduledTriggerStep struct {
	Base
	Reminders ReminderCreator
	// Message is the reminder text; MessageKey, when set, reads it from
	// session data instead.
	Message    string
	MessageKey string
	// Delay is the fixed offset from now; DelayKey, when set, reads a
	// duration string ("10m", "2h") from session data.
	Delay    time.Duration
	DelayKey string
}

// NewScheduledTriggerStep creates a scheduled trigger step with a fixed
// message and delay.
func NewScheduledTriggerStep(id, description string, reminders ReminderCreator, message string, delay time.Duration) *ScheduledTriggerStep {
	return &ScheduledTriggerStep{
		Base:      Base{StepID: id, StepKind: StepSystem, Desc: description, Prio: PriorityRequired},
		Reminders: reminders,
		Message:   message,
		Delay:     delay,
	}
}

func (s *ScheduledTriggerStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	if s.Reminders == nil {
		return Failure("reminder service not bound")
	}

	message := s.Message
	if s.MessageKey != "" {
		if v, ok := run.Data.GetString(s.MessageKey); ok {
			message = v
		}
	}
	if message == "" {
		return Failure("missing reminder message")
	}

	delay := s.Delay
	if s.DelayKey != "" {
		if v, ok := run.Data.GetString(s.DelayKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Failure(fmt.Sprintf("invalid delay %q: %v", v, err))
			}
			delay = parsed
		}
	}

	fireAt := time.Now().Add(delay)
	id, err := s.Reminders.CreateReminder(ctx, fireAt, message)
	if err != nil {
		return Failure(fmt.Sprintf("failed to schedule reminder: %v", err))
	}
	return Success(fmt.Sprintf("reminder scheduled for %s", fireAt.Format(time.RFC3339)), nil).
		WithData("reminder_id", id).
		WithData("fire_time", fireAt.Format(time.RFC3339))
}

// MonitorStep creates a long-running monitor for the current task. The
// monitor outlives the workflow session; metadata captured here is what
// the restore factory receives after a restart.
type MonitorStep struct {
	Base
	Monitors      MonitorCreator
	WorkflowType  string
	CheckInterval time.Duration
	// MetadataKeys lists session data keys copied into the monitor's
	// persisted metadata.
	MetadataKeys []string
}

// NewMonitorStep creates a monitor creation step.
func NewMonitorStep(id, description string, monitors MonitorCreator, workflowType string, checkInterval time.Duration, metadataKeys []string) *MonitorStep {
	return &MonitorStep{
		Base:          Base{StepID: id, StepKind: StepSystem, Desc: description, Prio: PriorityRequired},
		Monitors:      monitors,
		WorkflowType:  workflowType,
		CheckInterval: checkInterval,
		MetadataKeys:  metadataKeys,
	}
}

func (s *MonitorStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	if s.Monitors == nil {
		return Failure("monitor service not bound")
	}

	metadata := map[string]any{"session_id": run.SessionID}
	for _, key := range s.MetadataKeys {
		if v, ok := run.Data.Get(key); ok {
			metadata[key] = v
		}
	}

	taskID, err := s.Monitors.CreateMonitor(ctx, s.WorkflowType, metadata, s.CheckInterval)
	if err != nil {
		return Failure(fmt.Sprintf("failed to create monitor: %v", err))
	}
	run.Data.Set("task_id", taskID)
	return Success(fmt.Sprintf("monitor %s started", taskID), nil).
		WithData("task_id", taskID)
}

// InterventionStep applies an operator action (edit, cancel, pause,
// resume) to an existing background task and records it in the
// intervention audit trail.
type InterventionStep struct {
	Base
	Interventions Intervener
	Action        string
	// TaskIDKey is the session data key holding the target task id.
	TaskIDKey string
	Params    map[string]any
}

// NewInterventionStep creates an intervention step. taskIDKey defaults to
// "task_id".
func NewInterventionStep(id, description string, interventions Intervener, action, taskIDKey string, params map[string]any) *InterventionStep {
	if taskIDKey == "" {
		taskIDKey = "task_id"
	}
	return &InterventionStep{
		Base:          Base{StepID: id, StepKind: StepSystem, Desc: description, Prio: PriorityRequired},
		Interventions: interventions,
		Action:        action,
		TaskIDKey:     taskIDKey,
		Params:        params,
	}
}

func (s *InterventionStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	if s.Interventions == nil {
		return Failure("intervention service not bound")
	}
	taskID, ok := run.Data.GetString(s.TaskIDKey)
	if !ok || taskID == "" {
		return Failure(fmt.Sprintf("missing required data: %s", s.TaskIDKey))
	}

	performedBy := "workflow:" + run.WorkflowType
	outcome, err := s.Interventions.Intervene(ctx, taskID, s.Action, s.Params, performedBy)
	if err != nil {
		return Failure(fmt.Sprintf("intervention %s on %s failed: %v", s.Action, taskID, err))
	}
	return Success(outcome, nil).
		WithData("task_id", taskID).
		WithData("action", s.Action)
}
