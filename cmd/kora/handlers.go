package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/monitor"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/workflow"
)

// hostServices holds the services the named step handlers close over.
// Handlers must exist before configuration loads (handler names are
// resolved at load time), but the services they use exist only after the
// database opens. The fields are therefore filled in later; a handler
// invoked before wiring reports failure instead of panicking.
type hostServices struct {
	bus      *bus.Bus
	todos    *services.TodoService
	calendar *services.CalendarService
}

// registerHostHandlers installs the built-in step handlers workflows.yaml
// may reference: create_todo, create_calendar_event, complete_todo, and
// media_control.
func registerHostHandlers(reg *workflow.HandlerRegistry, host *hostServices) error {
	handlers := map[string]workflow.HandlerFunc{
		"create_todo":           host.createTodo,
		"create_calendar_event": host.createCalendarEvent,
		"complete_todo":         host.completeTodo,
		"media_control":         host.mediaControl,
	}
	for name, fn := range handlers {
		if err := reg.Register(name, fn); err != nil {
			return fmt.Errorf("failed to register handler %s: %w", name, err)
		}
	}
	return nil
}

func (h *hostServices) createTodo(ctx context.Context, run *workflow.Run, params map[string]any) *workflow.StepResult {
	if h.todos == nil {
		return workflow.Failure("todo service not available")
	}
	name := paramString(run, params, "task_name")
	if name == "" {
		return workflow.Failure("create_todo needs task_name")
	}

	priority := strings.ToLower(paramString(run, params, "priority"))
	switch priority {
	case "", "high", "medium", "low", "none":
	default:
		return workflow.Failure(fmt.Sprintf("unknown priority '%s'", priority))
	}

	todo := models.Todo{
		TaskName:        name,
		TaskDescription: paramString(run, params, "task_description"),
		Priority:        models.TodoPriority(priority),
	}
	if raw := paramString(run, params, "deadline"); raw != "" {
		deadline, err := parseWhen(raw)
		if err != nil {
			return workflow.Failure(fmt.Sprintf("bad deadline '%s': %v", raw, err))
		}
		todo.Deadline = &deadline
	}

	id, err := h.todos.Create(ctx, todo)
	if err != nil {
		return workflow.Failure(fmt.Sprintf("failed to create todo: %v", err))
	}
	return workflow.Success(fmt.Sprintf("Created TODO '%s'", name),
		map[string]any{"todo_id": id})
}

func (h *hostServices) createCalendarEvent(ctx context.Context, run *workflow.Run, params map[string]any) *workflow.StepResult {
	if h.calendar == nil {
		return workflow.Failure("calendar service not available")
	}
	summary := paramString(run, params, "summary")
	if summary == "" {
		return workflow.Failure("create_calendar_event needs summary")
	}
	startRaw := paramString(run, params, "start_time")
	if startRaw == "" {
		return workflow.Failure("create_calendar_event needs start_time")
	}
	start, err := parseWhen(startRaw)
	if err != nil {
		return workflow.Failure(fmt.Sprintf("bad start_time '%s': %v", startRaw, err))
	}

	// Events without an explicit end get an hour.
	end := start.Add(time.Hour)
	if endRaw := paramString(run, params, "end_time"); endRaw != "" {
		end, err = parseWhen(endRaw)
		if err != nil {
			return workflow.Failure(fmt.Sprintf("bad end_time '%s': %v", endRaw, err))
		}
	}

	id, err := h.calendar.Create(ctx, models.CalendarEvent{
		Summary:     summary,
		Description: paramString(run, params, "description"),
		StartTime:   start,
		EndTime:     end,
		Location:    paramString(run, params, "location"),
	})
	if err != nil {
		return workflow.Failure(fmt.Sprintf("failed to create calendar event: %v", err))
	}
	return workflow.Success(fmt.Sprintf("Created calendar event '%s'", summary),
		map[string]any{"event_id": id, "start_time": start.Format(time.RFC3339)})
}

func (h *hostServices) completeTodo(ctx context.Context, run *workflow.Run, params map[string]any) *workflow.StepResult {
	if h.todos == nil {
		return workflow.Failure("todo service not available")
	}
	id, ok := paramInt64(run, params, "todo_id")
	if !ok {
		return workflow.Failure("complete_todo needs todo_id")
	}
	if err := h.todos.Complete(ctx, id); err != nil {
		return workflow.Failure(fmt.Sprintf("failed to complete todo %d: %v", id, err))
	}
	return workflow.Success(fmt.Sprintf("Completed TODO %d", id), nil)
}

func (h *hostServices) mediaControl(_ context.Context, run *workflow.Run, params map[string]any) *workflow.StepResult {
	if h.bus == nil {
		return workflow.Failure("event bus not available")
	}
	action := paramString(run, params, "action")
	if action == "" {
		return workflow.Failure("media_control needs action")
	}
	payload := map[string]any{
		"action":     action,
		"session_id": run.SessionID,
	}
	if target := paramString(run, params, "target"); target != "" {
		payload["target"] = target
	}
	h.bus.Publish(bus.KindMediaControlExecuted, "host_handler", payload)
	return workflow.Success(fmt.Sprintf("Media control '%s' dispatched", action),
		map[string]any{"action": action})
}

// paramString resolves a string parameter from the step's configured
// params, falling back to the run's scratchpad. Workflow steps collect
// input into the scratchpad, so handlers see both sources as one.
func paramString(run *workflow.Run, params map[string]any, key string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	if run != nil && run.Data != nil {
		if v, ok := run.Data.GetString(key); ok {
			return v
		}
	}
	return ""
}

// paramInt64 resolves an integer parameter, tolerating the types YAML
// and JSON decoding produce.
func paramInt64(run *workflow.Run, params map[string]any, key string) (int64, bool) {
	v, ok := params[key]
	if !ok && run != nil && run.Data != nil {
		v, ok = run.Data.Get(key)
	}
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// parseWhen parses an absolute RFC3339 timestamp or a duration offset
// from now ("45m", "2h30m").
func parseWhen(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or duration offset, got '%s'", raw)
	}
	return time.Now().UTC().Add(d), nil
}

// monitorFactory builds the monitor functions the pool runs, both for
// fresh CreateMonitor calls and for restores after a restart. One
// built-in type ships with the host: timed_alert watches a trigger time
// and publishes REMINDER_TRIGGERED once it passes.
func monitorFactory(b *bus.Bus, tasks *services.TaskService) monitor.Factory {
	return func(workflowType string, metadata map[string]any) (monitor.Func, error) {
		switch workflowType {
		case "timed_alert":
			return timedAlertMonitor(b, tasks, metadata)
		default:
			return nil, fmt.Errorf("no built-in monitor for workflow type '%s'", workflowType)
		}
	}
}

// timedAlertMonitor fires once when trigger_time passes. Between checks
// it records its liveness on the task record so the status surface shows
// fresh last_check_at/next_check_at values.
func timedAlertMonitor(b *bus.Bus, tasks *services.TaskService, metadata map[string]any) (monitor.Func, error) {
	raw, _ := metadata["trigger_time"].(string)
	if raw == "" {
		return nil, fmt.Errorf("timed_alert needs trigger_time metadata")
	}
	triggerAt, err := parseWhen(raw)
	if err != nil {
		return nil, fmt.Errorf("timed_alert trigger_time: %w", err)
	}
	// Normalize relative offsets to an absolute time before the record
	// persists, so a restore keeps the original deadline.
	metadata["trigger_time"] = triggerAt.Format(time.RFC3339)

	taskID := monitor.TaskIDFrom(metadata)
	message, _ := metadata["message"].(string)
	if message == "" {
		message = "timed alert"
	}

	return func(stop <-chan struct{}, checkInterval time.Duration) {
		monitor.Loop(stop, checkInterval, func() bool {
			now := time.Now().UTC()
			if now.Before(triggerAt) {
				next := now.Add(checkInterval)
				if err := tasks.MarkChecked(context.Background(), taskID, now, &next); err != nil {
					slog.Warn("Timed alert check not recorded", "task_id", taskID, "error", err)
				}
				return false
			}
			b.Publish(bus.KindReminderTriggered, "timed_alert_monitor", map[string]any{
				"task_id":   taskID,
				"message":   message,
				"fire_time": triggerAt.Format(time.RFC3339),
			})
			if err := tasks.UpdateStatus(context.Background(), taskID, models.TaskCompleted, ""); err != nil {
				slog.Warn("Timed alert record not closed", "task_id", taskID, "error", err)
			}
			return true
		})
	}, nil
}
