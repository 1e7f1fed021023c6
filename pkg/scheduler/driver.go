// Package scheduler polls the persisted schedule (reminders, calendar
// events, TODO deadlines) and turns due entries into bus events. It is
// the only component that decides "now is the time"; everything else
// reacts to the events it publishes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
)

const source = "scheduler"

// Driver is the scheduled-event driver. One goroutine ticks at the
// configured interval; each tick is one Poll pass. Persistence errors
// inside a pass are logged and skipped, never fatal: a missed tick is
// retried by the next one.
type Driver struct {
	cfg       *config.SchedulerConfig
	reminders *services.ReminderService
	calendar  *services.CalendarService
	todos     *services.TodoService
	bus       *bus.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool

	reportOnce sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New creates a driver over the scheduling services.
func New(cfg *config.SchedulerConfig, reminders *services.ReminderService, calendar *services.CalendarService, todos *services.TodoService, b *bus.Bus) *Driver {
	return &Driver{
		cfg:       cfg,
		reminders: reminders,
		calendar:  calendar,
		todos:     todos,
		bus:       b,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the polling loop. Safe to call once.
func (d *Driver) Start() {
	if d.started {
		return
	}
	d.started = true
	go d.loop()
	slog.Info("Scheduler started", "tick_interval", d.cfg.TickInterval)
}

// Stop terminates the polling loop and waits for the current pass.
func (d *Driver) Stop() {
	if !d.started {
		return
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
	slog.Info("Scheduler stopped")
}

func (d *Driver) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Poll(context.Background())
		}
	}
}

// Poll runs one scheduling pass: fire due reminders, stage calendar
// notifications, stage TODO deadline notifications.
func (d *Driver) Poll(ctx context.Context) {
	now := d.now().UTC()
	d.fireReminders(ctx, now)
	d.stageCalendar(ctx, now)
	d.stageTodos(ctx, now)
}

// fireReminders publishes REMINDER_TRIGGERED for every reminder whose
// fire time has passed, then deletes it. Reminders are one-shot; the
// delete is what prevents a refire, so a failed delete skips the publish
// on the next pass only if the event was already out. Publish first,
// delete second: losing a reminder is worse than repeating one.
func (d *Driver) fireReminders(ctx context.Context, now time.Time) {
	due, err := d.reminders.DueBefore(ctx, now)
	if err != nil {
		slog.Error("Failed to list due reminders", "error", err)
		return
	}

	for _, r := range due {
		d.bus.Publish(bus.KindReminderTriggered, source, map[string]any{
			"reminder_id": r.ID,
			"message":     r.Message,
			"fire_time":   r.Time,
		})
		if err := d.reminders.Delete(ctx, r.ID); err != nil {
			slog.Error("Failed to delete fired reminder", "reminder_id", r.ID, "error", err)
		}
	}
	if len(due) > 0 {
		slog.Info("Reminders fired", "count", len(due))
	}
}

// stageCalendar publishes CALENDAR_EVENT_STARTING at the 24h, 1h, and
// 15min marks before each upcoming event. The persisted last stage keeps
// one stage from being announced twice.
func (d *Driver) stageCalendar(ctx context.Context, now time.Time) {
	upcoming, err := d.calendar.Upcoming(ctx, now)
	if err != nil {
		slog.Error("Failed to list upcoming calendar events", "error", err)
		return
	}

	for _, ev := range upcoming {
		stage := models.CalendarStageFor(ev.StartTime.Sub(now))
		if stage == models.StageNone || !stage.Follows(ev.LastNotifiedStage) {
			continue
		}
		d.bus.Publish(bus.KindCalendarEventStarting, source, map[string]any{
			"event_id":   ev.ID,
			"summary":    ev.Summary,
			"stage":      string(stage),
			"start_time": ev.StartTime,
			"location":   ev.Location,
		})
		if err := d.calendar.SetNotifiedStage(ctx, ev.ID, stage, now); err != nil {
			slog.Error("Failed to record calendar notification stage",
				"event_id", ev.ID, "stage", stage, "error", err)
		}
	}
}

// stageTodos publishes TODO_UPCOMING at the 24h and 1h marks before each
// pending TODO's deadline and TODO_OVERDUE once the deadline passes.
func (d *Driver) stageTodos(ctx context.Context, now time.Time) {
	pending, err := d.todos.PendingWithDeadline(ctx)
	if err != nil {
		slog.Error("Failed to list pending TODOs", "error", err)
		return
	}

	for _, td := range pending {
		stage := models.TodoStageFor(td.Deadline.Sub(now))
		if stage == models.StageNone || !stage.Follows(td.LastNotifiedStage) {
			continue
		}

		kind := bus.KindTodoUpcoming
		if stage == models.StageAtDeadline {
			kind = bus.KindTodoOverdue
		}
		d.bus.Publish(kind, source, map[string]any{
			"todo_id":   td.ID,
			"task_name": td.TaskName,
			"stage":     string(stage),
			"deadline":  *td.Deadline,
			"priority":  string(td.Priority),
		})
		if err := d.todos.SetNotifiedStage(ctx, td.ID, stage, now); err != nil {
			slog.Error("Failed to record TODO notification stage",
				"todo_id", td.ID, "stage", stage, "error", err)
		}
	}
}

// StartupReport publishes SYSTEM_STARTUP_REPORT once, enumerating what
// went stale while the process was down: overdue pending TODOs,
// reminders whose fire time already passed, and calendar events that
// ended within the last 24 hours. It only reports; the first regular
// poll still fires the missed reminders.
func (d *Driver) StartupReport(ctx context.Context) error {
	var reportErr error
	d.reportOnce.Do(func() {
		now := d.now().UTC()

		overdue, err := d.todos.OverduePending(ctx, now)
		if err != nil {
			reportErr = err
			return
		}
		missed, err := d.reminders.DueBefore(ctx, now)
		if err != nil {
			reportErr = err
			return
		}
		ended, err := d.calendar.EndedBetween(ctx, now.Add(-24*time.Hour), now)
		if err != nil {
			reportErr = err
			return
		}

		todoList := make([]map[string]any, 0, len(overdue))
		for _, td := range overdue {
			todoList = append(todoList, map[string]any{
				"todo_id":   td.ID,
				"task_name": td.TaskName,
				"deadline":  td.Deadline,
				"priority":  string(td.Priority),
			})
		}
		reminderList := make([]map[string]any, 0, len(missed))
		for _, r := range missed {
			reminderList = append(reminderList, map[string]any{
				"reminder_id": r.ID,
				"message":     r.Message,
				"fire_time":   r.Time,
			})
		}
		eventList := make([]map[string]any, 0, len(ended))
		for _, ev := range ended {
			eventList = append(eventList, map[string]any{
				"event_id": ev.ID,
				"summary":  ev.Summary,
				"end_time": ev.EndTime,
			})
		}

		d.bus.Publish(bus.KindSystemStartupReport, source, map[string]any{
			"overdue_todos":       todoList,
			"overdue_todo_count":  len(overdue),
			"missed_reminders":    reminderList,
			"missed_count":        len(missed),
			"recent_ended_events": eventList,
			"recent_ended_count":  len(ended),
			"generated_at":        now,
		})
		slog.Info("Startup report published",
			"overdue_todos", len(overdue),
			"missed_reminders", len(missed),
			"recent_ended_events", len(ended))
	})
	return reportErr
}
