package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/models"
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	client, err := database.Open(context.Background(),
		database.DefaultConfig(filepath.Join(t.TempDir(), "kora.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client.DB()
}

func TestReminderLifecycle(t *testing.T) {
	svc := NewReminderService(testDB(t))
	ctx := context.Background()
	now := time.Now()

	id, err := svc.CreateReminder(ctx, now.Add(time.Hour), "Check the oven")
	require.NoError(t, err)
	require.NotZero(t, id)

	// Not due yet.
	due, err := svc.DueBefore(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Due once the fire time passes.
	due, err = svc.DueBefore(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Check the oven", due[0].Message)
	assert.WithinDuration(t, now.Add(time.Hour), due[0].Time, time.Second)

	require.NoError(t, svc.Delete(ctx, id))
	assert.ErrorIs(t, svc.Delete(ctx, id), ErrNotFound)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReminderRejectsEmptyMessage(t *testing.T) {
	svc := NewReminderService(testDB(t))
	_, err := svc.CreateReminder(context.Background(), time.Now(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCalendarStaging(t *testing.T) {
	svc := NewCalendarService(testDB(t))
	ctx := context.Background()
	now := time.Now()

	id, err := svc.Create(ctx, models.CalendarEvent{
		Summary:   "Dentist",
		StartTime: now.Add(3 * time.Hour),
		EndTime:   now.Add(4 * time.Hour),
		Location:  "Main St",
	})
	require.NoError(t, err)

	upcoming, err := svc.Upcoming(ctx, now)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "Dentist", upcoming[0].Summary)
	assert.Equal(t, models.StageNone, upcoming[0].LastNotifiedStage)
	assert.Nil(t, upcoming[0].LastNotifiedAt)

	require.NoError(t, svc.SetNotifiedStage(ctx, id, models.Stage24hBefore, now))

	event, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.Stage24hBefore, event.LastNotifiedStage)
	require.NotNil(t, event.LastNotifiedAt)
	assert.WithinDuration(t, now, *event.LastNotifiedAt, time.Second)
}

func TestCalendarEndedBetween(t *testing.T) {
	svc := NewCalendarService(testDB(t))
	ctx := context.Background()
	now := time.Now()

	_, err := svc.Create(ctx, models.CalendarEvent{
		Summary:   "Yesterday's standup",
		StartTime: now.Add(-25 * time.Hour),
		EndTime:   now.Add(-24*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.CalendarEvent{
		Summary:   "Last week's retro",
		StartTime: now.Add(-8 * 24 * time.Hour),
		EndTime:   now.Add(-8*24*time.Hour + time.Hour),
	})
	require.NoError(t, err)

	ended, err := svc.EndedBetween(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, "Yesterday's standup", ended[0].Summary)
}

func TestCalendarRejectsInvertedTimes(t *testing.T) {
	svc := NewCalendarService(testDB(t))
	_, err := svc.Create(context.Background(), models.CalendarEvent{
		Summary:   "Backwards",
		StartTime: time.Now().Add(2 * time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTodoLifecycle(t *testing.T) {
	svc := NewTodoService(testDB(t))
	ctx := context.Background()
	now := time.Now()
	deadline := now.Add(6 * time.Hour)

	id, err := svc.Create(ctx, models.Todo{
		TaskName: "File taxes",
		Priority: models.PriorityHigh,
		Deadline: &deadline,
	})
	require.NoError(t, err)

	// No deadline means no staging.
	_, err = svc.Create(ctx, models.Todo{TaskName: "Someday: learn piano"})
	require.NoError(t, err)

	pending, err := svc.PendingWithDeadline(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "File taxes", pending[0].TaskName)
	assert.Equal(t, models.TodoPending, pending[0].Status)

	require.NoError(t, svc.SetNotifiedStage(ctx, id, models.Stage24hBefore, now))
	todo, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.Stage24hBefore, todo.LastNotifiedStage)

	require.NoError(t, svc.Complete(ctx, id))
	todo, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TodoCompleted, todo.Status)
	require.NotNil(t, todo.CompletedAt)

	pending, err = svc.PendingWithDeadline(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTodoOverduePendingOrdersByPriority(t *testing.T) {
	svc := NewTodoService(testDB(t))
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-2 * time.Hour)
	earlier := now.Add(-4 * time.Hour)

	_, err := svc.Create(ctx, models.Todo{TaskName: "low chore", Priority: models.PriorityLow, Deadline: &earlier})
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.Todo{TaskName: "urgent fix", Priority: models.PriorityHigh, Deadline: &past})
	require.NoError(t, err)

	overdue, err := svc.OverduePending(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "urgent fix", overdue[0].TaskName)
	assert.Equal(t, "low chore", overdue[1].TaskName)
}

func TestTaskStatusGraph(t *testing.T) {
	svc := NewTaskService(testDB(t))
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, models.BackgroundTask{
		TaskID:       "task-1",
		WorkflowType: "delivery_monitor",
		Metadata:     models.JSONMap{"tracking_number": "PKG-001"},
	}))

	task, err := svc.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, task.Status)
	assert.Equal(t, "PKG-001", task.Metadata["tracking_number"])

	require.NoError(t, svc.UpdateStatus(ctx, "task-1", models.TaskRunning, ""))
	require.NoError(t, svc.UpdateStatus(ctx, "task-1", models.TaskCompleted, ""))

	// Terminal records stay terminal.
	err = svc.UpdateStatus(ctx, "task-1", models.TaskRunning, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskSuspendActive(t *testing.T) {
	svc := NewTaskService(testDB(t))
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, models.BackgroundTask{TaskID: "q", WorkflowType: "w"}))
	require.NoError(t, svc.Create(ctx, models.BackgroundTask{TaskID: "r", WorkflowType: "w"}))
	require.NoError(t, svc.Create(ctx, models.BackgroundTask{TaskID: "c", WorkflowType: "w"}))
	require.NoError(t, svc.UpdateStatus(ctx, "r", models.TaskRunning, ""))
	require.NoError(t, svc.UpdateStatus(ctx, "c", models.TaskRunning, ""))
	require.NoError(t, svc.UpdateStatus(ctx, "c", models.TaskCancelled, "user cancelled"))

	n, err := svc.SuspendActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	suspended, err := svc.ListByStatus(ctx, models.TaskSuspended)
	require.NoError(t, err)
	assert.Len(t, suspended, 2)

	// The cancelled record is untouched.
	task, err := svc.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, task.Status)
	assert.Equal(t, "user cancelled", task.ErrorMessage)
}

func TestTaskMarkChecked(t *testing.T) {
	svc := NewTaskService(testDB(t))
	ctx := context.Background()
	now := time.Now()
	next := now.Add(5 * time.Minute)

	require.NoError(t, svc.Create(ctx, models.BackgroundTask{TaskID: "m", WorkflowType: "w"}))
	require.NoError(t, svc.MarkChecked(ctx, "m", now, &next))

	task, err := svc.Get(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, task.LastCheckAt)
	require.NotNil(t, task.NextCheckAt)
	assert.WithinDuration(t, now, *task.LastCheckAt, time.Second)
	assert.WithinDuration(t, next, *task.NextCheckAt, time.Second)
}

func TestInterventionAuditTrail(t *testing.T) {
	db := testDB(t)
	tasks := NewTaskService(db)
	svc := NewInterventionService(db)
	ctx := context.Background()

	require.NoError(t, tasks.Create(ctx, models.BackgroundTask{TaskID: "task-9", WorkflowType: "w"}))

	_, err := svc.Record(ctx, models.Intervention{
		TaskID:      "task-9",
		Action:      models.InterventionPause,
		PerformedBy: "operator",
		Result:      "task paused",
	})
	require.NoError(t, err)
	_, err = svc.Record(ctx, models.Intervention{
		TaskID:      "task-9",
		Action:      models.InterventionResume,
		PerformedBy: "operator",
		Result:      "task resumed",
	})
	require.NoError(t, err)

	trail, err := svc.ListForTask(ctx, "task-9")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.InterventionPause, trail[0].Action)
	assert.Equal(t, models.InterventionResume, trail[1].Action)
	assert.False(t, trail[0].PerformedAt.IsZero())
}

func TestInterventionRejectsUnknownAction(t *testing.T) {
	svc := NewInterventionService(testDB(t))
	_, err := svc.Record(context.Background(), models.Intervention{
		TaskID: "t", Action: "reboot",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInterventionRequiresExistingTask(t *testing.T) {
	svc := NewInterventionService(testDB(t))
	_, err := svc.Record(context.Background(), models.Intervention{
		TaskID: "ghost", Action: models.InterventionCancel,
	})
	assert.Error(t, err, "fk constraint rejects interventions on unknown tasks")
}
