package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/session"
)

func setupSweeper(t *testing.T) (*Sweeper, *session.Store, *services.TaskService, *services.InterventionService) {
	t.Helper()
	client, err := database.Open(context.Background(),
		database.DefaultConfig(filepath.Join(t.TempDir(), "kora.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := session.NewStore(bus.New())
	tasks := services.NewTaskService(client.DB())
	interventions := services.NewInterventionService(client.DB())

	cfg := &config.RetentionConfig{
		SessionRetention: time.Nanosecond,
		TaskRetention:    time.Nanosecond,
		SweepInterval:    time.Hour,
	}
	return NewSweeper(cfg, store, tasks), store, tasks, interventions
}

func TestSweepDropsTerminalSessions(t *testing.T) {
	sweeper, store, _, _ := setupSweeper(t)
	ctx := context.Background()

	ended := store.CreateChatting(nil)
	require.NoError(t, store.EndSession(ended, session.EndCompleted, ""))
	live := store.CreateChatting(nil)

	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	_, err := store.Get(ended)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Active sessions are untouched regardless of age.
	snap, err := store.Get(live)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, snap.Status)
}

func TestSweepDeletesTerminalTaskRecords(t *testing.T) {
	sweeper, _, tasks, interventions := setupSweeper(t)
	ctx := context.Background()

	require.NoError(t, tasks.Create(ctx, models.BackgroundTask{TaskID: "done", WorkflowType: "w"}))
	require.NoError(t, tasks.UpdateStatus(ctx, "done", models.TaskRunning, ""))
	require.NoError(t, tasks.UpdateStatus(ctx, "done", models.TaskCompleted, ""))
	require.NoError(t, tasks.Create(ctx, models.BackgroundTask{TaskID: "active", WorkflowType: "w"}))
	require.NoError(t, tasks.UpdateStatus(ctx, "active", models.TaskRunning, ""))

	_, err := interventions.Record(ctx, models.Intervention{
		TaskID: "done", Action: models.InterventionCancel, PerformedBy: "operator",
	})
	require.NoError(t, err)

	// Push the sweeper's clock past the retention window.
	sweeper.now = func() time.Time { return time.Now().Add(time.Minute) }
	sweeper.Sweep(ctx)

	_, err = tasks.Get(ctx, "done")
	assert.ErrorIs(t, err, services.ErrNotFound)

	// Audit rows cascade with their task.
	trail, err := interventions.ListForTask(ctx, "done")
	require.NoError(t, err)
	assert.Empty(t, trail)

	// Non-terminal records survive.
	task, err := tasks.Get(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, task.Status)
}

func TestSweeperStartStop(t *testing.T) {
	sweeper, store, _, _ := setupSweeper(t)
	sweeper.cfg.SweepInterval = 5 * time.Millisecond

	ended := store.CreateChatting(nil)
	require.NoError(t, store.EndSession(ended, session.EndCancelled, "test over"))

	sweeper.Start()
	require.Eventually(t, func() bool {
		_, err := store.Get(ended)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	sweeper.Stop()

	// Stop is idempotent.
	sweeper.Stop()
}
