package background

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/workctx"
	"github.com/kora-assist/kora/pkg/workflow"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	client, err := database.Open(context.Background(),
		database.DefaultConfig(filepath.Join(t.TempDir(), "kora.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client.DB()
}

func newExecutor(t *testing.T, workers, maxIterations int) (*Executor, *services.TaskService, *bus.Bus) {
	t.Helper()
	tasks := services.NewTaskService(testDB(t))
	b := bus.New()
	e := New(&config.BackgroundConfig{Workers: workers, MaxIterations: maxIterations}, tasks, b)
	e.Start()
	t.Cleanup(e.Stop)
	return e, tasks, b
}

func newEngine(def *workflow.Definition) *workflow.Engine {
	run := &workflow.Run{
		SessionID:    "sess-bg",
		WorkflowType: def.Type,
		Data:         workctx.New(),
		Global:       workctx.New(),
	}
	return workflow.NewEngine(def, run, nil, workflow.Hooks{})
}

// digestDefinition is a three-step non-interactive chain.
func digestDefinition(record func(step string)) *workflow.Definition {
	handler := func(step string) workflow.HandlerFunc {
		return func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
			if record != nil {
				record(step)
			}
			return workflow.Success(step+" done", nil)
		}
	}
	return &workflow.Definition{
		Type: "nightly_digest",
		Name: "Nightly digest",
		Mode: workflow.ModeBackground,
		Steps: map[string]workflow.Step{
			"collect":   workflow.NewProcessingStep("collect", "Collect items", "collect_items", handler("collect"), nil),
			"summarize": workflow.NewProcessingStep("summarize", "Summarize items", "summarize_items", handler("summarize"), nil),
			"store":     workflow.NewSystemStep("store", "Store the digest", "store_digest", handler("store"), nil),
		},
		Transitions: map[string][]workflow.Transition{
			"collect":   {{To: "summarize"}},
			"summarize": {{To: "store"}},
			"store":     {{To: workflow.EndStep}},
		},
		EntryPoint: "collect",
	}
}

// pollDefinition is a single loop step driven by the given handler.
func pollDefinition(handler workflow.HandlerFunc) *workflow.Definition {
	return &workflow.Definition{
		Type: "poll_feed",
		Mode: workflow.ModeBackground,
		Steps: map[string]workflow.Step{
			"poll": workflow.NewLoopStep("poll", "Poll the feed", "poll_feed", handler, "done", 100),
		},
		Transitions: map[string][]workflow.Transition{
			"poll": {{To: workflow.EndStep}},
		},
		EntryPoint: "poll",
	}
}

func taskRecord(t *testing.T, tasks *services.TaskService, id string) *models.BackgroundTask {
	t.Helper()
	rec, err := tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func waitForStatus(t *testing.T, tasks *services.TaskService, id string, want models.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := tasks.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, waitFor, tick, "task %s never reached %s", id, want)
}

func TestSubmitRunsWorkflowToCompletion(t *testing.T) {
	e, tasks, b := newExecutor(t, 2, 100)

	var mu sync.Mutex
	var order []string
	def := digestDefinition(func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	})
	require.NoError(t, def.Validate())

	id, err := e.Submit(context.Background(), newEngine(def), map[string]any{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitForStatus(t, tasks, id, models.TaskCompleted)

	mu.Lock()
	assert.Equal(t, []string{"collect", "summarize", "store"}, order)
	mu.Unlock()

	rec := taskRecord(t, tasks, id)
	assert.Equal(t, "nightly_digest", rec.WorkflowType)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, "test", rec.Metadata["origin"])

	events := b.Recent(0, bus.KindBackgroundWorkflowCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Data["task_id"])
	assert.Equal(t, "sess-bg", events[0].Data["session_id"])
	assert.Equal(t, []string{"collect", "summarize", "store"}, events[0].Data["completed_steps"])

	require.Eventually(t, func() bool { return len(e.Active()) == 0 }, waitFor, tick)
}

func TestSubmitRefusesInteractiveStep(t *testing.T) {
	e, tasks, _ := newExecutor(t, 1, 100)

	def := &workflow.Definition{
		Type: "ask_name",
		Mode: workflow.ModeDirect,
		Steps: map[string]workflow.Step{
			"ask": workflow.NewInputStep("ask", "Ask the user's name", "user_name", "What is your name?", true),
		},
		Transitions: map[string][]workflow.Transition{
			"ask": {{To: workflow.EndStep}},
		},
		EntryPoint: "ask",
	}
	require.NoError(t, def.Validate())

	_, err := e.Submit(context.Background(), newEngine(def), nil)
	require.ErrorIs(t, err, ErrInteractiveStep)

	// No record was written for the refused submission.
	all, err := tasks.ListByStatus(context.Background(),
		models.TaskQueued, models.TaskRunning, models.TaskCompleted,
		models.TaskFailed, models.TaskCancelled, models.TaskSuspended)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitRefusesFinishedEngine(t *testing.T) {
	e, _, _ := newExecutor(t, 1, 100)

	eng := newEngine(digestDefinition(nil))
	eng.Start(context.Background())
	require.True(t, eng.Done())

	_, err := e.Submit(context.Background(), eng, nil)
	require.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestSubmitAfterStopRejects(t *testing.T) {
	e, _, _ := newExecutor(t, 1, 100)
	e.Stop()

	_, err := e.Submit(context.Background(), newEngine(digestDefinition(nil)), nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestStepFailureMarksTaskFailed(t *testing.T) {
	e, tasks, b := newExecutor(t, 1, 100)

	fail := func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
		return workflow.Failure("upstream said no")
	}
	def := &workflow.Definition{
		Type: "flaky_sync",
		Mode: workflow.ModeBackground,
		Steps: map[string]workflow.Step{
			"sync": workflow.NewProcessingStep("sync", "Sync upstream", "sync_upstream", fail, nil),
		},
		Transitions: map[string][]workflow.Transition{
			"sync": {{To: workflow.EndStep}},
		},
		EntryPoint: "sync",
	}

	id, err := e.Submit(context.Background(), newEngine(def), nil)
	require.NoError(t, err)

	waitForStatus(t, tasks, id, models.TaskFailed)
	rec := taskRecord(t, tasks, id)
	assert.Contains(t, rec.ErrorMessage, "upstream said no")

	events := b.Recent(0, bus.KindBackgroundWorkflowFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "upstream said no", events[0].Data["error"])
	assert.Empty(t, b.Recent(0, bus.KindBackgroundWorkflowCompleted))
}

func TestIterationCapFailsRunawayWorkflow(t *testing.T) {
	e, tasks, b := newExecutor(t, 1, 3)

	// Never reports done, so only the executor's cap can end the run.
	spin := func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
		return workflow.Success("still polling", nil)
	}

	id, err := e.Submit(context.Background(), newEngine(pollDefinition(spin)), nil)
	require.NoError(t, err)

	waitForStatus(t, tasks, id, models.TaskFailed)
	rec := taskRecord(t, tasks, id)
	assert.Contains(t, rec.ErrorMessage, "no completion after 3 iterations")

	events := b.Recent(0, bus.KindBackgroundWorkflowFailed)
	require.Len(t, events, 1)
}

func TestCancelIsCooperative(t *testing.T) {
	e, tasks, b := newExecutor(t, 1, 100)

	started := make(chan struct{})
	gate := make(chan struct{})
	var startOnce sync.Once
	blocked := func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
		startOnce.Do(func() { close(started) })
		<-gate
		return workflow.Success("polled", nil)
	}

	eng := newEngine(pollDefinition(blocked))
	id, err := e.Submit(context.Background(), eng, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("worker never started the workflow")
	}

	// Cancel while the iteration is still in flight: the record flips
	// immediately, the worker stands down at the next iteration boundary.
	require.NoError(t, e.Cancel(context.Background(), id))

	rec := taskRecord(t, tasks, id)
	assert.Equal(t, models.TaskCancelled, rec.Status)
	assert.Equal(t, "cancelled on request", rec.ErrorMessage)

	events := b.Recent(0, bus.KindBackgroundWorkflowCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Data["task_id"])

	close(gate)
	require.Eventually(t, func() bool {
		return eng.Cancelled() && len(e.Active()) == 0
	}, waitFor, tick)

	// The worker did not overwrite the cancelled record or publish a
	// second terminal event.
	assert.Equal(t, models.TaskCancelled, taskRecord(t, tasks, id).Status)
	assert.Empty(t, b.Recent(0, bus.KindBackgroundWorkflowCompleted))
	assert.Empty(t, b.Recent(0, bus.KindBackgroundWorkflowFailed))
	assert.Len(t, b.Recent(0, bus.KindBackgroundWorkflowCancelled), 1)
}

func TestCancelUnknownTask(t *testing.T) {
	e, _, _ := newExecutor(t, 1, 100)
	err := e.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStopSuspendsRunningTask(t *testing.T) {
	e, tasks, _ := newExecutor(t, 1, 100)

	started := make(chan struct{})
	gate := make(chan struct{})
	var startOnce sync.Once
	blocked := func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
		startOnce.Do(func() { close(started) })
		<-gate
		return workflow.Success("polled", nil)
	}

	id, err := e.Submit(context.Background(), newEngine(pollDefinition(blocked)), nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("worker never started the workflow")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	// Hold the handler until the stop signal is observable, then release
	// it once; the worker finishes the in-flight iteration and suspends
	// the task at the next iteration boundary.
	require.Eventually(t, func() bool {
		_, err := e.Submit(context.Background(), newEngine(digestDefinition(nil)), nil)
		return errors.Is(err, ErrStopped)
	}, waitFor, tick, "stop signal never became observable")
	close(gate)

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("executor never finished stopping")
	}

	rec := taskRecord(t, tasks, id)
	assert.Equal(t, models.TaskSuspended, rec.Status)
	assert.Equal(t, "suspended at executor stop", rec.ErrorMessage)
}

func TestWorkerSurvivesPanickingStep(t *testing.T) {
	e, tasks, b := newExecutor(t, 1, 100)

	boom := func(_ context.Context, _ *workflow.Run, _ map[string]any) *workflow.StepResult {
		panic("boom")
	}
	def := &workflow.Definition{
		Type: "explosive",
		Mode: workflow.ModeBackground,
		Steps: map[string]workflow.Step{
			"detonate": workflow.NewProcessingStep("detonate", "Blow up", "detonate", boom, nil),
		},
		Transitions: map[string][]workflow.Transition{
			"detonate": {{To: workflow.EndStep}},
		},
		EntryPoint: "detonate",
	}

	id, err := e.Submit(context.Background(), newEngine(def), nil)
	require.NoError(t, err)

	waitForStatus(t, tasks, id, models.TaskFailed)
	assert.Contains(t, taskRecord(t, tasks, id).ErrorMessage, "panic: boom")
	require.Len(t, b.Recent(0, bus.KindBackgroundWorkflowFailed), 1)

	// The single worker is still alive and picks up new work.
	id2, err := e.Submit(context.Background(), newEngine(digestDefinition(nil)), nil)
	require.NoError(t, err)
	waitForStatus(t, tasks, id2, models.TaskCompleted)
}
