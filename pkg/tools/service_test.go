package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/background"
	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/session"
	"github.com/kora-assist/kora/pkg/workctx"
	"github.com/kora-assist/kora/pkg/workflow"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type defsSource map[string]*workflow.Definition

func (d defsSource) Definition(workflowType string) (*workflow.Definition, bool) {
	def, ok := d[workflowType]
	return def, ok
}

type recordedTask struct {
	taskID       string
	workflowType string
	sessionID    string
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []recordedTask
}

func (r *recordingTracker) Track(taskID, workflowType, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedTask{taskID, workflowType, sessionID})
}

func (r *recordingTracker) tracked() []recordedTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedTask, len(r.calls))
	copy(out, r.calls)
	return out
}

func testDB(t *testing.T) *services.TaskService {
	t.Helper()
	client, err := database.Open(context.Background(),
		database.DefaultConfig(filepath.Join(t.TempDir(), "kora.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return services.NewTaskService(client.DB())
}

func readFileHandler(_ context.Context, run *workflow.Run, _ map[string]any) *workflow.StepResult {
	path, _ := run.Data.GetString("current_file_path")
	return workflow.Success(fmt.Sprintf("read %s", path), map[string]any{"content": "hello"})
}

// dropAndReadDefinition is the two-step direct fixture: collect a file
// path (skipped when already present), then read the file.
func dropAndReadDefinition() *workflow.Definition {
	return &workflow.Definition{
		Type: "drop_and_read",
		Name: "Drop and read",
		Mode: workflow.ModeDirect,
		Steps: map[string]workflow.Step{
			"file_path_input": workflow.NewFileSelectionStep(
				"file_path_input", "Collect the file to read",
				"current_file_path", "Which file should I read?", nil),
			"execute_read": workflow.NewSystemStep(
				"execute_read", "Read the file aloud",
				"read_file", readFileHandler, nil),
		},
		Transitions: map[string][]workflow.Transition{
			"file_path_input": {{To: "execute_read"}},
			"execute_read":    {{To: workflow.EndStep}},
		},
		EntryPoint: "file_path_input",
	}
}

// digestDefinition is a non-interactive background chain.
func digestDefinition() *workflow.Definition {
	handler := func(step string) workflow.HandlerFunc {
		return func(context.Context, *workflow.Run, map[string]any) *workflow.StepResult {
			return workflow.Success(step+" done", nil)
		}
	}
	return &workflow.Definition{
		Type: "nightly_digest",
		Name: "Nightly digest",
		Mode: workflow.ModeBackground,
		Steps: map[string]workflow.Step{
			"collect": workflow.NewProcessingStep("collect", "Collect items",
				"collect_items", handler("collect"), nil),
			"store": workflow.NewSystemStep("store", "Store the digest",
				"store_digest", handler("store"), nil),
		},
		Transitions: map[string][]workflow.Transition{
			"collect": {{To: "store"}},
			"store":   {{To: workflow.EndStep}},
		},
		EntryPoint: "collect",
	}
}

type fixture struct {
	svc      *Service
	manager  *workflow.Manager
	store    *session.Store
	bus      *bus.Bus
	tasks    *services.TaskService
	executor *background.Executor
	tracker  *recordingTracker
	global   *workctx.Context
}

func newFixture(t *testing.T, defs defsSource, cfg *config.Config) *fixture {
	t.Helper()
	b := bus.New()
	b.Start()
	store := session.NewStore(b)
	global := workctx.New()
	m := workflow.NewManager(defs, store, b, global)
	m.Start()
	tasks := testDB(t)
	exec := background.New(&config.BackgroundConfig{Workers: 1, MaxIterations: 100}, tasks, b)
	exec.Start()
	t.Cleanup(func() {
		exec.Stop()
		m.Stop()
		b.Stop()
	})

	tracker := &recordingTracker{}
	return &fixture{
		svc:      New(cfg, defs, m, store, exec, tracker, global),
		manager:  m,
		store:    store,
		bus:      b,
		tasks:    tasks,
		executor: exec,
		tracker:  tracker,
		global:   global,
	}
}

func emptyConfig() *config.Config {
	return &config.Config{Workflows: config.NewWorkflowRegistry(nil)}
}

func TestStartWorkflowDirectPromptsForInput(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	resp, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
		Command:      "read me a file",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Empty(t, resp.TaskID)
	assert.False(t, resp.Background)
	assert.True(t, resp.RequiresInput)
	assert.False(t, resp.AutoContinue)
	assert.Equal(t, "Which file should I read?", resp.CurrentStepPrompt)
	assert.Contains(t, resp.WorkflowStepsOverview, "file_path_input")
}

func TestStartWorkflowBackgroundSubmitsTask(t *testing.T) {
	f := newFixture(t, defsSource{"nightly_digest": digestDefinition()}, emptyConfig())

	resp, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "nightly_digest",
		Command:      "run the digest",
	})
	require.NoError(t, err)

	assert.True(t, resp.Background)
	assert.True(t, resp.AutoContinue)
	assert.NotEmpty(t, resp.TaskID)
	assert.Empty(t, resp.SessionID)

	tracked := f.tracker.tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, resp.TaskID, tracked[0].taskID)
	assert.Equal(t, "nightly_digest", tracked[0].workflowType)

	require.Eventually(t, func() bool {
		rec, err := f.tasks.Get(context.Background(), resp.TaskID)
		return err == nil && rec.Status == models.TaskCompleted
	}, waitFor, tick)
}

func TestStartWorkflowBackgroundWithoutExecutor(t *testing.T) {
	f := newFixture(t, defsSource{"nightly_digest": digestDefinition()}, emptyConfig())
	svc := New(emptyConfig(), defsSource{"nightly_digest": digestDefinition()},
		f.manager, f.store, nil, nil, f.global)

	_, err := svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "nightly_digest",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartWorkflowUnknownType(t *testing.T) {
	f := newFixture(t, defsSource{}, emptyConfig())

	_, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "no_such_flow",
	})
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	_, err = f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func inferenceConfig() *config.Config {
	wf := &config.WorkflowConfig{
		InitialParams: map[string]*config.InitialParamConfig{
			"playback_mode": {
				InferFrom: []config.InferenceRule{{
					Param:     "current_file_path",
					Condition: "exists",
					Value:     "file",
					Reason:    "a dropped file implies file playback",
				}},
			},
			"output_voice": {
				InferFrom: []config.InferenceRule{{
					Param:     "active_device",
					Condition: "exists",
					Value:     "speaker",
					Reason:    "an active device implies spoken output",
				}},
			},
		},
	}
	return &config.Config{
		Workflows: config.NewWorkflowRegistry(map[string]*config.WorkflowConfig{
			"drop_and_read": wf,
		}),
	}
}

func TestStartWorkflowInfersMissingParams(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, inferenceConfig())

	resp, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
		InitialData:  map[string]any{"current_file_path": "/tmp/notes.txt"},
	})
	require.NoError(t, err)
	require.True(t, resp.AutoContinue)

	data, err := f.store.Data(resp.SessionID)
	require.NoError(t, err)
	mode, ok := data.GetString("playback_mode")
	require.True(t, ok)
	assert.Equal(t, "file", mode)

	// The rule for output_voice did not fire: active_device is nowhere.
	assert.False(t, data.Has("output_voice"))
}

func TestStartWorkflowInferenceKeepsProvidedValue(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, inferenceConfig())

	resp, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
		InitialData: map[string]any{
			"current_file_path": "/tmp/notes.txt",
			"playback_mode":     "stream",
		},
	})
	require.NoError(t, err)

	data, err := f.store.Data(resp.SessionID)
	require.NoError(t, err)
	mode, _ := data.GetString("playback_mode")
	assert.Equal(t, "stream", mode)
}

func TestStartWorkflowInferenceConsultsGlobalContext(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, inferenceConfig())
	f.global.Set("active_device", "living_room")

	resp, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)
	require.True(t, resp.RequiresInput)

	data, err := f.store.Data(resp.SessionID)
	require.NoError(t, err)
	voice, ok := data.GetString("output_voice")
	require.True(t, ok)
	assert.Equal(t, "speaker", voice)
}

func TestContinueWorkflowDrivesToCompletion(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)
	require.True(t, start.RequiresInput)

	// Input satisfies the entry step; the read step is up next.
	resp, err := f.svc.ContinueWorkflow(context.Background(), ContinueWorkflowRequest{
		SessionID: start.SessionID,
		UserInput: "/tmp/song.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, resp.Status)
	assert.True(t, resp.Success)

	// An empty continue drives the non-interactive read step.
	resp, err = f.svc.ContinueWorkflow(context.Background(), ContinueWorkflowRequest{
		SessionID: start.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Contains(t, resp.Message, "/tmp/song.txt")
	assert.Equal(t, "hello", resp.Data["content"])

	snap, err := f.store.GetWorkflow(start.SessionID)
	require.NoError(t, err)
	assert.True(t, snap.PendingEnd)
	assert.Equal(t, session.EndCompleted, snap.EndReason)
}

func TestContinueWorkflowReportsWaitingInput(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)

	// Empty input is rejected by the file step; the engine re-prompts.
	resp, err := f.svc.ContinueWorkflow(context.Background(), ContinueWorkflowRequest{
		SessionID: start.SessionID,
		UserInput: "",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingInput, resp.Status)
	assert.True(t, resp.RequiresInput)
	assert.Equal(t, "Which file should I read?", resp.Prompt)
}

func TestCancelWorkflowThroughTools(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)

	resp, err := f.svc.CancelWorkflow(context.Background(), CancelWorkflowRequest{
		SessionID: start.SessionID,
		Reason:    "changed my mind",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)

	snap, err := f.store.GetWorkflow(start.SessionID)
	require.NoError(t, err)
	assert.True(t, snap.PendingEnd)
	assert.Equal(t, session.EndCancelled, snap.EndReason)
}

func TestApproveStepCompletesReviewedWorkflow(t *testing.T) {
	def := dropAndReadDefinition()
	def.RequiresLLMReview = true
	f := newFixture(t, defsSource{"drop_and_read": def}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
		InitialData:  map[string]any{"current_file_path": "/tmp/notes.txt"},
	})
	require.NoError(t, err)
	require.True(t, start.AutoContinue)

	require.Eventually(t, func() bool {
		eng, err := f.manager.Engine(start.SessionID)
		return err == nil && eng.AwaitingReview()
	}, waitFor, tick)

	resp, err := f.svc.ApproveStep(context.Background(), ReviewRequest{
		SessionID: start.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
}

func TestModifyStepNeedsParams(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	_, err := f.svc.ModifyStep(context.Background(), ReviewRequest{SessionID: "sess-x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEndWorkflowSessionMarksPendingEnd(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)

	resp, err := f.svc.EndWorkflowSession(context.Background(), EndSessionRequest{
		SessionID: start.SessionID,
		Reason:    "completed",
		Message:   "all done, goodbye",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending_end", resp.Status)

	snap, err := f.store.GetWorkflow(start.SessionID)
	require.NoError(t, err)
	assert.True(t, snap.PendingEnd)
	assert.Equal(t, session.EndCompleted, snap.EndReason)

	// The session survives until the cycle boundary finalizes it.
	finalized := f.store.FinalizePending()
	require.Len(t, finalized, 1)
	assert.Equal(t, session.StatusCompleted, finalized[0].Status)
}

func TestEndWorkflowSessionRejectsUnknownReason(t *testing.T) {
	f := newFixture(t, defsSource{}, emptyConfig())

	_, err := f.svc.EndWorkflowSession(context.Background(), EndSessionRequest{
		SessionID: "sess-x",
		Reason:    "vanished",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetWorkflowStatusReportsEngineState(t *testing.T) {
	f := newFixture(t, defsSource{"drop_and_read": dropAndReadDefinition()}, emptyConfig())

	start, err := f.svc.StartWorkflow(context.Background(), StartWorkflowRequest{
		WorkflowType: "drop_and_read",
	})
	require.NoError(t, err)

	status, err := f.svc.GetWorkflowStatus(context.Background(), StatusRequest{
		SessionID: start.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, "file_path_input", status["current_step"])

	_, err = f.svc.GetWorkflowStatus(context.Background(), StatusRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
