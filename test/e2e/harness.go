// Package e2e boots the complete runtime in-process and drives it the
// way the LLM layer would: through the tool service, with assertions on
// the event stream and the persisted records.
package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/background"
	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/controller"
	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/monitor"
	"github.com/kora-assist/kora/pkg/scheduler"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/session"
	"github.com/kora-assist/kora/pkg/state"
	"github.com/kora-assist/kora/pkg/tools"
	"github.com/kora-assist/kora/pkg/workctx"
	"github.com/kora-assist/kora/pkg/workflow"
)

// TestApp is a full kora instance wired exactly like cmd/kora, minus the
// signal handling. The scheduler is created but not started; tests tick
// it with Poll for deterministic timing.
type TestApp struct {
	Config *config.Config
	DB     *database.Client

	Bus        *bus.Bus
	Store      *session.Store
	Global     *workctx.Context
	Manager    *workflow.Manager
	Executor   *background.Executor
	Pool       *monitor.Pool
	Creator    *monitor.Creator
	Scheduler  *scheduler.Driver
	Controller *controller.Controller
	State      *state.Manager
	Tools      *tools.Service

	Tasks             *services.TaskService
	Reminders         *services.ReminderService
	Calendar          *services.CalendarService
	Todos             *services.TodoService
	InterventionAudit *services.InterventionService
	Interventions     *background.Interventions

	Factory monitor.Factory

	t *testing.T
}

type testAppConfig struct {
	koraYAML      string
	workflowsYAML string
	handlers      map[string]workflow.HandlerFunc
	factory       monitor.Factory
	dbPath        string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithKoraYAML replaces the generated kora.yaml body. The harness still
// prepends a system section pointing at the test's temp state dir.
func WithKoraYAML(body string) TestAppOption {
	return func(c *testAppConfig) { c.koraYAML = body }
}

// WithWorkflowsYAML sets the workflows.yaml contents.
func WithWorkflowsYAML(body string) TestAppOption {
	return func(c *testAppConfig) { c.workflowsYAML = body }
}

// WithHandler registers a named step handler before configuration loads.
func WithHandler(name string, fn workflow.HandlerFunc) TestAppOption {
	return func(c *testAppConfig) {
		if c.handlers == nil {
			c.handlers = map[string]workflow.HandlerFunc{}
		}
		c.handlers[name] = fn
	}
}

// WithMonitorFactory sets the factory monitors are built and restored
// with. Without it, every monitor type is refused.
func WithMonitorFactory(f monitor.Factory) TestAppOption {
	return func(c *testAppConfig) { c.factory = f }
}

// WithDatabasePath reuses an existing database file, for tests that
// restart the app against the same persisted state.
func WithDatabasePath(path string) TestAppOption {
	return func(c *testAppConfig) { c.dbPath = path }
}

// NewTestApp creates and starts a full kora instance. Shutdown runs via
// t.Cleanup in reverse creation order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()

	// Config on disk, the same files the binary reads.
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	dbPath := tc.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "kora.db")
	}
	koraYAML := fmt.Sprintf("system:\n  state_dir: %s\n  database_path: %s\n", stateDir, dbPath)
	if tc.koraYAML != "" {
		koraYAML += tc.koraYAML
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kora.yaml"), []byte(koraYAML), 0o600))
	if tc.workflowsYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows.yaml"), []byte(tc.workflowsYAML), 0o600))
	}

	registry := workflow.NewHandlerRegistry()
	for name, fn := range tc.handlers {
		require.NoError(t, registry.Register(name, fn))
	}

	cfg, err := config.Initialize(ctx, dir, registry)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.System.StateDir, 0o755))

	dbClient, err := database.Open(ctx, database.DefaultConfig(cfg.System.DatabasePath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbClient.Close() })

	taskService := services.NewTaskService(dbClient.DB())
	reminderService := services.NewReminderService(dbClient.DB())
	calendarService := services.NewCalendarService(dbClient.DB())
	todoService := services.NewTodoService(dbClient.DB())
	interventionService := services.NewInterventionService(dbClient.DB())

	// Orphan recovery, same as boot.
	_, err = taskService.SuspendActive(ctx)
	require.NoError(t, err)

	eventBus := bus.NewWithHistory(cfg.Bus.HistorySize)
	eventBus.Start()

	store := session.NewStore(eventBus)
	global := workctx.New()

	factory := tc.factory
	if factory == nil {
		factory = func(workflowType string, _ map[string]any) (monitor.Func, error) {
			return nil, fmt.Errorf("no monitor factory for workflow type '%s'", workflowType)
		}
	}
	pool := monitor.NewPool(cfg.Monitor, taskService)
	creator := monitor.NewCreator(pool, taskService, factory)

	executor := background.New(cfg.Background, taskService, eventBus)
	executor.Start()
	interventions := background.NewInterventions(taskService, interventionService, executor, pool, creator)

	defs, err := cfg.BuildDefinitions(config.StepBindings{
		Reminders:     reminderService,
		Monitors:      creator,
		Interventions: interventions,
	})
	require.NoError(t, err)

	manager := workflow.NewManagerWithRunners(defs, store, eventBus, global, cfg.Runner.Workers)
	manager.Start()

	ctrl := controller.New(cfg.Controller, eventBus, store)
	ctrl.Start()

	stateMgr := state.NewManager(eventBus, cfg.System.StateDir)
	stateMgr.BindSessionEvents()

	_, err = pool.Restore(ctx, factory)
	require.NoError(t, err)

	sched := scheduler.New(cfg.Scheduler, reminderService, calendarService, todoService, eventBus)

	toolService := tools.New(cfg, defs, manager, store, executor, ctrl, global)

	app := &TestApp{
		Config:            cfg,
		DB:                dbClient,
		Bus:               eventBus,
		Store:             store,
		Global:            global,
		Manager:           manager,
		Executor:          executor,
		Pool:              pool,
		Creator:           creator,
		Scheduler:         sched,
		Controller:        ctrl,
		State:             stateMgr,
		Tools:             toolService,
		Tasks:             taskService,
		Reminders:         reminderService,
		Calendar:          calendarService,
		Todos:             todoService,
		InterventionAudit: interventionService,
		Interventions:     interventions,
		Factory:           factory,
		t:                 t,
	}

	t.Cleanup(func() {
		manager.Stop()
		executor.Stop()
		pool.StopAll()
		stateMgr.UnbindSessionEvents()
		ctrl.Stop()
		eventBus.Stop()
	})

	return app
}

// WaitEvents blocks until at least n events of the kind landed in the
// bus history, then returns all of them oldest first.
func (a *TestApp) WaitEvents(kind bus.Kind, n int) []bus.Event {
	a.t.Helper()
	require.Eventually(a.t, func() bool {
		return len(a.Bus.Recent(0, kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, kind)
	return a.Bus.Recent(0, kind)
}

// WaitIdle waits for the bus queue to drain.
func (a *TestApp) WaitIdle() {
	a.t.Helper()
	require.True(a.t, a.Bus.WaitIdle(2*time.Second), "bus did not drain")
}

// DriveCycle publishes the three layer-completion events in order and
// waits for the resulting CYCLE_COMPLETED, the boundary at which
// pending-end sessions are finalized.
func (a *TestApp) DriveCycle() {
	a.t.Helper()
	before := len(a.Bus.Recent(0, bus.KindCycleCompleted))
	a.Bus.Publish(bus.KindInputLayerComplete, "e2e", map[string]any{"text": "tick"})
	a.Bus.Publish(bus.KindProcessingLayerComplete, "e2e", nil)
	a.Bus.Publish(bus.KindOutputLayerComplete, "e2e", nil)
	a.WaitEvents(bus.KindCycleCompleted, before+1)
}
