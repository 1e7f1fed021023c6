// Kora orchestration runtime: owns the event bus, session lifecycle,
// workflow execution, background tasks, monitors, and scheduled events.
// The LLM layer drives it through the pkg/tools service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kora-assist/kora/pkg/background"
	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/cleanup"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/controller"
	"github.com/kora-assist/kora/pkg/database"
	"github.com/kora-assist/kora/pkg/monitor"
	"github.com/kora-assist/kora/pkg/scheduler"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/session"
	"github.com/kora-assist/kora/pkg/state"
	"github.com/kora-assist/kora/pkg/tools"
	"github.com/kora-assist/kora/pkg/version"
	"github.com/kora-assist/kora/pkg/workctx"
	"github.com/kora-assist/kora/pkg/workflow"
)

// shutdownBudget bounds the graceful stop of the background executor and
// the monitoring pool.
const shutdownBudget = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting kora",
		"version", version.Full(),
		"go", version.Current.GoVersion,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Register host step handlers, then load configuration. Workflow
	// validation resolves handler names at load time, so the registry must
	// be populated first; the services the handlers use are wired in once
	// the database exists.
	host := &hostServices{}
	registry := workflow.NewHandlerRegistry()
	if err := registerHostHandlers(registry, host); err != nil {
		slog.Error("Failed to register host handlers", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Initialize(ctx, *configDir, registry)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize state directory and database
	if err := os.MkdirAll(cfg.System.StateDir, 0o755); err != nil {
		slog.Error("Failed to create state directory",
			"dir", cfg.System.StateDir, "error", err)
		os.Exit(1)
	}

	dbClient, err := database.Open(ctx, database.DefaultConfig(cfg.System.DatabasePath))
	if err != nil {
		slog.Error("Failed to open database",
			"path", cfg.System.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	if health, err := dbClient.Health(ctx); err != nil {
		slog.Warn("Database health check failed", "error", err)
	} else {
		slog.Info("Database ready",
			"path", cfg.System.DatabasePath,
			"response_time_ms", health.ResponseTime)
	}

	// 3. Domain services
	taskService := services.NewTaskService(dbClient.DB())
	reminderService := services.NewReminderService(dbClient.DB())
	calendarService := services.NewCalendarService(dbClient.DB())
	todoService := services.NewTodoService(dbClient.DB())
	interventionService := services.NewInterventionService(dbClient.DB())
	slog.Info("Services initialized")

	// 4. One-time startup orphan recovery: tasks left QUEUED or RUNNING by
	// a previous process are flipped to SUSPENDED so the monitor restore
	// below can pick them up.
	if n, err := taskService.SuspendActive(ctx); err != nil {
		slog.Error("Failed to suspend orphaned tasks", "error", err)
		// Non-fatal, continue
	} else if n > 0 {
		slog.Info("Suspended orphaned tasks from previous run", "count", n)
	}

	// 5. Event bus
	eventBus := bus.NewWithHistory(cfg.Bus.HistorySize)
	eventBus.Start()

	// Handlers get their services now that everything they need exists.
	host.bus = eventBus
	host.todos = todoService
	host.calendar = calendarService

	// 6. Session store and global context
	store := session.NewStore(eventBus)
	global := workctx.New()

	// 7. Monitoring pool and background executor
	pool := monitor.NewPool(cfg.Monitor, taskService)
	factory := monitorFactory(eventBus, taskService)
	creator := monitor.NewCreator(pool, taskService, factory)

	executor := background.New(cfg.Background, taskService, eventBus)
	executor.Start()
	interventions := background.NewInterventions(taskService, interventionService, executor, pool, creator)

	// 8. Compile workflow definitions with the host bindings
	defs, err := cfg.BuildDefinitions(config.StepBindings{
		Reminders:     reminderService,
		Monitors:      creator,
		Interventions: interventions,
	})
	if err != nil {
		slog.Error("Failed to build workflow definitions", "error", err)
		os.Exit(1)
	}

	// 9. Workflow manager
	manager := workflow.NewManagerWithRunners(defs, store, eventBus, global, cfg.Runner.Workers)
	manager.Start()

	// 10. Cycle controller
	ctrl := controller.New(cfg.Controller, eventBus, store)
	ctrl.Start()

	// 11. Activity state manager. A leftover sleep sidecar means the
	// previous process died asleep; report it, then clear it.
	stateMgr := state.NewManager(eventBus, cfg.System.StateDir)
	if sleepCtx, err := stateMgr.LastSleep(); err != nil {
		slog.Warn("Could not read sleep context", "error", err)
	} else if sleepCtx != nil {
		slog.Info("Recovered sleep context from previous run",
			"slept_at", sleepCtx.SleepStartTime,
			"previous_state", sleepCtx.PreviousState,
			"reason", sleepCtx.Reason,
			"boredom_level", sleepCtx.BoredomLevel)
		if err := stateMgr.ClearSleep(); err != nil {
			slog.Warn("Could not clear sleep context", "error", err)
		}
	}
	stateMgr.BindSessionEvents()

	// 12. Restore suspended monitors and track them in the registry
	report, err := pool.Restore(ctx, factory)
	if err != nil {
		slog.Error("Monitor restore failed", "error", err)
	}
	for _, taskID := range report.Restored {
		rec, err := taskService.Get(ctx, taskID)
		if err != nil {
			slog.Warn("Restored monitor has no record", "task_id", taskID, "error", err)
			continue
		}
		ctrl.Track(taskID, rec.WorkflowType, "")
	}
	if len(report.Restored) > 0 || len(report.Failed) > 0 {
		slog.Info("Monitor restore finished",
			"restored", len(report.Restored), "failed", len(report.Failed))
	}
	for taskID, reason := range report.Failed {
		slog.Warn("Monitor not restored", "task_id", taskID, "reason", reason)
	}

	// 13. Scheduled-event driver
	sched := scheduler.New(cfg.Scheduler, reminderService, calendarService, todoService, eventBus)
	if cfg.Scheduler.StartupReport {
		if err := sched.StartupReport(ctx); err != nil {
			slog.Warn("Startup report failed", "error", err)
		}
	}
	sched.Start()

	// 14. Retention sweeper
	sweeper := cleanup.NewSweeper(cfg.Retention, store, taskService)
	sweeper.Start()

	// 15. Tool service, the surface the LLM layer drives
	toolService := tools.New(cfg, defs, manager, store, executor, ctrl, global)

	slog.Info("Kora started successfully",
		"state", stateMgr.Current(),
		"workflows", toolService.WorkflowTypes(),
		"monitors_restored", len(report.Restored))

	// 16. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 17. Graceful shutdown: quiesce the producers first, then suspend the
	// long-lived work, then tear down the bus.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownBudget)
	defer cancel()

	sweeper.Stop()
	sched.Stop()
	manager.Stop()

	execDone := make(chan struct{})
	go func() {
		executor.Stop()
		close(execDone)
	}()
	select {
	case <-execDone:
		slog.Info("Background executor stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Background executor shutdown timeout exceeded; unfinished runs will be orphan-recovered")
	}

	monReport := pool.PrepareShutdown(shutdownCtx)
	if len(monReport.Suspended) > 0 {
		slog.Info("Monitors suspended for restart", "count", len(monReport.Suspended))
	}
	for _, taskID := range monReport.FailedToStop {
		slog.Warn("Monitor did not stop in time", "task_id", taskID)
	}

	stateMgr.UnbindSessionEvents()
	ctrl.Stop()
	eventBus.Stop()

	slog.Info("Shutdown complete")
}
