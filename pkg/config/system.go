package config

import "time"

// SystemConfig holds filesystem locations for the runtime's persisted
// state.
type SystemConfig struct {
	// StateDir is the directory holding the database, the controller's
	// task registry file, and the sleep-context sidecar.
	StateDir string `yaml:"state_dir" validate:"required"`

	// DatabasePath is the SQLite file path. Defaults to
	// <state_dir>/kora.db.
	DatabasePath string `yaml:"database_path" validate:"required"`
}

// BusConfig controls the event bus.
type BusConfig struct {
	// HistorySize is the number of recent events retained for
	// get_recent_events queries.
	HistorySize int `yaml:"history_size" validate:"min=1"`
}

// RunnerConfig controls the workflow manager's step-runner pool, which
// carries out non-interactive steps so StartWorkflow returns immediately.
type RunnerConfig struct {
	Workers int `yaml:"workers" validate:"min=1"`
}

// BackgroundConfig controls the background workflow executor.
type BackgroundConfig struct {
	// Workers is the bounded pool size.
	Workers int `yaml:"workers" validate:"min=1"`

	// MaxIterations caps process-input rounds per background run so a
	// miswired workflow cannot spin forever.
	MaxIterations int `yaml:"max_iterations" validate:"min=1"`
}

// MonitorConfig controls the monitoring pool.
type MonitorConfig struct {
	// Slots is the maximum number of concurrent monitors.
	Slots int `yaml:"slots" validate:"min=1"`

	// StopTimeout bounds the join when stopping a single monitor.
	StopTimeout time.Duration `yaml:"-" validate:"min=1ms"`

	// ShutdownTimeout bounds each monitor's join during PrepareShutdown.
	ShutdownTimeout time.Duration `yaml:"-" validate:"min=1ms"`

	// RestoreConcurrency bounds how many monitors are rebuilt in
	// parallel after a restart.
	RestoreConcurrency int `yaml:"restore_concurrency" validate:"min=1"`
}

// SchedulerConfig controls the scheduled-event driver.
type SchedulerConfig struct {
	// TickInterval is the polling period for reminders, calendar
	// staging, and TODO staging.
	TickInterval time.Duration `yaml:"-" validate:"min=1ms"`

	// StartupReport enables the one-shot SYSTEM_STARTUP_REPORT at boot.
	StartupReport bool `yaml:"-"`
}

// ControllerConfig controls the cycle controller.
type ControllerConfig struct {
	// HistoryLimit bounds the retained background completion history.
	HistoryLimit int `yaml:"history_limit" validate:"min=1"`

	// RegistryFile is where the task registry snapshot is persisted.
	// Defaults to <state_dir>/task_registry.json.
	RegistryFile string `yaml:"registry_file"`
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	// SessionRetention is how long terminal sessions stay queryable in
	// the store before the sweeper drops them.
	SessionRetention time.Duration `yaml:"-" validate:"min=1ms"`

	// TaskRetention is how long terminal background task records stay in
	// the database before their rows (and cascaded intervention audit
	// rows) are deleted.
	TaskRetention time.Duration `yaml:"-" validate:"min=1ms"`

	// SweepInterval is the period between sweeps.
	SweepInterval time.Duration `yaml:"-" validate:"min=1ms"`
}

// DefaultSystemConfig returns the built-in filesystem defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		StateDir: "./data",
	}
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{HistorySize: 100}
}

// DefaultRunnerConfig returns the built-in step-runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{Workers: 4}
}

// DefaultBackgroundConfig returns the built-in executor defaults.
func DefaultBackgroundConfig() *BackgroundConfig {
	return &BackgroundConfig{
		Workers:       5,
		MaxIterations: 100,
	}
}

// DefaultMonitorConfig returns the built-in monitoring pool defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Slots:              10,
		StopTimeout:        10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		RestoreConcurrency: 4,
	}
}

// DefaultSchedulerConfig returns the built-in driver defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:  30 * time.Second,
		StartupReport: true,
	}
}

// DefaultControllerConfig returns the built-in controller defaults.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{HistoryLimit: 50}
}

// DefaultRetentionConfig returns the built-in sweeper defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetention: 24 * time.Hour,
		TaskRetention:    30 * 24 * time.Hour,
		SweepInterval:    time.Hour,
	}
}
