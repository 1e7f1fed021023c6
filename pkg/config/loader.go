package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/kora-assist/kora/pkg/workflow"
)

// KoraYAMLConfig represents the complete kora.yaml file structure
type KoraYAMLConfig struct {
	System     *SystemYAMLConfig    `yaml:"system"`
	Bus        *BusConfig           `yaml:"bus"`
	Runner     *RunnerConfig        `yaml:"runner"`
	Background *BackgroundConfig    `yaml:"background"`
	Monitor    *MonitorYAMLConfig   `yaml:"monitor"`
	Scheduler  *SchedulerYAMLConfig `yaml:"scheduler"`
	Controller *ControllerConfig    `yaml:"controller"`
	Retention  *RetentionYAMLConfig `yaml:"retention"`
}

// SystemYAMLConfig holds filesystem settings from YAML.
type SystemYAMLConfig struct {
	StateDir     string `yaml:"state_dir,omitempty"`
	DatabasePath string `yaml:"database_path,omitempty"`
}

// MonitorYAMLConfig holds monitoring pool settings from YAML.
type MonitorYAMLConfig struct {
	Slots              int    `yaml:"slots,omitempty"`
	StopTimeout        string `yaml:"stop_timeout,omitempty"`     // Parsed to time.Duration
	ShutdownTimeout    string `yaml:"shutdown_timeout,omitempty"` // Parsed to time.Duration
	RestoreConcurrency int    `yaml:"restore_concurrency,omitempty"`
}

// SchedulerYAMLConfig holds scheduled-event driver settings from YAML.
type SchedulerYAMLConfig struct {
	TickInterval  string `yaml:"tick_interval,omitempty"` // Parsed to time.Duration
	StartupReport *bool  `yaml:"startup_report,omitempty"`
}

// RetentionYAMLConfig holds retention sweeper settings from YAML.
type RetentionYAMLConfig struct {
	SessionRetention string `yaml:"session_retention,omitempty"` // Parsed to time.Duration
	TaskRetention    string `yaml:"task_retention,omitempty"`    // Parsed to time.Duration
	SweepInterval    string `yaml:"sweep_interval,omitempty"`    // Parsed to time.Duration
}

// WorkflowsYAMLConfig represents the complete workflows.yaml file structure
type WorkflowsYAMLConfig struct {
	Workflows map[string]*WorkflowConfig `yaml:"workflows"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load kora.yaml and workflows.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in defaults with user configuration
//  5. Build the workflow registry
//  6. Validate all configuration (including handler references)
//  7. Return Config ready for use
//
// handlers is the registry of named step handler functions; workflow
// steps that reference a handler are resolved against it at validation
// time so unknown names fail startup, not dispatch.
func Initialize(ctx context.Context, configDir string, handlers *workflow.HandlerRegistry) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir, handlers)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"workflows", stats.Workflows,
		"steps", stats.Steps,
		"handlers", stats.Handlers)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string, handlers *workflow.HandlerRegistry) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load kora.yaml (system, bus, runner, background, monitor,
	// scheduler, controller sections)
	koraConfig, err := loader.loadKoraYAML()
	if err != nil {
		return nil, NewLoadError("kora.yaml", err)
	}

	// 2. Load workflows.yaml (missing file means no workflows)
	workflows, err := loader.loadWorkflowsYAML()
	if err != nil {
		return nil, NewLoadError("workflows.yaml", err)
	}

	// 3. Normalize workflow defaults
	for workflowType, wf := range workflows {
		if wf == nil {
			wf = &WorkflowConfig{}
			workflows[workflowType] = wf
		}
		if wf.Mode == "" {
			wf.Mode = "direct"
		}
		if wf.Name == "" {
			wf.Name = workflowType
		}
	}

	// 4. Resolve sections (user YAML over built-in defaults)
	systemCfg := resolveSystemConfig(koraConfig.System)

	busCfg := DefaultBusConfig()
	if koraConfig.Bus != nil {
		if err := mergo.Merge(busCfg, koraConfig.Bus, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge bus config: %w", err)
		}
	}

	runnerCfg := DefaultRunnerConfig()
	if koraConfig.Runner != nil {
		if err := mergo.Merge(runnerCfg, koraConfig.Runner, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge runner config: %w", err)
		}
	}

	backgroundCfg := DefaultBackgroundConfig()
	if koraConfig.Background != nil {
		if err := mergo.Merge(backgroundCfg, koraConfig.Background, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge background config: %w", err)
		}
	}

	controllerCfg := DefaultControllerConfig()
	if koraConfig.Controller != nil {
		if err := mergo.Merge(controllerCfg, koraConfig.Controller, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge controller config: %w", err)
		}
	}
	if controllerCfg.RegistryFile == "" {
		controllerCfg.RegistryFile = filepath.Join(systemCfg.StateDir, "task_registry.json")
	}

	monitorCfg := resolveMonitorConfig(koraConfig.Monitor)
	schedulerCfg := resolveSchedulerConfig(koraConfig.Scheduler)
	retentionCfg := resolveRetentionConfig(koraConfig.Retention)

	return &Config{
		configDir:  configDir,
		System:     systemCfg,
		Bus:        busCfg,
		Runner:     runnerCfg,
		Background: backgroundCfg,
		Monitor:    monitorCfg,
		Scheduler:  schedulerCfg,
		Controller: controllerCfg,
		Retention:  retentionCfg,
		Workflows:  NewWorkflowRegistry(workflows),
		handlers:   handlers,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadKoraYAML() (*KoraYAMLConfig, error) {
	var config KoraYAMLConfig
	if err := l.loadYAML("kora.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadWorkflowsYAML() (map[string]*WorkflowConfig, error) {
	var config WorkflowsYAMLConfig
	config.Workflows = make(map[string]*WorkflowConfig)

	if err := l.loadYAML("workflows.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("No workflows.yaml found, starting without workflow definitions",
				"config_dir", l.configDir)
			return map[string]*WorkflowConfig{}, nil
		}
		return nil, err
	}

	if config.Workflows == nil {
		config.Workflows = map[string]*WorkflowConfig{}
	}
	return config.Workflows, nil
}

// resolveSystemConfig resolves filesystem configuration from YAML, applying defaults.
func resolveSystemConfig(sys *SystemYAMLConfig) *SystemConfig {
	cfg := DefaultSystemConfig()

	if sys != nil && sys.StateDir != "" {
		cfg.StateDir = sys.StateDir
	}
	if sys != nil && sys.DatabasePath != "" {
		cfg.DatabasePath = sys.DatabasePath
	} else {
		cfg.DatabasePath = filepath.Join(cfg.StateDir, "kora.db")
	}

	return cfg
}

// resolveMonitorConfig resolves monitoring pool configuration from YAML, applying defaults.
func resolveMonitorConfig(mon *MonitorYAMLConfig) *MonitorConfig {
	cfg := DefaultMonitorConfig()

	if mon == nil {
		return cfg
	}

	if mon.Slots > 0 {
		cfg.Slots = mon.Slots
	}
	if mon.RestoreConcurrency > 0 {
		cfg.RestoreConcurrency = mon.RestoreConcurrency
	}
	cfg.StopTimeout = parseDurationOrDefault("monitor.stop_timeout", mon.StopTimeout, cfg.StopTimeout)
	cfg.ShutdownTimeout = parseDurationOrDefault("monitor.shutdown_timeout", mon.ShutdownTimeout, cfg.ShutdownTimeout)

	return cfg
}

// resolveSchedulerConfig resolves driver configuration from YAML, applying defaults.
func resolveSchedulerConfig(sched *SchedulerYAMLConfig) *SchedulerConfig {
	cfg := DefaultSchedulerConfig()

	if sched == nil {
		return cfg
	}

	cfg.TickInterval = parseDurationOrDefault("scheduler.tick_interval", sched.TickInterval, cfg.TickInterval)
	if sched.StartupReport != nil {
		cfg.StartupReport = *sched.StartupReport
	}

	return cfg
}

// resolveRetentionConfig resolves sweeper configuration from YAML, applying defaults.
func resolveRetentionConfig(ret *RetentionYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if ret == nil {
		return cfg
	}

	cfg.SessionRetention = parseDurationOrDefault("retention.session_retention", ret.SessionRetention, cfg.SessionRetention)
	cfg.TaskRetention = parseDurationOrDefault("retention.task_retention", ret.TaskRetention, cfg.TaskRetention)
	cfg.SweepInterval = parseDurationOrDefault("retention.sweep_interval", ret.SweepInterval, cfg.SweepInterval)

	return cfg
}

func parseDurationOrDefault(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	return d
}
