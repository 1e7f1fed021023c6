// Package config loads and validates the runtime's declarative
// configuration: system settings from kora.yaml and workflow step graphs
// from workflows.yaml. Workflow configs are validated against the host's
// handler registry at load time and compiled into executable definitions
// by BuildDefinitions.
package config

import (
	"github.com/kora-assist/kora/pkg/workflow"
)

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	System     *SystemConfig
	Bus        *BusConfig
	Runner     *RunnerConfig
	Background *BackgroundConfig
	Monitor    *MonitorConfig
	Scheduler  *SchedulerConfig
	Controller *ControllerConfig
	Retention  *RetentionConfig

	// Workflows holds the declarative workflow configurations.
	Workflows *WorkflowRegistry

	// handlers resolves named step handlers; kept for validation and
	// definition building.
	handlers *workflow.HandlerRegistry
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Workflows int
	Steps     int
	Handlers  int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Workflows != nil {
		s.Workflows = c.Workflows.Len()
		for _, wf := range c.Workflows.GetAll() {
			s.Steps += countSteps(wf.Steps)
		}
	}
	if c.handlers != nil {
		s.Handlers = len(c.handlers.Names())
	}
	return s
}

// countSteps counts step configs including nested conditional branches.
func countSteps(steps []StepConfig) int {
	n := 0
	for i := range steps {
		n++
		for _, branch := range steps[i].Branches {
			n += countSteps(branch)
		}
		n += countSteps(steps[i].Default)
	}
	return n
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetWorkflow retrieves a workflow configuration by type.
// This is a convenience method that wraps WorkflowRegistry.Get().
func (c *Config) GetWorkflow(workflowType string) (*WorkflowConfig, error) {
	return c.Workflows.Get(workflowType)
}

// WorkflowTypes returns a sorted list of all configured workflow types.
func (c *Config) WorkflowTypes() []string {
	return c.Workflows.Types()
}
