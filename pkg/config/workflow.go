package config

import (
	"fmt"
	"sort"
	"sync"
)

// Step template names accepted in workflows.yaml.
const (
	TemplateInput            = "input"
	TemplateSelection        = "selection"
	TemplateConfirmation     = "confirmation"
	TemplateFileSelection    = "file_selection"
	TemplateProcessing       = "processing"
	TemplateSystem           = "system"
	TemplateLLMProcessing    = "llm_processing"
	TemplateConditional      = "conditional"
	TemplateLoop             = "loop"
	TemplatePeriodicCheck    = "periodic_check"
	TemplateScheduledTrigger = "scheduled_trigger"
	TemplateMonitor          = "monitor"
	TemplateIntervention     = "intervention"
)

// knownTemplates is the closed set of step templates.
var knownTemplates = map[string]bool{
	TemplateInput:            true,
	TemplateSelection:        true,
	TemplateConfirmation:     true,
	TemplateFileSelection:    true,
	TemplateProcessing:       true,
	TemplateSystem:           true,
	TemplateLLMProcessing:    true,
	TemplateConditional:      true,
	TemplateLoop:             true,
	TemplatePeriodicCheck:    true,
	TemplateScheduledTrigger: true,
	TemplateMonitor:          true,
	TemplateIntervention:     true,
}

// WorkflowConfig defines one declarative workflow from workflows.yaml.
type WorkflowConfig struct {
	// Human-readable name (defaults to the workflow type)
	Name string `yaml:"name,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Execution mode (default: direct)
	Mode string `yaml:"mode,omitempty" validate:"omitempty,oneof=direct background"`

	// Gate mutating steps behind an LLM review decision
	RequiresLLMReview bool `yaml:"requires_llm_review,omitempty"`

	// Drive the following non-interactive step after each approval
	AutoAdvanceOnApproval bool `yaml:"auto_advance_on_approval,omitempty"`

	// First step id (required)
	EntryPoint string `yaml:"entry_point" validate:"required"`

	// Steps in declaration order (required, min 1)
	Steps []StepConfig `yaml:"steps" validate:"required,min=1,dive"`

	// Edges of the step graph, evaluated in declaration order
	Transitions []TransitionConfig `yaml:"transitions,omitempty" validate:"omitempty,dive"`

	// Start parameters accepted by the tool surface, with optional
	// inference rules for callers that omit them
	InitialParams map[string]*InitialParamConfig `yaml:"initial_params,omitempty" validate:"omitempty,dive"`

	// Free-form metadata carried on the built definition
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// InitialParamConfig describes one start parameter: which step's data
// key it pre-fills and how to infer it when the caller leaves it out.
type InitialParamConfig struct {
	// MapsToStep names the step this parameter satisfies
	MapsToStep string `yaml:"maps_to_step,omitempty"`

	// InferFrom rules run in declaration order; the first rule whose
	// condition holds assigns Value
	InferFrom []InferenceRule `yaml:"infer_from,omitempty" validate:"omitempty,dive"`
}

// InferenceRule assigns a literal value to a missing start parameter
// when another parameter's presence implies it.
type InferenceRule struct {
	// Param is the parameter whose presence is tested, first against
	// the provided initial data, then against the global context
	Param string `yaml:"param" validate:"required"`

	// Condition names the test; "exists" is the only one defined
	Condition string `yaml:"condition" validate:"required,oneof=exists"`

	// Value is assigned verbatim when the condition holds
	Value string `yaml:"value"`

	// Reason is logged when the rule fires
	Reason string `yaml:"reason,omitempty"`
}

// StepConfig defines one step. Template selects the step kind; the
// remaining fields apply per template (the validator enforces which).
type StepConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Template string `yaml:"template" validate:"required"`

	Description  string   `yaml:"description,omitempty"`
	Priority     string   `yaml:"priority,omitempty" validate:"omitempty,oneof=required optional"`
	Requirements []string `yaml:"requirements,omitempty"`
	AutoAdvance  bool     `yaml:"auto_advance,omitempty"`

	// Interactive templates (input, selection, confirmation,
	// file_selection)
	Prompt          string   `yaml:"prompt,omitempty"`
	DataKey         string   `yaml:"data_key,omitempty"`
	SkipIfExists    *bool    `yaml:"skip_if_exists,omitempty"`
	Options         []string `yaml:"options,omitempty"`
	CancelOnDecline *bool    `yaml:"cancel_on_decline,omitempty"`
	Extensions      []string `yaml:"extensions,omitempty"`

	// Handler-backed templates (processing, system, loop,
	// periodic_check)
	Handler string         `yaml:"handler,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`

	// llm_processing
	TaskDescription string   `yaml:"task_description,omitempty"`
	InputKeys       []string `yaml:"input_keys,omitempty"`
	OutputDataKey   string   `yaml:"output_data_key,omitempty"`

	// conditional
	SwitchKey string                  `yaml:"switch_key,omitempty"`
	Branches  map[string][]StepConfig `yaml:"branches,omitempty" validate:"omitempty,dive,dive"`
	Default   []StepConfig            `yaml:"default,omitempty" validate:"omitempty,dive"`

	// loop
	DoneKey       string `yaml:"done_key,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" validate:"omitempty,min=1"`

	// periodic_check
	SatisfiedKey string `yaml:"satisfied_key,omitempty"`

	// scheduled_trigger
	Message    string `yaml:"message,omitempty"`
	MessageKey string `yaml:"message_key,omitempty"`
	Delay      string `yaml:"delay,omitempty"`
	DelayKey   string `yaml:"delay_key,omitempty"`

	// monitor
	WorkflowType  string   `yaml:"workflow_type,omitempty"`
	CheckInterval string   `yaml:"check_interval,omitempty"`
	MetadataKeys  []string `yaml:"metadata_keys,omitempty"`

	// intervention
	Action    string `yaml:"action,omitempty"`
	TaskIDKey string `yaml:"task_id_key,omitempty"`
}

// TransitionConfig defines one edge of the step graph. When and WhenData
// together form the guard; both must hold for the edge to apply. An edge
// with neither is unconditional.
type TransitionConfig struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`

	// When matches on the result flag: always (default), success,
	// failure.
	When string `yaml:"when,omitempty" validate:"omitempty,oneof=always success failure"`

	// WhenData matches result data values by string form.
	WhenData map[string]string `yaml:"when_data,omitempty"`
}

// WorkflowRegistry stores workflow configurations in memory with
// thread-safe access.
type WorkflowRegistry struct {
	workflows map[string]*WorkflowConfig
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates a new workflow registry.
func NewWorkflowRegistry(workflows map[string]*WorkflowConfig) *WorkflowRegistry {
	copied := make(map[string]*WorkflowConfig, len(workflows))
	for k, v := range workflows {
		copied[k] = v
	}
	return &WorkflowRegistry{workflows: copied}
}

// Get retrieves a workflow configuration by type (thread-safe).
func (r *WorkflowRegistry) Get(workflowType string) (*WorkflowConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, exists := r.workflows[workflowType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowType)
	}
	return wf, nil
}

// Has reports whether a workflow type is registered (thread-safe).
func (r *WorkflowRegistry) Has(workflowType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.workflows[workflowType]
	return exists
}

// GetAll returns a copy of the workflow map (thread-safe).
func (r *WorkflowRegistry) GetAll() map[string]*WorkflowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copied := make(map[string]*WorkflowConfig, len(r.workflows))
	for k, v := range r.workflows {
		copied[k] = v
	}
	return copied
}

// Types returns a sorted list of registered workflow types (thread-safe).
func (r *WorkflowRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered workflows (thread-safe).
func (r *WorkflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
