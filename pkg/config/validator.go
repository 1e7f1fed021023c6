package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kora-assist/kora/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg    *Config
	checks *validator.Validate
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{
		cfg:    cfg,
		checks: validator.New(),
	}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}

	if err := v.validateWorkflows(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}

	return nil
}

// validateSystem runs structural checks over the resolved system sections.
func (v *ConfigValidator) validateSystem() error {
	sections := []struct {
		name   string
		target any
	}{
		{"system", v.cfg.System},
		{"bus", v.cfg.Bus},
		{"runner", v.cfg.Runner},
		{"background", v.cfg.Background},
		{"monitor", v.cfg.Monitor},
		{"scheduler", v.cfg.Scheduler},
		{"controller", v.cfg.Controller},
		{"retention", v.cfg.Retention},
	}

	for _, section := range sections {
		if err := v.checks.Struct(section.target); err != nil {
			return NewValidationError("section", section.name, "", err)
		}
	}
	return nil
}

func (v *ConfigValidator) validateWorkflows() error {
	workflows := v.cfg.Workflows.GetAll()

	// Deterministic error order
	types := make([]string, 0, len(workflows))
	for t := range workflows {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, workflowType := range types {
		if err := v.validateWorkflow(workflowType, workflows[workflowType]); err != nil {
			return err
		}
	}
	return nil
}

func (v *ConfigValidator) validateWorkflow(workflowType string, wf *WorkflowConfig) error {
	// Structural checks first (required fields, enums, nesting)
	if err := v.checks.Struct(wf); err != nil {
		return NewValidationError("workflow", workflowType, "", err)
	}

	// Step ids must be unique across the workflow, nested branches
	// included, so step history entries stay unambiguous.
	seen := make(map[string]bool)
	var collect func(steps []StepConfig) error
	collect = func(steps []StepConfig) error {
		for i := range steps {
			step := &steps[i]
			if seen[step.ID] {
				return NewValidationError("workflow", workflowType, "steps",
					fmt.Errorf("duplicate step id '%s'", step.ID))
			}
			seen[step.ID] = true
			for _, branch := range step.Branches {
				if err := collect(branch); err != nil {
					return err
				}
			}
			if err := collect(step.Default); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(wf.Steps); err != nil {
		return err
	}

	// Entry point must name a top-level step
	topLevel := make(map[string]bool, len(wf.Steps))
	for i := range wf.Steps {
		topLevel[wf.Steps[i].ID] = true
	}
	if !topLevel[wf.EntryPoint] {
		return NewValidationError("workflow", workflowType, "entry_point",
			fmt.Errorf("%w: step '%s' not defined", ErrInvalidReference, wf.EntryPoint))
	}

	// Per-template field checks, branches included
	var check func(steps []StepConfig) error
	check = func(steps []StepConfig) error {
		for i := range steps {
			step := &steps[i]
			if err := v.validateStep(workflowType, step); err != nil {
				return err
			}
			for _, branch := range step.Branches {
				if err := check(branch); err != nil {
					return err
				}
			}
			if err := check(step.Default); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(wf.Steps); err != nil {
		return err
	}

	// Transition endpoints must reference top-level steps (or END)
	for _, t := range wf.Transitions {
		if !topLevel[t.From] {
			return NewValidationError("workflow", workflowType, "transitions",
				fmt.Errorf("%w: transition source '%s' not defined", ErrInvalidReference, t.From))
		}
		if t.To != "END" && !topLevel[t.To] {
			return NewValidationError("workflow", workflowType, "transitions",
				fmt.Errorf("%w: transition target '%s' not defined", ErrInvalidReference, t.To))
		}
	}

	// Initial parameters must map to real steps (nested ones included)
	params := make([]string, 0, len(wf.InitialParams))
	for name := range wf.InitialParams {
		params = append(params, name)
	}
	sort.Strings(params)
	for _, name := range params {
		pc := wf.InitialParams[name]
		if pc == nil || pc.MapsToStep == "" {
			continue
		}
		if !seen[pc.MapsToStep] {
			return NewValidationError("workflow", workflowType, "initial_params",
				fmt.Errorf("%w: parameter '%s' maps to unknown step '%s'",
					ErrInvalidReference, name, pc.MapsToStep))
		}
	}

	return nil
}

func (v *ConfigValidator) validateStep(workflowType string, step *StepConfig) error {
	fail := func(field string, err error) error {
		return NewValidationError("step", workflowType+"/"+step.ID, field, err)
	}
	requireField := func(field, value string) error {
		if value == "" {
			return fail(field, ErrMissingRequiredField)
		}
		return nil
	}

	if !knownTemplates[step.Template] {
		return fail("template", fmt.Errorf("%w: unknown template '%s'", ErrInvalidValue, step.Template))
	}

	switch step.Template {
	case TemplateInput:
		if err := requireField("data_key", step.DataKey); err != nil {
			return err
		}
		if err := requireField("prompt", step.Prompt); err != nil {
			return err
		}

	case TemplateSelection:
		if err := requireField("data_key", step.DataKey); err != nil {
			return err
		}
		if err := requireField("prompt", step.Prompt); err != nil {
			return err
		}
		if len(step.Options) == 0 {
			return fail("options", fmt.Errorf("at least one option required"))
		}

	case TemplateConfirmation:
		if err := requireField("prompt", step.Prompt); err != nil {
			return err
		}

	case TemplateFileSelection:
		if err := requireField("data_key", step.DataKey); err != nil {
			return err
		}
		if err := requireField("prompt", step.Prompt); err != nil {
			return err
		}

	case TemplateProcessing, TemplateSystem:
		if err := v.requireHandler(workflowType, step); err != nil {
			return err
		}

	case TemplateLLMProcessing:
		if err := requireField("output_data_key", step.OutputDataKey); err != nil {
			return err
		}

	case TemplateConditional:
		if err := requireField("switch_key", step.SwitchKey); err != nil {
			return err
		}
		if len(step.Branches) == 0 && len(step.Default) == 0 {
			return fail("branches", fmt.Errorf("at least one branch (or a default) required"))
		}

	case TemplateLoop:
		if err := v.requireHandler(workflowType, step); err != nil {
			return err
		}
		if err := requireField("done_key", step.DoneKey); err != nil {
			return err
		}

	case TemplatePeriodicCheck:
		if err := v.requireHandler(workflowType, step); err != nil {
			return err
		}
		if err := requireField("satisfied_key", step.SatisfiedKey); err != nil {
			return err
		}

	case TemplateScheduledTrigger:
		if step.Message == "" && step.MessageKey == "" {
			return fail("message", fmt.Errorf("message or message_key required"))
		}
		if err := v.checkDuration(workflowType, step, "delay", step.Delay); err != nil {
			return err
		}

	case TemplateMonitor:
		if err := requireField("workflow_type", step.WorkflowType); err != nil {
			return err
		}
		if err := requireField("check_interval", step.CheckInterval); err != nil {
			return err
		}
		if err := v.checkDuration(workflowType, step, "check_interval", step.CheckInterval); err != nil {
			return err
		}

	case TemplateIntervention:
		if err := requireField("action", step.Action); err != nil {
			return err
		}
		if !models.InterventionAction(step.Action).Valid() {
			return fail("action", fmt.Errorf("%w: '%s'", ErrInvalidValue, step.Action))
		}
	}

	return nil
}

// requireHandler checks the step names a handler registered with the
// host. Unknown names fail here so dispatch never sees them.
func (v *ConfigValidator) requireHandler(workflowType string, step *StepConfig) error {
	if step.Handler == "" {
		return NewValidationError("step", workflowType+"/"+step.ID, "handler", ErrMissingRequiredField)
	}
	if v.cfg.handlers == nil {
		return NewValidationError("step", workflowType+"/"+step.ID, "handler",
			fmt.Errorf("%w: no handler registry available", ErrInvalidReference))
	}
	if _, ok := v.cfg.handlers.Get(step.Handler); !ok {
		return NewValidationError("step", workflowType+"/"+step.ID, "handler",
			fmt.Errorf("%w: handler '%s' not registered", ErrInvalidReference, step.Handler))
	}
	return nil
}

func (v *ConfigValidator) checkDuration(workflowType string, step *StepConfig, field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return NewValidationError("step", workflowType+"/"+step.ID, field,
			fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return nil
}
