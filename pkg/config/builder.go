package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/kora-assist/kora/pkg/workflow"
)

// StepBindings are the host services side-effecting step templates
// attach to when definitions are built: the reminder store for scheduled
// triggers, the monitoring surface for monitor steps, and the background
// task surface for interventions. Any binding a workflow does not use may
// be nil.
type StepBindings struct {
	Reminders     workflow.ReminderCreator
	Monitors      workflow.MonitorCreator
	Interventions workflow.Intervener
}

// DefinitionSet holds the compiled workflow definitions. It implements
// workflow.DefinitionSource for the manager.
type DefinitionSet struct {
	defs map[string]*workflow.Definition
}

// Definition resolves a workflow type to its compiled definition.
func (s *DefinitionSet) Definition(workflowType string) (*workflow.Definition, bool) {
	def, ok := s.defs[workflowType]
	return def, ok
}

// Types returns the compiled workflow types, sorted.
func (s *DefinitionSet) Types() []string {
	types := make([]string, 0, len(s.defs))
	for t := range s.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of compiled definitions.
func (s *DefinitionSet) Len() int {
	return len(s.defs)
}

// BuildDefinitions compiles every configured workflow into an executable
// definition, resolving handler names and binding host services into the
// side-effecting steps. Each definition is validated before it is
// returned; a workflow that fails to build fails the whole call.
func (c *Config) BuildDefinitions(bindings StepBindings) (*DefinitionSet, error) {
	defs := make(map[string]*workflow.Definition)
	for workflowType, wf := range c.Workflows.GetAll() {
		def, err := c.buildDefinition(workflowType, wf, bindings)
		if err != nil {
			return nil, fmt.Errorf("failed to build workflow %s: %w", workflowType, err)
		}
		defs[workflowType] = def
	}
	return &DefinitionSet{defs: defs}, nil
}

func (c *Config) buildDefinition(workflowType string, wf *WorkflowConfig, bindings StepBindings) (*workflow.Definition, error) {
	steps := make(map[string]workflow.Step, len(wf.Steps))
	for i := range wf.Steps {
		step, err := c.buildStep(&wf.Steps[i], bindings)
		if err != nil {
			return nil, err
		}
		steps[step.ID()] = step
	}

	transitions := make(map[string][]workflow.Transition, len(wf.Transitions))
	for _, t := range wf.Transitions {
		transitions[t.From] = append(transitions[t.From], workflow.Transition{
			To:    t.To,
			Guard: buildGuard(t),
		})
	}

	def := &workflow.Definition{
		Type:                  workflowType,
		Name:                  wf.Name,
		Description:           wf.Description,
		Mode:                  workflow.Mode(wf.Mode),
		RequiresLLMReview:     wf.RequiresLLMReview,
		AutoAdvanceOnApproval: wf.AutoAdvanceOnApproval,
		Steps:                 steps,
		Transitions:           transitions,
		EntryPoint:            wf.EntryPoint,
		Metadata:              wf.Metadata,
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (c *Config) buildStep(sc *StepConfig, bindings StepBindings) (workflow.Step, error) {
	switch sc.Template {
	case TemplateInput:
		skip := true
		if sc.SkipIfExists != nil {
			skip = *sc.SkipIfExists
		}
		step := workflow.NewInputStep(sc.ID, sc.Description, sc.DataKey, sc.Prompt, skip)
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateSelection:
		step := workflow.NewSelectionStep(sc.ID, sc.Description, sc.DataKey, sc.Prompt, sc.Options)
		if sc.SkipIfExists != nil {
			step.SkipIfDataExists = *sc.SkipIfExists
		}
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateConfirmation:
		step := workflow.NewConfirmationStep(sc.ID, sc.Description, sc.Prompt)
		if sc.DataKey != "" {
			step.DataKey = sc.DataKey
		}
		if sc.CancelOnDecline != nil {
			step.CancelOnDecline = *sc.CancelOnDecline
		}
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateFileSelection:
		step := workflow.NewFileSelectionStep(sc.ID, sc.Description, sc.DataKey, sc.Prompt, sc.Extensions)
		if sc.SkipIfExists != nil {
			step.SkipIfDataExists = *sc.SkipIfExists
		}
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateProcessing:
		handler, err := c.resolveHandler(sc)
		if err != nil {
			return nil, err
		}
		step := workflow.NewProcessingStep(sc.ID, sc.Description, sc.Handler, handler, sc.Params)
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateSystem:
		handler, err := c.resolveHandler(sc)
		if err != nil {
			return nil, err
		}
		step := workflow.NewSystemStep(sc.ID, sc.Description, sc.Handler, handler, sc.Params)
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateLLMProcessing:
		taskDescription := sc.TaskDescription
		if taskDescription == "" {
			taskDescription = sc.Description
		}
		step := workflow.NewLLMProcessingStep(sc.ID, sc.Description, taskDescription, sc.Prompt, sc.InputKeys, sc.OutputDataKey)
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateConditional:
		branches := make(map[string][]workflow.Step, len(sc.Branches))
		for name, branchConfigs := range sc.Branches {
			branch, err := c.buildSteps(branchConfigs, bindings)
			if err != nil {
				return nil, err
			}
			branches[name] = branch
		}
		step := workflow.NewConditionalStep(sc.ID, sc.Description, sc.SwitchKey, branches)
		if len(sc.Default) > 0 {
			fallback, err := c.buildSteps(sc.Default, bindings)
			if err != nil {
				return nil, err
			}
			step.Default = fallback
		}
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateLoop:
		handler, err := c.resolveHandler(sc)
		if err != nil {
			return nil, err
		}
		step := workflow.NewLoopStep(sc.ID, sc.Description, sc.Handler, handler, sc.DoneKey, sc.MaxIterations)
		step.Params = sc.Params
		applyBase(&step.Base, sc)
		return step, nil

	case TemplatePeriodicCheck:
		handler, err := c.resolveHandler(sc)
		if err != nil {
			return nil, err
		}
		step := workflow.NewPeriodicCheckStep(sc.ID, sc.Description, sc.Handler, handler, sc.SatisfiedKey)
		step.Params = sc.Params
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateScheduledTrigger:
		var delay time.Duration
		if sc.Delay != "" {
			d, err := time.ParseDuration(sc.Delay)
			if err != nil {
				return nil, fmt.Errorf("step %s: invalid delay %q: %w", sc.ID, sc.Delay, err)
			}
			delay = d
		}
		step := workflow.NewScheduledTriggerStep(sc.ID, sc.Description, bindings.Reminders, sc.Message, delay)
		step.MessageKey = sc.MessageKey
		step.DelayKey = sc.DelayKey
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateMonitor:
		interval, err := time.ParseDuration(sc.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("step %s: invalid check_interval %q: %w", sc.ID, sc.CheckInterval, err)
		}
		step := workflow.NewMonitorStep(sc.ID, sc.Description, bindings.Monitors, sc.WorkflowType, interval, sc.MetadataKeys)
		applyBase(&step.Base, sc)
		return step, nil

	case TemplateIntervention:
		step := workflow.NewInterventionStep(sc.ID, sc.Description, bindings.Interventions, sc.Action, sc.TaskIDKey, sc.Params)
		applyBase(&step.Base, sc)
		return step, nil
	}

	return nil, fmt.Errorf("step %s: unknown template %q", sc.ID, sc.Template)
}

func (c *Config) buildSteps(configs []StepConfig, bindings StepBindings) ([]workflow.Step, error) {
	steps := make([]workflow.Step, 0, len(configs))
	for i := range configs {
		step, err := c.buildStep(&configs[i], bindings)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (c *Config) resolveHandler(sc *StepConfig) (workflow.HandlerFunc, error) {
	if c.handlers == nil {
		return nil, fmt.Errorf("step %s: no handler registry available", sc.ID)
	}
	handler, ok := c.handlers.Get(sc.Handler)
	if !ok {
		return nil, fmt.Errorf("step %s: handler %q not registered", sc.ID, sc.Handler)
	}
	return handler, nil
}

// applyBase applies the template-independent step settings.
func applyBase(base *workflow.Base, sc *StepConfig) {
	if sc.Priority == string(workflow.PriorityOptional) {
		base.Prio = workflow.PriorityOptional
	}
	base.Reqs = sc.Requirements
	base.Advance = sc.AutoAdvance
}

// buildGuard compiles a transition's condition. Edges without a
// condition get a nil guard, which the engine treats as unconditional.
func buildGuard(t TransitionConfig) workflow.Guard {
	when := t.When
	data := t.WhenData
	if (when == "" || when == "always") && len(data) == 0 {
		return nil
	}
	return func(r *workflow.StepResult) bool {
		switch when {
		case "success":
			if !r.Success {
				return false
			}
		case "failure":
			if r.Success {
				return false
			}
		}
		for key, want := range data {
			got, ok := r.Data[key]
			if !ok || fmt.Sprint(got) != want {
				return false
			}
		}
		return true
	}
}
