package workflow

import (
	"context"
	"fmt"
	"strings"
)

// missingRequirements returns the required data keys not yet present.
func (b Base) missingRequirements(run *Run) []string {
	var missing []string
	for _, key := range b.Reqs {
		if !run.Data.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// ProcessingStep runs a named host handler. Handlers are resolved against
// the HandlerRegistry when the definition is built, so Handler is never
// nil in a validated workflow.
type ProcessingStep struct {
	Base
	HandlerName string
	Handler     HandlerFunc
	Params      map[string]any
}

// NewProcessingStep creates a processing step bound to a handler.
func NewProcessingStep(id, description, handlerName string, handler HandlerFunc, params map[string]any) *ProcessingStep {
	return &ProcessingStep{
		Base:        Base{StepID: id, StepKind: StepProcessing, Desc: description, Prio: PriorityRequired},
		HandlerName: handlerName,
		Handler:     handler,
		Params:      params,
	}
}

func (s *ProcessingStep) ShouldSkip(run *Run) bool {
	return s.Prio == PriorityOptional && len(s.missingRequirements(run)) > 0
}

func (s *ProcessingStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	if missing := s.missingRequirements(run); len(missing) > 0 {
		return Failure(fmt.Sprintf("missing required data: %s", strings.Join(missing, ", ")))
	}
	if s.Handler == nil {
		return Failure(fmt.Sprintf("handler %q not bound", s.HandlerName))
	}
	return s.Handler(ctx, run, s.Params)
}

// SystemStep performs a host-side side effect through a named handler.
// Behaviorally a ProcessingStep with SYSTEM type; review gating treats
// both as mutating.
type SystemStep struct {
	ProcessingStep
}

// NewSystemStep creates a system step bound to a handler.
func NewSystemStep(id, description, handlerName string, handler HandlerFunc, params map[string]any) *SystemStep {
	s := &SystemStep{
		ProcessingStep: *NewProcessingStep(id, description, handlerName, handler, params),
	}
	s.StepKind = StepSystem
	return s
}

// LLMProcessingStep delegates work to the external LLM. Until the LLM
// writes OutputKey into session data and re-drives the engine, Execute
// returns a suspended result carrying the request the LLM consumes.
type LLMProcessingStep struct {
	Base
	TaskDescription string
	PromptTemplate  string
	InputKeys       []string
	OutputKey       string
}

// NewLLMProcessingStep creates an LLM-processing step.
func NewLLMProcessingStep(id, description, taskDescription, prompt string, inputKeys []string, outputKey string) *LLMProcessingStep {
	return &LLMProcessingStep{
		Base:            Base{StepID: id, StepKind: StepLLMProcessing, Desc: description, Prio: PriorityRequired},
		TaskDescription: taskDescription,
		PromptTemplate:  prompt,
		InputKeys:       inputKeys,
		OutputKey:       outputKey,
	}
}

// BuildLLMRequest assembles the request map for the external LLM.
func (s *LLMProcessingStep) BuildLLMRequest(run *Run) map[string]any {
	inputData := make(map[string]any, len(s.InputKeys))
	for _, key := range s.InputKeys {
		if v, ok := run.Data.Get(key); ok {
			inputData[key] = v
		}
	}
	return map[string]any{
		"task_description": s.TaskDescription,
		"prompt":           s.PromptTemplate,
		"input_data":       inputData,
		"output_data_key":  s.OutputKey,
		"step_id":          s.StepID,
	}
}

func (s *LLMProcessingStep) Execute(_ context.Context, run *Run, _ *string) *StepResult {
	if v, ok := run.Data.Get(s.OutputKey); ok {
		return Success(fmt.Sprintf("llm output ready in %s", s.OutputKey), nil).
			WithData(s.OutputKey, v)
	}
	return Success("awaiting llm processing", nil).
		WithContinue().
		WithLLMProcessing().
		WithData("llm_request", s.BuildLLMRequest(run))
}

// branchResume is the persisted position inside a conditional branch,
// stored in session data so the step template itself stays stateless.
type branchResume struct {
	Branch string
	Index  int
}

// ConditionalStep selects a branch of inline steps by the value of a
// prior step's data key and runs the branch in place. If a branch step
// needs user input, execution pauses and the position is remembered; the
// next input resumes the unfinished branch step.
type ConditionalStep struct {
	Base
	SwitchKey string
	Branches  map[string][]Step
	// Default runs when no branch matches the switch value. May be nil.
	Default []Step
}

// NewConditionalStep creates a conditional step over the given branches.
func NewConditionalStep(id, description, switchKey string, branches map[string][]Step) *ConditionalStep {
	return &ConditionalStep{
		Base:      Base{StepID: id, StepKind: StepProcessing, Desc: description, Prio: PriorityRequired},
		SwitchKey: switchKey,
		Branches:  branches,
	}
}

func (s *ConditionalStep) resumeKey() string {
	return "__branch_resume__" + s.StepID
}

func (s *ConditionalStep) Execute(ctx context.Context, run *Run, input *string) *StepResult {
	branch, idx := s.position(run)
	steps := s.branchSteps(branch)

	for idx < len(steps) {
		st := steps[idx]

		if st.Type() == StepInteractive && !st.ShouldSkip(run) {
			if input == nil {
				run.Data.Set(s.resumeKey(), branchResume{Branch: branch, Index: idx})
				return Success(st.Prompt(run), nil).
					WithContinue().
					WithUserConfirmation()
			}
			res := st.Execute(ctx, run, input)
			input = nil
			if res.Terminal() {
				run.Data.Delete(s.resumeKey())
				return res
			}
			if res.ContinueCurrentStep {
				run.Data.Set(s.resumeKey(), branchResume{Branch: branch, Index: idx})
				return res
			}
			idx++
			continue
		}

		res := st.Execute(ctx, run, nil)
		if res.Terminal() {
			run.Data.Delete(s.resumeKey())
			return res
		}
		if res.ContinueCurrentStep {
			run.Data.Set(s.resumeKey(), branchResume{Branch: branch, Index: idx})
			return res
		}
		idx++
	}

	run.Data.Delete(s.resumeKey())
	if len(steps) == 0 {
		return Success(fmt.Sprintf("no branch for %s, continuing", s.SwitchKey), nil)
	}
	return Success(fmt.Sprintf("branch %s complete", branch), nil)
}

// position returns the branch and index to run from, preferring a saved
// resume point over a fresh switch evaluation.
func (s *ConditionalStep) position(run *Run) (string, int) {
	if v, ok := run.Data.Get(s.resumeKey()); ok {
		if r, ok := v.(branchResume); ok {
			return r.Branch, r.Index
		}
	}
	v, ok := run.Data.Get(s.SwitchKey)
	if !ok {
		return "", 0
	}
	return fmt.Sprint(v), 0
}

func (s *ConditionalStep) branchSteps(branch string) []Step {
	if steps, ok := s.Branches[branch]; ok {
		return steps
	}
	return s.Default
}

// LoopStep repeats a handler on the current step until the handler
// reports done, bounded by MaxIterations. The iteration count lives in
// session data so concurrent runs of the same template stay independent.
type LoopStep struct {
	Base
	HandlerName   string
	Handler       HandlerFunc
	Params        map[string]any
	DoneKey       string
	MaxIterations int
}

// NewLoopStep creates a loop step. doneKey defaults to "done" and the
// iteration bound to 10 when zero values are passed.
func NewLoopStep(id, description, handlerName string, handler HandlerFunc, doneKey string, maxIterations int) *LoopStep {
	if doneKey == "" {
		doneKey = "done"
	}
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &LoopStep{
		Base:          Base{StepID: id, StepKind: StepProcessing, Desc: description, Prio: PriorityRequired},
		HandlerName:   handlerName,
		Handler:       handler,
		DoneKey:       doneKey,
		MaxIterations: maxIterations,
	}
}

func (s *LoopStep) countKey() string {
	return "__loop_count__" + s.StepID
}

func (s *LoopStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	count, _ := run.Data.GetDefault(s.countKey(), 0).(int)
	if count >= s.MaxIterations {
		run.Data.Delete(s.countKey())
		return Failure(fmt.Sprintf("loop %s exceeded %d iterations", s.StepID, s.MaxIterations))
	}
	if s.Handler == nil {
		return Failure(fmt.Sprintf("handler %q not bound", s.HandlerName))
	}

	res := s.Handler(ctx, run, s.Params)
	if res.Terminal() {
		run.Data.Delete(s.countKey())
		return res
	}
	if done, ok := res.Data[s.DoneKey].(bool); ok && done {
		run.Data.Delete(s.countKey())
		return res
	}
	run.Data.Set(s.countKey(), count+1)
	return res.WithContinue()
}

// PeriodicCheckStep runs a condition handler and keeps the engine on the
// step until the handler reports the condition satisfied. Designed for
// background workflows, where the executor's iteration cap bounds the
// rechecks.
type PeriodicCheckStep struct {
	Base
	HandlerName  string
	Handler      HandlerFunc
	Params       map[string]any
	SatisfiedKey string
}

// NewPeriodicCheckStep creates a periodic check step. satisfiedKey
// defaults to "satisfied".
func NewPeriodicCheckStep(id, description, handlerName string, handler HandlerFunc, satisfiedKey string) *PeriodicCheckStep {
	if satisfiedKey == "" {
		satisfiedKey = "satisfied"
	}
	return &PeriodicCheckStep{
		Base:         Base{StepID: id, StepKind: StepProcessing, Desc: description, Prio: PriorityRequired},
		HandlerName:  handlerName,
		Handler:      handler,
		SatisfiedKey: satisfiedKey,
	}
}

func (s *PeriodicCheckStep) Execute(ctx context.Context, run *Run, _ *string) *StepResult {
	if s.Handler == nil {
		return Failure(fmt.Sprintf("handler %q not bound", s.HandlerName))
	}
	res := s.Handler(ctx, run, s.Params)
	if res.Terminal() {
		return res
	}
	if satisfied, ok := res.Data[s.SatisfiedKey].(bool); ok && satisfied {
		return res
	}
	return res.WithContinue()
}
