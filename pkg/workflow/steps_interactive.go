package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// InputStep collects one free-form value into a session data key. With
// SkipIfDataExists the step collapses when the key is already present,
// where present includes the empty string.
type InputStep struct {
	Base
	DataKey          string
	PromptText       string
	SkipIfDataExists bool
}

// NewInputStep creates a required interactive input step.
func NewInputStep(id, description, dataKey, prompt string, skipIfExists bool) *InputStep {
	return &InputStep{
		Base:             Base{StepID: id, StepKind: StepInteractive, Desc: description, Prio: PriorityRequired},
		DataKey:          dataKey,
		PromptText:       prompt,
		SkipIfDataExists: skipIfExists,
	}
}

func (s *InputStep) Prompt(*Run) string { return s.PromptText }

func (s *InputStep) ShouldSkip(run *Run) bool {
	return s.SkipIfDataExists && run.Data.Has(s.DataKey)
}

func (s *InputStep) Execute(_ context.Context, run *Run, input *string) *StepResult {
	if input == nil {
		if s.ShouldSkip(run) {
			v, _ := run.Data.Get(s.DataKey)
			return Success(fmt.Sprintf("used existing data for %s", s.DataKey), nil).
				WithData(s.DataKey, v)
		}
		return Failure(fmt.Sprintf("missing required input for %s", s.DataKey))
	}
	run.Data.Set(s.DataKey, *input)
	return Success(fmt.Sprintf("collected %s", s.DataKey), nil).
		WithData(s.DataKey, *input)
}

// SelectionStep collects a choice from a fixed option list. The user may
// answer with the option text (case-insensitive) or its 1-based number.
// Unrecognized answers re-prompt instead of failing the workflow.
type SelectionStep struct {
	Base
	DataKey          string
	PromptText       string
	Options          []string
	SkipIfDataExists bool
}

// NewSelectionStep creates a required interactive selection step.
func NewSelectionStep(id, description, dataKey, prompt string, options []string) *SelectionStep {
	return &SelectionStep{
		Base:       Base{StepID: id, StepKind: StepInteractive, Desc: description, Prio: PriorityRequired},
		DataKey:    dataKey,
		PromptText: prompt,
		Options:    options,
	}
}

func (s *SelectionStep) Prompt(*Run) string {
	var b strings.Builder
	b.WriteString(s.PromptText)
	for i, opt := range s.Options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
	}
	return b.String()
}

func (s *SelectionStep) ShouldSkip(run *Run) bool {
	return s.SkipIfDataExists && run.Data.Has(s.DataKey)
}

func (s *SelectionStep) Execute(_ context.Context, run *Run, input *string) *StepResult {
	if input == nil {
		if s.ShouldSkip(run) {
			v, _ := run.Data.Get(s.DataKey)
			return Success(fmt.Sprintf("used existing data for %s", s.DataKey), nil).
				WithData(s.DataKey, v)
		}
		return Failure(fmt.Sprintf("missing required selection for %s", s.DataKey))
	}

	choice, ok := s.match(*input)
	if !ok {
		return Success(fmt.Sprintf("unrecognized choice %q", *input), nil).
			WithContinue().
			WithUserConfirmation()
	}
	run.Data.Set(s.DataKey, choice)
	return Success(fmt.Sprintf("selected %s", choice), nil).
		WithData(s.DataKey, choice)
}

func (s *SelectionStep) match(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n >= 1 && n <= len(s.Options) {
			return s.Options[n-1], true
		}
		return "", false
	}
	for _, opt := range s.Options {
		if strings.EqualFold(opt, trimmed) {
			return opt, true
		}
	}
	return "", false
}

// ConfirmationStep asks a yes/no question. Declining cancels the workflow
// unless CancelOnDecline is false, in which case the decision is recorded
// and the workflow continues.
type ConfirmationStep struct {
	Base
	DataKey         string
	PromptText      string
	CancelOnDecline bool
}

// NewConfirmationStep creates a confirmation step that cancels the
// workflow on decline.
func NewConfirmationStep(id, description, prompt string) *ConfirmationStep {
	return &ConfirmationStep{
		Base:            Base{StepID: id, StepKind: StepInteractive, Desc: description, Prio: PriorityRequired},
		DataKey:         "confirmed",
		PromptText:      prompt,
		CancelOnDecline: true,
	}
}

func (s *ConfirmationStep) Prompt(*Run) string { return s.PromptText }

func (s *ConfirmationStep) Execute(_ context.Context, run *Run, input *string) *StepResult {
	if input == nil {
		return Failure("missing confirmation input")
	}

	switch strings.ToLower(strings.TrimSpace(*input)) {
	case "yes", "y", "confirm", "ok", "sure":
		run.Data.Set(s.DataKey, true)
		return Success("confirmed", nil).WithData(s.DataKey, true)
	case "no", "n", "cancel", "stop":
		run.Data.Set(s.DataKey, false)
		if s.CancelOnDecline {
			return CancelWorkflow("declined by user")
		}
		return Success("declined", nil).WithData(s.DataKey, false)
	default:
		return Success(fmt.Sprintf("could not interpret %q as yes or no", *input), nil).
			WithContinue().
			WithUserConfirmation()
	}
}

// FileSelectionStep collects a file path, optionally restricted to a set
// of extensions. Usually configured with SkipIfDataExists so a path
// dropped before the workflow started is picked up without asking.
type FileSelectionStep struct {
	Base
	DataKey          string
	PromptText       string
	Extensions       []string
	SkipIfDataExists bool
}

// NewFileSelectionStep creates a file selection step that skips when the
// path is already known.
func NewFileSelectionStep(id, description, dataKey, prompt string, extensions []string) *FileSelectionStep {
	return &FileSelectionStep{
		Base:             Base{StepID: id, StepKind: StepInteractive, Desc: description, Prio: PriorityRequired},
		DataKey:          dataKey,
		PromptText:       prompt,
		Extensions:       extensions,
		SkipIfDataExists: true,
	}
}

func (s *FileSelectionStep) Prompt(*Run) string { return s.PromptText }

func (s *FileSelectionStep) ShouldSkip(run *Run) bool {
	return s.SkipIfDataExists && run.Data.Has(s.DataKey)
}

func (s *FileSelectionStep) Execute(_ context.Context, run *Run, input *string) *StepResult {
	if input == nil {
		if s.ShouldSkip(run) {
			v, _ := run.Data.Get(s.DataKey)
			return Success(fmt.Sprintf("used existing data for %s", s.DataKey), nil).
				WithData(s.DataKey, v)
		}
		return Failure(fmt.Sprintf("missing required file path for %s", s.DataKey))
	}

	path := strings.TrimSpace(*input)
	if path == "" {
		return Success("empty file path", nil).
			WithContinue().
			WithUserConfirmation()
	}
	if len(s.Extensions) > 0 && !s.extensionAllowed(path) {
		return Success(fmt.Sprintf("unsupported file type for %s", path), nil).
			WithContinue().
			WithUserConfirmation()
	}
	run.Data.Set(s.DataKey, path)
	return Success(fmt.Sprintf("selected file %s", path), nil).
		WithData(s.DataKey, path)
}

func (s *FileSelectionStep) extensionAllowed(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range s.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
