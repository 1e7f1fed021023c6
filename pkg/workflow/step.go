package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kora-assist/kora/pkg/workctx"
)

// StepType classifies how a step obtains its work.
type StepType string

const (
	// StepInteractive waits for user input (may skip when its data key is
	// already present).
	StepInteractive StepType = "INTERACTIVE"
	// StepProcessing is a self-contained computation.
	StepProcessing StepType = "PROCESSING"
	// StepSystem performs a host-side side effect.
	StepSystem StepType = "SYSTEM"
	// StepLLMProcessing delegates work to the external LLM and suspends
	// until the output key is written.
	StepLLMProcessing StepType = "LLM_PROCESSING"
)

// Priority marks whether a step may be dropped when its requirements are
// unavailable.
type Priority string

const (
	PriorityRequired Priority = "required"
	PriorityOptional Priority = "optional"
)

// Run is the execution environment a step sees: the owning session, its
// scratchpad, and the process-wide context. Steps never touch the session
// store directly.
type Run struct {
	SessionID    string
	WorkflowType string
	Command      string
	Data         *workctx.Context
	Global       *workctx.Context
}

// Step is one node of a workflow graph. Implementations are stateless
// templates: per-run state lives in the Run's scratchpad, so one Step
// value can serve concurrent runs.
type Step interface {
	ID() string
	Type() StepType
	Description() string
	Priority() Priority
	// Requirements lists the data keys the step needs before it can run.
	Requirements() []string
	// Prompt renders the user-facing question for INTERACTIVE steps.
	// Non-interactive steps return "".
	Prompt(run *Run) string
	// Execute performs the step. input is nil when no user input is
	// available; a pointer to "" is valid, present input.
	Execute(ctx context.Context, run *Run, input *string) *StepResult
	// ShouldSkip reports whether the step can be collapsed because its
	// data already exists.
	ShouldSkip(run *Run) bool
	// AutoAdvance reports whether the engine should drive the following
	// step without waiting for input.
	AutoAdvance() bool
}

// LLMRequestBuilder is implemented by LLM-processing steps.
type LLMRequestBuilder interface {
	// BuildLLMRequest returns the request map the external LLM consumes:
	// task_description, prompt, input_data, output_data_key, step_id.
	BuildLLMRequest(run *Run) map[string]any
}

// Base carries the fields every step template shares. Embed it and
// override the behavior methods as needed.
type Base struct {
	StepID   string
	StepKind StepType
	Desc     string
	Prio     Priority
	Reqs     []string
	Advance  bool
}

func (b Base) ID() string             { return b.StepID }
func (b Base) Type() StepType         { return b.StepKind }
func (b Base) Description() string    { return b.Desc }
func (b Base) Priority() Priority     { return b.Prio }
func (b Base) Requirements() []string { return b.Reqs }
func (b Base) Prompt(*Run) string     { return "" }
func (b Base) ShouldSkip(*Run) bool   { return false }
func (b Base) AutoAdvance() bool      { return b.Advance }

// HandlerFunc is a named host function a PROCESSING or SYSTEM step
// invokes. Handlers receive the step's configured params; outcome is
// always a StepResult.
type HandlerFunc func(ctx context.Context, run *Run, params map[string]any) *StepResult

// HandlerRegistry maps handler names to functions. Workflow configs
// reference handlers by name; validation resolves the names against this
// registry at load time, so an unknown handler fails startup instead of
// dispatch.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler. Duplicate names are rejected.
func (r *HandlerRegistry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler %q: function must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Get returns the named handler.
func (r *HandlerRegistry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Has reports whether a handler name is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
