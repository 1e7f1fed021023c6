package workflow

import (
	"fmt"
	"strings"
)

// Mode declares how a workflow runs: direct workflows are driven by user
// exchanges, background workflows run unattended in the executor.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeBackground Mode = "background"
)

// EndStep is the sentinel transition target that terminates a workflow.
const EndStep = "END"

// Guard decides whether a transition applies to a step result.
type Guard func(*StepResult) bool

// Transition is one edge of the step graph. A nil Guard matches
// unconditionally.
type Transition struct {
	To    string
	Guard Guard
}

// Definition is a declarative workflow: its steps, the transition graph
// over them, and the policies the engine applies while interpreting it.
type Definition struct {
	Type                  string
	Name                  string
	Description           string
	Mode                  Mode
	RequiresLLMReview     bool
	AutoAdvanceOnApproval bool
	Steps                 map[string]Step
	Transitions           map[string][]Transition
	EntryPoint            string
	Metadata              map[string]any
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (Step, bool) {
	s, ok := d.Steps[id]
	return s, ok
}

// Validate checks the structural invariants: a known entry point, and
// transition sources and targets that resolve to steps (or END).
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type must not be empty")
	}
	if d.Mode != ModeDirect && d.Mode != ModeBackground {
		return fmt.Errorf("workflow %s: invalid mode %q", d.Type, d.Mode)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps defined", d.Type)
	}
	if _, ok := d.Steps[d.EntryPoint]; !ok {
		return fmt.Errorf("workflow %s: entry point %q is not a step", d.Type, d.EntryPoint)
	}
	for id, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("workflow %s: step %q is nil", d.Type, id)
		}
		if step.ID() != id {
			return fmt.Errorf("workflow %s: step keyed %q reports id %q", d.Type, id, step.ID())
		}
	}
	for from, transitions := range d.Transitions {
		if _, ok := d.Steps[from]; !ok {
			return fmt.Errorf("workflow %s: transition source %q is not a step", d.Type, from)
		}
		for _, t := range transitions {
			if t.To == EndStep {
				continue
			}
			if _, ok := d.Steps[t.To]; !ok {
				return fmt.Errorf("workflow %s: transition %s -> %s targets unknown step", d.Type, from, t.To)
			}
		}
	}
	return nil
}

// Overview renders the step flow as a numbered list, marking steps that
// wait for user input. Used in tool responses so the LLM can narrate the
// plan to the user.
func (d *Definition) Overview() string {
	var b strings.Builder
	visited := make(map[string]bool)
	current := d.EntryPoint
	n := 1
	for current != "" && current != EndStep && !visited[current] {
		step, ok := d.Steps[current]
		if !ok {
			break
		}
		visited[current] = true

		marker := ""
		if step.Type() == StepInteractive {
			marker = " (input)"
		}
		desc := step.Description()
		if desc == "" {
			desc = step.ID()
		}
		fmt.Fprintf(&b, "%d. %s%s: %s\n", n, step.ID(), marker, desc)
		n++

		current = firstTarget(d.Transitions[current])
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstTarget picks the unconditional transition when present, otherwise
// the first listed edge.
func firstTarget(transitions []Transition) string {
	for _, t := range transitions {
		if t.Guard == nil {
			return t.To
		}
	}
	if len(transitions) > 0 {
		return transitions[0].To
	}
	return ""
}
