package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/workctx"
)

func testRun(data map[string]any) *Run {
	return &Run{
		SessionID:    "sess-1",
		WorkflowType: "drop_and_read",
		Data:         workctx.NewFrom(data),
		Global:       workctx.New(),
	}
}

func readFileHandler(_ context.Context, run *Run, _ map[string]any) *StepResult {
	path, _ := run.Data.GetString("current_file_path")
	return Success(fmt.Sprintf("read %s", path), map[string]any{"content": "hello"})
}

// dropAndReadDefinition is the two-step fixture: collect a file path
// (skipped when already present), then read the file.
func dropAndReadDefinition() *Definition {
	return &Definition{
		Type: "drop_and_read",
		Name: "Drop and read",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"file_path_input": NewFileSelectionStep(
				"file_path_input", "Collect the file to read",
				"current_file_path", "Which file should I read?", nil),
			"execute_read": NewSystemStep(
				"execute_read", "Read the file aloud",
				"read_file", readFileHandler, nil),
		},
		Transitions: map[string][]Transition{
			"file_path_input": {{To: "execute_read"}},
			"execute_read":    {{To: EndStep}},
		},
		EntryPoint: "file_path_input",
	}
}

func TestStartSkipsSatisfiedStepsAndCompletes(t *testing.T) {
	b := bus.New()
	def := dropAndReadDefinition()
	require.NoError(t, def.Validate())

	var history []string
	run := testRun(map[string]any{"current_file_path": "/tmp/notes.txt"})
	eng := NewEngine(def, run, b, Hooks{
		Record: func(stepID, summary string) { history = append(history, stepID+": "+summary) },
	})

	result := eng.Start(context.Background())

	require.True(t, result.Success)
	assert.True(t, result.Complete)
	assert.True(t, eng.Complete())
	assert.Equal(t, []string{"file_path_input", "execute_read"}, eng.ExecutedSteps())

	// The skip path records "used existing data"; the read step follows.
	require.Len(t, history, 2)
	assert.Contains(t, history[0], "used existing data")
	assert.Contains(t, history[1], "read /tmp/notes.txt")

	// Discovery publishes exactly one aggregate completion event.
	events := b.Recent(0, bus.KindWorkflowStepCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Data["complete"])
	assert.Equal(t, []string{"file_path_input", "execute_read"}, events[0].Data["executed_steps"])

	// No input was ever requested.
	assert.Empty(t, b.Recent(0, bus.KindWorkflowRequiresInput))
}

func TestStartStopsAtInteractiveStep(t *testing.T) {
	b := bus.New()
	def := dropAndReadDefinition()
	eng := NewEngine(def, testRun(nil), b, Hooks{})

	result := eng.Start(context.Background())

	assert.True(t, result.RequiresUserConfirmation)
	assert.Equal(t, "Which file should I read?", result.Message)
	assert.True(t, eng.RequiresInput())
	assert.False(t, eng.Done())
	assert.Equal(t, "file_path_input", eng.CurrentStepID())

	// Pre-flight discovery stays silent.
	assert.Empty(t, b.Recent(0, bus.KindWorkflowStepCompleted))
}

func TestProcessInputCollectsAndAdvances(t *testing.T) {
	b := bus.New()
	def := dropAndReadDefinition()
	eng := NewEngine(def, testRun(nil), b, Hooks{})
	eng.Start(context.Background())

	input := "/tmp/song.txt"
	result := eng.ProcessInput(context.Background(), &input)
	require.True(t, result.Success)
	assert.False(t, result.Complete)
	assert.Equal(t, "execute_read", eng.CurrentStepID())

	events := b.Recent(0, bus.KindWorkflowStepCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, "file_path_input", events[0].Data["step_id"])
	assert.Equal(t, false, events[0].Data["complete"])

	// Driving without input executes the non-interactive read step.
	result = eng.ProcessInput(context.Background(), nil)
	require.True(t, result.Success)
	assert.True(t, result.Complete)
	assert.True(t, eng.Complete())

	events = b.Recent(0, bus.KindWorkflowStepCompleted)
	require.Len(t, events, 2)
	assert.Equal(t, true, events[1].Data["complete"])
	assert.Equal(t, []string{"file_path_input", "execute_read"}, events[1].Data["executed_steps"])
}

func TestEmptyInputIsValidInput(t *testing.T) {
	def := &Definition{
		Type: "filter_flow",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"filter_input": NewInputStep("filter_input", "Collect filter", "filter", "Any filter?", false),
		},
		Transitions: map[string][]Transition{
			"filter_input": {{To: EndStep}},
		},
		EntryPoint: "filter_input",
	}
	run := testRun(nil)
	eng := NewEngine(def, run, nil, Hooks{})

	empty := ""
	result := eng.ProcessInput(context.Background(), &empty)

	require.True(t, result.Success)
	assert.True(t, result.Complete)
	v, present := run.Data.Get("filter")
	assert.True(t, present)
	assert.Equal(t, "", v)
}

func TestResolveNextPrecedence(t *testing.T) {
	mkHandler := func(result *StepResult) HandlerFunc {
		return func(context.Context, *Run, map[string]any) *StepResult { return result }
	}
	target := func(t *testing.T, handlerResult *StepResult, guard Guard) string {
		t.Helper()
		def := &Definition{
			Type: "routing",
			Mode: ModeDirect,
			Steps: map[string]Step{
				"decide": NewProcessingStep("decide", "", "decide", mkHandler(handlerResult), nil),
				"a":      NewProcessingStep("a", "", "a", mkHandler(Success("a", nil)), nil),
				"b":      NewProcessingStep("b", "", "b", mkHandler(Success("b", nil)), nil),
			},
			Transitions: map[string][]Transition{
				"decide": {{To: "a", Guard: guard}, {To: "b"}},
				"a":      {{To: EndStep}},
				"b":      {{To: EndStep}},
			},
			EntryPoint: "decide",
		}
		require.NoError(t, def.Validate())
		eng := NewEngine(def, testRun(nil), nil, Hooks{})
		eng.ProcessInput(context.Background(), nil)
		return eng.CurrentStepID()
	}

	// With a rejecting guard the table would route to "b", so reaching
	// "a" proves the result override won.
	reject := func(*StepResult) bool { return false }
	assert.Equal(t, "a", target(t, SkipTo("a", "jump"), reject))
	assert.Equal(t, "a", target(t, Success("ok", nil).WithNextStep("a"), reject))
	// An accepting guard beats the unconditional edge.
	accept := func(r *StepResult) bool { return r.Data["choice"] == "left" }
	assert.Equal(t, "a", target(t, Success("ok", map[string]any{"choice": "left"}), accept))
	// A rejecting guard falls through to the unconditional edge.
	assert.Equal(t, "b", target(t, Success("ok", map[string]any{"choice": "right"}), accept))
}

func TestSkipToEndCompletesWorkflow(t *testing.T) {
	h := func(context.Context, *Run, map[string]any) *StepResult {
		return SkipTo(EndStep, "nothing else to do")
	}
	def := &Definition{
		Type: "short",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"only": NewProcessingStep("only", "", "h", h, nil),
		},
		Transitions: map[string][]Transition{"only": {{To: "only"}}},
		EntryPoint:  "only",
	}
	eng := NewEngine(def, testRun(nil), nil, Hooks{})

	result := eng.ProcessInput(context.Background(), nil)
	assert.True(t, result.Complete)
	assert.True(t, eng.Complete())
}

func TestStepFailurePublishesWorkflowFailed(t *testing.T) {
	b := bus.New()
	failing := func(context.Context, *Run, map[string]any) *StepResult {
		return Failure("disk on fire")
	}
	def := &Definition{
		Type: "doomed",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"burn": NewProcessingStep("burn", "", "burn", failing, nil),
		},
		Transitions: map[string][]Transition{"burn": {{To: EndStep}}},
		EntryPoint:  "burn",
	}
	eng := NewEngine(def, testRun(nil), b, Hooks{})

	result := eng.ProcessInput(context.Background(), nil)

	assert.False(t, result.Success)
	assert.True(t, eng.Failed())
	assert.False(t, eng.Complete())

	events := b.Recent(0, bus.KindWorkflowFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "burn", events[0].Data["step_id"])
	assert.Equal(t, "disk on fire", events[0].Data["error"])
}

func TestFailureDuringDiscoveryStillPublishes(t *testing.T) {
	b := bus.New()
	failing := func(context.Context, *Run, map[string]any) *StepResult {
		return Failure("broken precondition")
	}
	def := &Definition{
		Type: "doomed",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"burn": NewProcessingStep("burn", "", "burn", failing, nil),
		},
		Transitions: map[string][]Transition{"burn": {{To: EndStep}}},
		EntryPoint:  "burn",
	}
	eng := NewEngine(def, testRun(nil), b, Hooks{})

	result := eng.Start(context.Background())

	assert.False(t, result.Success)
	// Suppression never hides failures.
	require.Len(t, b.Recent(0, bus.KindWorkflowFailed), 1)
	assert.Empty(t, b.Recent(0, bus.KindWorkflowStepCompleted))
}

func TestReviewGateHoldsAdvance(t *testing.T) {
	def := dropAndReadDefinition()
	def.RequiresLLMReview = true

	run := testRun(map[string]any{"current_file_path": "/tmp/a.txt"})
	eng := NewEngine(def, run, nil, Hooks{})

	// Discovery executes the skip, then the read step hits the gate.
	result := eng.Start(context.Background())
	require.True(t, eng.AwaitingReview())
	require.NotNil(t, result.LLMReviewData)
	assert.Equal(t, "execute_read", result.LLMReviewData["step_id"])
	assert.False(t, eng.Done())

	// The engine refuses to advance while the gate is pending.
	blocked := eng.ProcessInput(context.Background(), nil)
	assert.False(t, blocked.Success)

	// Approval releases the held advance; next was END, so it completes.
	approved := eng.HandleReviewResponse(context.Background(), ReviewApprove, nil)
	assert.True(t, approved.Complete)
	assert.True(t, eng.Complete())
	assert.False(t, eng.AwaitingReview())
}

func TestReviewModifyWritesParams(t *testing.T) {
	def := dropAndReadDefinition()
	def.RequiresLLMReview = true

	run := testRun(map[string]any{"current_file_path": "/tmp/a.txt"})
	eng := NewEngine(def, run, nil, Hooks{})
	eng.Start(context.Background())
	require.True(t, eng.AwaitingReview())

	eng.HandleReviewResponse(context.Background(), ReviewModify,
		map[string]any{"voice": "slow"})

	v, ok := run.Data.Get("voice")
	assert.True(t, ok)
	assert.Equal(t, "slow", v)
	assert.True(t, eng.Complete())
}

func TestReviewCancelTerminates(t *testing.T) {
	def := dropAndReadDefinition()
	def.RequiresLLMReview = true

	eng := NewEngine(def, testRun(map[string]any{"current_file_path": "/x"}), nil, Hooks{})
	eng.Start(context.Background())
	require.True(t, eng.AwaitingReview())

	result := eng.HandleReviewResponse(context.Background(), ReviewCancel, nil)
	assert.True(t, result.Cancel)
	assert.True(t, eng.Cancelled())
	assert.Equal(t, "", eng.CurrentStepID())
}

func TestReviewResponseWithoutPendingGate(t *testing.T) {
	eng := NewEngine(dropAndReadDefinition(), testRun(nil), nil, Hooks{})
	result := eng.HandleReviewResponse(context.Background(), ReviewApprove, nil)
	assert.False(t, result.Success)
}

func TestAutoAdvanceDrivesFollowingStep(t *testing.T) {
	ran := false
	h := func(context.Context, *Run, map[string]any) *StepResult {
		ran = true
		return Success("processed", nil)
	}
	collect := NewInputStep("collect", "", "name", "Name?", false)
	collect.Advance = true
	def := &Definition{
		Type: "auto",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"collect": collect,
			"work":    NewProcessingStep("work", "", "h", h, nil),
		},
		Transitions: map[string][]Transition{
			"collect": {{To: "work"}},
			"work":    {{To: EndStep}},
		},
		EntryPoint: "collect",
	}
	eng := NewEngine(def, testRun(nil), nil, Hooks{})

	input := "kora"
	result := eng.ProcessInput(context.Background(), &input)

	// One input drove both steps: collect, then the auto-advanced work.
	assert.True(t, ran)
	assert.True(t, result.Complete)
	assert.Equal(t, []string{"collect", "work"}, eng.ExecutedSteps())
}

func TestAutoAdvanceStopsAtInteractive(t *testing.T) {
	first := NewInputStep("first", "", "a", "A?", false)
	first.Advance = true
	def := &Definition{
		Type: "two_questions",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"first":  first,
			"second": NewInputStep("second", "", "b", "B?", false),
		},
		Transitions: map[string][]Transition{
			"first":  {{To: "second"}},
			"second": {{To: EndStep}},
		},
		EntryPoint: "first",
	}
	eng := NewEngine(def, testRun(nil), nil, Hooks{})

	input := "one"
	result := eng.ProcessInput(context.Background(), &input)

	// The advance parks on the second question instead of consuming it.
	assert.True(t, result.RequiresUserConfirmation)
	assert.Equal(t, "B?", result.Message)
	assert.Equal(t, "second", eng.CurrentStepID())
	assert.False(t, eng.Done())
}

func TestLLMProcessingSuspendsUntilOutputWritten(t *testing.T) {
	def := &Definition{
		Type: "summarize",
		Mode: ModeDirect,
		Steps: map[string]Step{
			"summarize": NewLLMProcessingStep("summarize", "Summarize the text",
				"Summarize the collected text", "Summarize: {{text}}",
				[]string{"text"}, "summary"),
		},
		Transitions: map[string][]Transition{"summarize": {{To: EndStep}}},
		EntryPoint:  "summarize",
	}
	run := testRun(map[string]any{"text": "a very long article"})
	eng := NewEngine(def, run, nil, Hooks{})

	result := eng.Start(context.Background())
	require.True(t, result.RequiresLLMProcessing)
	req, ok := result.Data["llm_request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "summary", req["output_data_key"])
	assert.Equal(t, "summarize", req["step_id"])
	assert.False(t, eng.Done())

	// The LLM writes the output key and re-drives the engine.
	run.Data.Set("summary", "short version")
	result = eng.ProcessInput(context.Background(), nil)
	assert.True(t, result.Complete)
	assert.True(t, eng.Complete())
}

func TestCancelNowIsTerminalAndIdempotent(t *testing.T) {
	eng := NewEngine(dropAndReadDefinition(), testRun(nil), nil, Hooks{})

	result := eng.CancelNow("user changed their mind")
	assert.True(t, result.Cancel)
	assert.True(t, eng.Cancelled())
	assert.Equal(t, "", eng.CurrentStepID())

	again := eng.CancelNow("again")
	assert.True(t, again.Cancel)
	assert.True(t, eng.Cancelled())
}

func TestStatusSnapshot(t *testing.T) {
	run := testRun(map[string]any{"current_file_path": "/tmp/a"})
	eng := NewEngine(dropAndReadDefinition(), run, nil, Hooks{})
	eng.Start(context.Background())

	status := eng.Status()
	assert.Equal(t, "sess-1", status["session_id"])
	assert.Equal(t, "drop_and_read", status["workflow_type"])
	assert.Equal(t, true, status["complete"])
	assert.Equal(t, 2, status["step_count"])
	assert.Equal(t, []string{"file_path_input", "execute_read"}, status["executed_steps"])
}

func TestPeekNextStepUsesUnconditionalEdge(t *testing.T) {
	eng := NewEngine(dropAndReadDefinition(), testRun(nil), nil, Hooks{})
	assert.Equal(t, "execute_read", eng.PeekNextStep())
}
