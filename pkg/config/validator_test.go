package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		workflowsYAML string
		wantErr       string
	}{
		{
			name: "unknown entry point",
			workflowsYAML: `
workflows:
  broken:
    entry_point: missing
    steps:
      - {id: a, template: input, prompt: "?", data_key: k}
`,
			wantErr: "step 'missing' not defined",
		},
		{
			name: "duplicate step ids",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?", data_key: k}
      - {id: a, template: input, prompt: "?", data_key: k2}
`,
			wantErr: "duplicate step id 'a'",
		},
		{
			name: "unknown template",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: teleport}
`,
			wantErr: "unknown template 'teleport'",
		},
		{
			name: "unknown transition target",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?", data_key: k}
    transitions:
      - {from: a, to: ghost}
`,
			wantErr: "transition target 'ghost' not defined",
		},
		{
			name: "unknown transition source",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?", data_key: k}
    transitions:
      - {from: ghost, to: END}
`,
			wantErr: "transition source 'ghost' not defined",
		},
		{
			name: "input without data key",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?"}
`,
			wantErr: "data_key",
		},
		{
			name: "selection without options",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: selection, prompt: "?", data_key: k}
`,
			wantErr: "at least one option required",
		},
		{
			name: "unregistered handler",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: processing, handler: vanish}
`,
			wantErr: "handler 'vanish' not registered",
		},
		{
			name: "conditional without branches",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: conditional, switch_key: format}
`,
			wantErr: "at least one branch",
		},
		{
			name: "loop without done key",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: loop, handler: render_greeting}
`,
			wantErr: "done_key",
		},
		{
			name: "monitor with bad interval",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: monitor, workflow_type: delivery_monitor, check_interval: often}
`,
			wantErr: "check_interval",
		},
		{
			name: "scheduled trigger without message",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: scheduled_trigger, delay: 1h}
`,
			wantErr: "message or message_key required",
		},
		{
			name: "intervention with unknown action",
			workflowsYAML: `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: intervention, action: reboot}
`,
			wantErr: "action",
		},
		{
			name: "invalid mode",
			workflowsYAML: `
workflows:
  broken:
    mode: parallel
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?", data_key: k}
`,
			wantErr: "broken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfigDir(t, "", tt.workflowsYAML)
			_, err := Initialize(context.Background(), dir, testHandlers(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationRejectsBadSystemSection(t *testing.T) {
	dir := writeConfigDir(t, "bus:\n  history_size: -5\n", greetWorkflowYAML)
	_, err := Initialize(context.Background(), dir, testHandlers(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system validation failed")
}

func TestValidationAcceptsNestedBranchSteps(t *testing.T) {
	workflowsYAML := `
workflows:
  convert:
    entry_point: collect
    steps:
      - id: collect
        template: input
        prompt: "Which file?"
        data_key: source_path
      - id: route
        template: conditional
        switch_key: format
        branches:
          wav:
            - {id: decode, template: processing, handler: render_greeting}
          mp3:
            - {id: transcode, template: processing, handler: render_greeting}
        default:
          - {id: reject, template: processing, handler: render_greeting}
    transitions:
      - {from: collect, to: route}
      - {from: route, to: END}
`
	dir := writeConfigDir(t, "", workflowsYAML)
	_, err := Initialize(context.Background(), dir, testHandlers(t))
	require.NoError(t, err)
}

func TestValidationErrorUnwrapping(t *testing.T) {
	workflowsYAML := `
workflows:
  broken:
    entry_point: a
    steps:
      - {id: a, template: input, prompt: "?"}
`
	dir := writeConfigDir(t, "", workflowsYAML)
	_, err := Initialize(context.Background(), dir, testHandlers(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}
