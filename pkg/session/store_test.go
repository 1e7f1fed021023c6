package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kora-assist/kora/pkg/bus"
)

// newStore returns a store wired to an unstarted bus. Publishes still land
// in the bus history, which is what the assertions read.
func newStore() (*Store, *bus.Bus) {
	b := bus.New()
	return NewStore(b), b
}

func TestCreateChattingSession(t *testing.T) {
	store, b := newStore()

	id := store.CreateChatting(map[string]any{"origin": "voice"})
	require.NotEmpty(t, id)

	snap, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindChatting, snap.Kind)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, "voice", snap.Metadata["origin"])
	assert.False(t, snap.PendingEnd)

	started := b.Recent(0, bus.KindSessionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, id, started[0].Data["session_id"])
}

func TestSingleActiveWorkflowSession(t *testing.T) {
	store, _ := newStore()

	first, err := store.CreateWorkflow("drop_and_read", "read it", nil, nil)
	require.NoError(t, err)

	// A second workflow session is refused while the first is active.
	_, err = store.CreateWorkflow("drop_and_read", "again", nil, nil)
	require.ErrorIs(t, err, ErrWorkflowActive)

	// Chatting sessions are unaffected by the invariant.
	store.CreateChatting(nil)

	// Once the first finalizes, a new workflow session may start.
	require.NoError(t, store.EndSession(first, EndCompleted, ""))
	second, err := store.CreateWorkflow("drop_and_read", "again", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGetWorkflowRejectsChatting(t *testing.T) {
	store, _ := newStore()

	chatID := store.CreateChatting(nil)
	_, err := store.GetWorkflow(chatID)
	assert.ErrorIs(t, err, ErrNotWorkflow)

	_, err = store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyStringDataIsPresent(t *testing.T) {
	store, _ := newStore()
	id, err := store.CreateWorkflow("drop_and_read", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.AddData(id, "filter", ""))

	v, present, err := store.GetData(id, "filter")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, "", v)

	_, present, err = store.GetData(id, "absent")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestInitialDataSeedsScratchpad(t *testing.T) {
	store, _ := newStore()
	id, err := store.CreateWorkflow("drop_and_read", "read",
		map[string]any{"current_file_path": "/tmp/notes.txt"}, nil)
	require.NoError(t, err)

	data, err := store.Data(id)
	require.NoError(t, err)
	path, ok := data.GetString("current_file_path")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/notes.txt", path)
}

func TestPendingEndDefersFinalization(t *testing.T) {
	store, b := newStore()
	id, err := store.CreateWorkflow("drop_and_read", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkForEnd(id, EndCompleted, "all steps done"))

	// Still active: teardown waits for the cycle boundary.
	snap, err := store.Get(id)
	require.NoError(t, err)
	assert.True(t, snap.Status.Active())
	assert.True(t, snap.PendingEnd)
	assert.Empty(t, b.Recent(0, bus.KindSessionEnded))

	ended := store.FinalizePending()
	require.Len(t, ended, 1)
	assert.Equal(t, StatusCompleted, ended[0].Status)

	events := b.Recent(0, bus.KindSessionEnded)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Data["session_id"])
	assert.Equal(t, "COMPLETED", events[0].Data["status"])
	assert.Equal(t, "all steps done", events[0].Data["message"])

	// A second finalize pass finds nothing; SESSION_ENDED stays exactly once.
	assert.Empty(t, store.FinalizePending())
	assert.Len(t, b.Recent(0, bus.KindSessionEnded), 1)
}

func TestFinalizeMapsReasonToStatus(t *testing.T) {
	tests := []struct {
		reason EndReason
		status Status
	}{
		{EndCompleted, StatusCompleted},
		{EndCancelled, StatusCancelled},
		{EndFailed, StatusFailed},
	}

	for _, tt := range tests {
		store, _ := newStore()
		id, err := store.CreateWorkflow("drop_and_read", "", nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.MarkForEnd(id, tt.reason, ""))

		ended := store.FinalizePending()
		require.Len(t, ended, 1)
		assert.Equal(t, tt.status, ended[0].Status, "reason %s", tt.reason)
		assert.True(t, ended[0].Status.Terminal())
	}
}

func TestEndSessionImmediate(t *testing.T) {
	store, b := newStore()
	id := store.CreateChatting(nil)

	require.NoError(t, store.EndSession(id, EndCancelled, "user quit"))

	snap, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)

	// Ending twice is rejected, so the event fires once.
	err = store.EndSession(id, EndCancelled, "")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Len(t, b.Recent(0, bus.KindSessionEnded), 1)
}

func TestSetStatusGuardsTerminal(t *testing.T) {
	store, _ := newStore()
	id := store.CreateChatting(nil)

	require.NoError(t, store.SetStatus(id, StatusExecuting))
	require.NoError(t, store.SetStatus(id, StatusWaiting))

	// Terminal statuses must go through the end paths.
	err := store.SetStatus(id, StatusCompleted)
	require.Error(t, err)

	require.NoError(t, store.EndSession(id, EndCompleted, ""))
	err = store.SetStatus(id, StatusExecuting)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStepHistoryAndCurrentStep(t *testing.T) {
	store, _ := newStore()
	id, err := store.CreateWorkflow("drop_and_read", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetCurrentStep(id, "file_path_input"))
	require.NoError(t, store.RecordStep(id, "file_path_input", "used existing data"))
	require.NoError(t, store.SetCurrentStep(id, "execute_read"))
	require.NoError(t, store.RecordStep(id, "execute_read", "read 42 lines"))

	snap, err := store.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, "execute_read", snap.CurrentStep)
	require.Len(t, snap.StepHistory, 2)
	assert.Equal(t, "file_path_input", snap.StepHistory[0].StepID)
	assert.Equal(t, "execute_read", snap.StepHistory[1].StepID)

	// Step operations are workflow-only.
	chatID := store.CreateChatting(nil)
	assert.ErrorIs(t, store.RecordStep(chatID, "x", ""), ErrNotWorkflow)
	assert.ErrorIs(t, store.SetCurrentStep(chatID, "x"), ErrNotWorkflow)
}

func TestSnapshotIsDetached(t *testing.T) {
	store, _ := newStore()
	id, err := store.CreateWorkflow("drop_and_read", "",
		nil, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, store.RecordStep(id, "s1", "ok"))

	snap, err := store.Get(id)
	require.NoError(t, err)
	snap.Metadata["k"] = "mutated"
	snap.StepHistory[0].StepID = "mutated"

	fresh, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v", fresh.Metadata["k"])
	assert.Equal(t, "s1", fresh.StepHistory[0].StepID)
}

func TestActiveSessionListings(t *testing.T) {
	store, _ := newStore()

	chatID := store.CreateChatting(nil)
	wfID, err := store.CreateWorkflow("drop_and_read", "", nil, nil)
	require.NoError(t, err)

	assert.Len(t, store.ActiveSessions(), 2)
	assert.Equal(t, []string{wfID}, store.ActiveWorkflowSessionIDs())

	require.NoError(t, store.EndSession(wfID, EndCompleted, ""))
	assert.Len(t, store.ActiveSessions(), 1)
	assert.Empty(t, store.ActiveWorkflowSessionIDs())

	require.NoError(t, store.EndSession(chatID, EndCompleted, ""))
	assert.Empty(t, store.ActiveSessions())
	assert.Equal(t, 2, store.Count())
}

func TestPruneTerminalRespectsRetention(t *testing.T) {
	store, _ := newStore()
	id := store.CreateChatting(nil)
	keep := store.CreateChatting(nil)

	require.NoError(t, store.EndSession(id, EndCompleted, ""))

	// Ended just now: a 1h retention keeps it.
	assert.Equal(t, 0, store.PruneTerminal(time.Hour))

	// Zero retention removes every terminal session but not active ones.
	assert.Equal(t, 1, store.PruneTerminal(0))
	_, err := store.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(keep)
	assert.NoError(t, err)
}
