package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/workctx"
)

var (
	// ErrNotFound is returned for lookups of unknown session IDs.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive is returned when an operation requires a live session.
	ErrNotActive = errors.New("session not active")
	// ErrNotWorkflow is returned when a chatting session is used where a
	// workflow session is required.
	ErrNotWorkflow = errors.New("session is not a workflow session")
	// ErrWorkflowActive is returned by CreateWorkflow while another
	// workflow session is still active. At most one runs at a time.
	ErrWorkflowActive = errors.New("another workflow session is active")
)

// record is the store-internal session state. Only the Store touches it;
// everything handed out is a Snapshot or the session's own data context.
type record struct {
	id           string
	kind         Kind
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	data         *workctx.Context
	metadata     map[string]any

	pendingEnd bool
	endReason  EndReason
	endMessage string

	workflowType string
	command      string
	currentStep  string
	stepHistory  []StepRecord
}

func (r *record) snapshot() Snapshot {
	meta := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		meta[k] = v
	}
	history := make([]StepRecord, len(r.stepHistory))
	copy(history, r.stepHistory)

	return Snapshot{
		ID:           r.id,
		Kind:         r.kind,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		Metadata:     meta,
		PendingEnd:   r.pendingEnd,
		EndReason:    r.endReason,
		EndMessage:   r.endMessage,
		WorkflowType: r.workflowType,
		Command:      r.command,
		CurrentStep:  r.currentStep,
		StepHistory:  history,
	}
}

// Store holds every session behind a store-wide mutex. Terminal sessions
// stay queryable until PruneTerminal removes them.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
	bus      *bus.Bus
}

// NewStore creates an empty store publishing lifecycle events on b.
func NewStore(b *bus.Bus) *Store {
	return &Store{
		sessions: make(map[string]*record),
		bus:      b,
	}
}

// CreateChatting creates a chatting session in READY status and publishes
// SESSION_STARTED.
func (s *Store) CreateChatting(metadata map[string]any) string {
	now := time.Now()
	rec := &record{
		id:           uuid.New().String(),
		kind:         KindChatting,
		status:       StatusReady,
		createdAt:    now,
		lastActivity: now,
		data:         workctx.New(),
		metadata:     copyMeta(metadata),
	}

	s.mu.Lock()
	s.sessions[rec.id] = rec
	s.mu.Unlock()

	slog.Info("Session created", "session_id", rec.id, "kind", rec.kind)
	s.bus.Publish(bus.KindSessionStarted, "session_store", map[string]any{
		"session_id": rec.id,
		"kind":       string(rec.kind),
	})
	return rec.id
}

// CreateWorkflow creates a workflow session seeded with initialData. It
// fails with ErrWorkflowActive while another workflow session is active:
// the runtime drives at most one workflow at a time.
func (s *Store) CreateWorkflow(workflowType, command string, initialData, metadata map[string]any) (string, error) {
	now := time.Now()
	rec := &record{
		id:           uuid.New().String(),
		kind:         KindWorkflow,
		status:       StatusReady,
		createdAt:    now,
		lastActivity: now,
		data:         workctx.NewFrom(initialData),
		metadata:     copyMeta(metadata),
		workflowType: workflowType,
		command:      command,
	}

	s.mu.Lock()
	for _, other := range s.sessions {
		if other.kind == KindWorkflow && other.status.Active() {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrWorkflowActive, other.id)
		}
	}
	s.sessions[rec.id] = rec
	s.mu.Unlock()

	slog.Info("Session created",
		"session_id", rec.id,
		"kind", rec.kind,
		"workflow_type", workflowType)
	s.bus.Publish(bus.KindSessionStarted, "session_store", map[string]any{
		"session_id":    rec.id,
		"kind":          string(rec.kind),
		"workflow_type": workflowType,
	})
	return rec.id, nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.snapshot(), nil
}

// GetWorkflow returns a snapshot, failing when the session exists but is
// not a workflow session.
func (s *Store) GetWorkflow(id string) (Snapshot, error) {
	snap, err := s.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Kind != KindWorkflow {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotWorkflow, id)
	}
	return snap, nil
}

// ActiveSessions returns snapshots of every session whose status is
// READY, EXECUTING or WAITING.
func (s *Store) ActiveSessions() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if rec.status.Active() {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// ActiveWorkflowSessionIDs returns the IDs of active workflow sessions.
// The one-active-workflow invariant makes this a 0- or 1-element slice.
func (s *Store) ActiveWorkflowSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, rec := range s.sessions {
		if rec.kind == KindWorkflow && rec.status.Active() {
			ids = append(ids, rec.id)
		}
	}
	return ids
}

// Data returns the session's live scratchpad. The scratchpad carries its
// own lock, so handing it out does not leak store internals.
func (s *Store) Data(id string) (*workctx.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.data, nil
}

// AddData stores a key in the session's scratchpad and refreshes
// last_activity. An empty-string value still marks the key present.
func (s *Store) AddData(id, key string, value any) error {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.lastActivity = time.Now()
	data := rec.data
	s.mu.Unlock()

	data.Set(key, value)
	return nil
}

// GetData reads a key from the session's scratchpad. present is false only
// when the key is genuinely absent, never for present-but-empty values.
func (s *Store) GetData(id, key string) (value any, present bool, err error) {
	data, err := s.Data(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := data.Get(key)
	return v, ok, nil
}

// SetStatus moves an active session to a non-terminal status. Terminal
// transitions go through EndSession or the pending-end path so that
// SESSION_ENDED is published exactly once.
func (s *Store) SetStatus(id string, status Status) error {
	if status.Terminal() {
		return fmt.Errorf("terminal status %s requires EndSession or MarkForEnd", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	rec.status = status
	rec.lastActivity = time.Now()
	return nil
}

// SetCurrentStep records the workflow session's current step id.
func (s *Store) SetCurrentStep(id, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.kind != KindWorkflow {
		return fmt.Errorf("%w: %s", ErrNotWorkflow, id)
	}
	rec.currentStep = stepID
	rec.lastActivity = time.Now()
	return nil
}

// RecordStep appends to the workflow session's step history.
func (s *Store) RecordStep(id, stepID, resultSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.kind != KindWorkflow {
		return fmt.Errorf("%w: %s", ErrNotWorkflow, id)
	}
	rec.stepHistory = append(rec.stepHistory, StepRecord{
		StepID:        stepID,
		ResultSummary: resultSummary,
		Timestamp:     time.Now(),
	})
	rec.lastActivity = time.Now()
	return nil
}

// Touch refreshes last_activity.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.lastActivity = time.Now()
	return nil
}

// MarkForEnd flags the session for finalization at the next cycle
// boundary. The session stays active until FinalizePending runs, which
// gives the output layer its chance to speak the closing line first.
func (s *Store) MarkForEnd(id string, reason EndReason, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	rec.pendingEnd = true
	rec.endReason = reason
	rec.endMessage = message
	rec.lastActivity = time.Now()

	slog.Info("Session marked for end",
		"session_id", id,
		"reason", reason,
		"message", message)
	return nil
}

// EndSession finalizes the session immediately, bypassing the cycle
// boundary. Used for teardown paths where no closing response is owed.
func (s *Store) EndSession(id string, reason EndReason, message string) error {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	s.finalizeLocked(rec, reason, message)
	snap := rec.snapshot()
	s.mu.Unlock()

	s.publishEnded(snap)
	return nil
}

// FinalizePending finalizes every session flagged pending_end and returns
// their snapshots. The Controller calls this on CYCLE_COMPLETED; sessions
// never die mid-cycle.
func (s *Store) FinalizePending() []Snapshot {
	s.mu.Lock()
	var ended []Snapshot
	for _, rec := range s.sessions {
		if rec.pendingEnd && !rec.status.Terminal() {
			s.finalizeLocked(rec, rec.endReason, rec.endMessage)
			ended = append(ended, rec.snapshot())
		}
	}
	s.mu.Unlock()

	for _, snap := range ended {
		s.publishEnded(snap)
	}
	return ended
}

// finalizeLocked flips the record to its terminal status. Caller holds the
// store mutex.
func (s *Store) finalizeLocked(rec *record, reason EndReason, message string) {
	if reason == "" {
		reason = EndCompleted
	}
	rec.status = reason.terminalStatus()
	rec.pendingEnd = false
	rec.endReason = reason
	rec.endMessage = message
	rec.lastActivity = time.Now()

	slog.Info("Session ended",
		"session_id", rec.id,
		"kind", rec.kind,
		"status", rec.status,
		"reason", reason)
}

// publishEnded emits SESSION_ENDED for a finalized session. Exactly one
// event per session: both end paths reject already-terminal records.
func (s *Store) publishEnded(snap Snapshot) {
	data := map[string]any{
		"session_id": snap.ID,
		"kind":       string(snap.Kind),
		"status":     string(snap.Status),
		"reason":     string(snap.EndReason),
	}
	if snap.EndMessage != "" {
		data["message"] = snap.EndMessage
	}
	if snap.WorkflowType != "" {
		data["workflow_type"] = snap.WorkflowType
	}
	s.bus.Publish(bus.KindSessionEnded, "session_store", data)
}

// PruneTerminal removes terminal sessions whose last activity is older
// than the retention window. Returns the number removed.
func (s *Store) PruneTerminal(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.sessions {
		if rec.status.Terminal() && rec.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Pruned terminal sessions", "count", removed)
	}
	return removed
}

// Count returns the number of stored sessions, terminal included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
