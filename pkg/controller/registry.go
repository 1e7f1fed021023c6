package controller

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TaskRecord is one tracked background task, as seen by the controller.
// The database stays authoritative for task state; the registry is the
// cheap always-loaded view used for status questions and the snapshot
// that survives restarts.
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	WorkflowType string     `json:"workflow_type,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

// registrySnapshot is the persisted JSON shape.
type registrySnapshot struct {
	SavedAt time.Time    `json:"saved_at"`
	Active  []TaskRecord `json:"active"`
	History []TaskRecord `json:"history"`
}

// registry tracks running background tasks and a bounded history of
// finished ones. All persistence is best-effort: a lost snapshot costs
// observability, never correctness.
type registry struct {
	mu      sync.Mutex
	file    string
	limit   int
	active  map[string]*TaskRecord
	history []TaskRecord
}

func newRegistry(file string, historyLimit int) *registry {
	return &registry{
		file:   file,
		limit:  historyLimit,
		active: make(map[string]*TaskRecord),
	}
}

// load restores the previous snapshot if one exists.
func (r *registry) load() {
	if r.file == "" {
		return
	}
	raw, err := os.ReadFile(r.file)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("Could not read task registry snapshot", "file", r.file, "error", err)
		return
	}
	var snap registrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("Could not parse task registry snapshot", "file", r.file, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range snap.Active {
		rec := snap.Active[i]
		r.active[rec.TaskID] = &rec
	}
	r.history = snap.History
	r.trimLocked()
	slog.Info("Task registry restored",
		"file", r.file, "active", len(snap.Active), "history", len(snap.History))
}

// save writes the snapshot. The write goes through a temp file so a
// crash mid-write never leaves a torn snapshot behind.
func (r *registry) save() {
	if r.file == "" {
		return
	}
	r.mu.Lock()
	snap := registrySnapshot{
		SavedAt: time.Now().UTC(),
		Active:  r.activeLocked(),
		History: append([]TaskRecord(nil), r.history...),
	}
	r.mu.Unlock()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Warn("Could not encode task registry snapshot", "error", err)
		return
	}
	tmp := r.file + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		slog.Warn("Could not create task registry directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		slog.Warn("Could not write task registry snapshot", "file", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, r.file); err != nil {
		slog.Warn("Could not replace task registry snapshot", "file", r.file, "error", err)
	}
}

// track registers a submitted task. Re-tracking an existing id merges
// the non-empty fields and keeps the original start time.
func (r *registry) track(taskID, workflowType, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[taskID]; ok {
		if workflowType != "" {
			rec.WorkflowType = workflowType
		}
		if sessionID != "" {
			rec.SessionID = sessionID
		}
		return
	}
	r.active[taskID] = &TaskRecord{
		TaskID:       taskID,
		WorkflowType: workflowType,
		SessionID:    sessionID,
		Status:       "running",
		StartedAt:    time.Now().UTC(),
	}
}

// finish moves a task into the bounded history. Terminal events for an
// untracked id still get a history entry; the registry never loses a
// completion just because the submission predates this process.
func (r *registry) finish(taskID, workflowType, status, detail string) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[taskID]
	if !ok {
		rec = &TaskRecord{TaskID: taskID, WorkflowType: workflowType, StartedAt: now}
	}
	delete(r.active, taskID)

	rec.Status = status
	rec.Detail = detail
	rec.FinishedAt = &now
	if rec.WorkflowType == "" {
		rec.WorkflowType = workflowType
	}
	r.history = append(r.history, *rec)
	r.trimLocked()
}

func (r *registry) trimLocked() {
	if r.limit > 0 && len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
}

func (r *registry) activeLocked() []TaskRecord {
	out := make([]TaskRecord, 0, len(r.active))
	for _, rec := range r.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// tasks returns the active records, oldest first.
func (r *registry) tasks() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// recent returns the finished records, oldest first.
func (r *registry) recent() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskRecord(nil), r.history...)
}
