// Package state tracks the assistant's coarse activity state. The edge
// set is closed: IDLE is the hub, CHAT and WORK and SLEEP are spokes,
// and every leaf returns to IDLE before anything else starts. Sleep
// context survives restarts through a JSON sidecar so the assistant can
// say how long it was out.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kora-assist/kora/pkg/bus"
)

// State is one of the four activity states.
type State string

const (
	StateIdle  State = "IDLE"
	StateWork  State = "WORK"
	StateChat  State = "CHAT"
	StateSleep State = "SLEEP"
)

// transitions is the closed edge set.
var transitions = map[State][]State{
	StateIdle:  {StateChat, StateWork, StateSleep},
	StateChat:  {StateIdle},
	StateWork:  {StateIdle},
	StateSleep: {StateIdle},
}

// ErrInvalidTransition is returned for edges outside the closed set.
var ErrInvalidTransition = errors.New("invalid state transition")

// sidecarName is the sleep-context file under the state directory.
const sidecarName = "sleep_context.json"

const source = "state_manager"

// SleepContext is what the manager remembers about going to sleep. It is
// written when sleep starts and deleted on wake; a leftover file after a
// restart means the process died asleep.
type SleepContext struct {
	SleepStartTime   time.Time `json:"sleep_start_time"`
	PreviousState    State     `json:"previous_state"`
	Reason           string    `json:"reason"`
	BoredomLevel     float64   `json:"boredom_level"`
	InactiveDuration string    `json:"inactive_duration"`
}

// Manager owns the activity state machine.
type Manager struct {
	bus      *bus.Bus
	stateDir string

	mu           sync.Mutex
	current      State
	enteredAt    time.Time
	lastActivity time.Time

	subs []bus.Subscription
}

// NewManager creates a manager starting in IDLE.
func NewManager(b *bus.Bus, stateDir string) *Manager {
	now := time.Now()
	return &Manager{
		bus:          b,
		stateDir:     stateDir,
		current:      StateIdle,
		enteredAt:    now,
		lastActivity: now,
	}
}

// Current returns the current state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentFor returns how long the current state has been held.
func (m *Manager) CurrentFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// Touch records user activity. Inactivity is measured from the last
// touch, not from the last transition.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// InactiveFor returns the time since the last recorded activity.
func (m *Manager) InactiveFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// Transition moves to the target state and publishes STATE_CHANGED.
// Re-entering the current state is a no-op, not an error: repeated
// "user is chatting" signals are normal. Edges outside the closed set
// fail with ErrInvalidTransition.
func (m *Manager) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !edgeAllowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	m.enteredAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(bus.KindStateChanged, source, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	slog.Info("State changed", "from", from, "to", to, "reason", reason)
	return nil
}

func edgeAllowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sleep enters SLEEP, persists the sleep context sidecar, and publishes
// SLEEP_ENTERED. Only IDLE can fall asleep.
func (m *Manager) Sleep(reason string, boredomLevel float64) error {
	m.mu.Lock()
	from := m.current
	inactive := time.Since(m.lastActivity)
	m.mu.Unlock()

	sc := SleepContext{
		SleepStartTime:   time.Now().UTC(),
		PreviousState:    from,
		Reason:           reason,
		BoredomLevel:     boredomLevel,
		InactiveDuration: inactive.Round(time.Second).String(),
	}

	if err := m.Transition(StateSleep, reason); err != nil {
		return err
	}

	// The sidecar is written after the transition commits so it never
	// describes a sleep that did not happen.
	if err := m.writeSidecar(sc); err != nil {
		slog.Warn("Could not persist sleep context", "error", err)
	}

	m.bus.Publish(bus.KindSleepEntered, source, map[string]any{
		"reason":            reason,
		"boredom_level":     boredomLevel,
		"previous_state":    string(from),
		"inactive_duration": sc.InactiveDuration,
	})
	return nil
}

// Wake leaves SLEEP, removes the sidecar, and publishes SLEEP_EXITED
// with the slept duration.
func (m *Manager) Wake(reason string) error {
	m.mu.Lock()
	if m.current != StateSleep {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("%w: wake from %s", ErrInvalidTransition, cur)
	}
	sleptFor := time.Since(m.enteredAt)
	m.mu.Unlock()

	if err := m.Transition(StateIdle, reason); err != nil {
		return err
	}
	if err := m.removeSidecar(); err != nil {
		slog.Warn("Could not remove sleep context", "error", err)
	}

	m.bus.Publish(bus.KindSleepExited, source, map[string]any{
		"reason":    reason,
		"slept_for": sleptFor.Round(time.Second).String(),
	})
	return nil
}

// LastSleep reads a leftover sleep sidecar. A non-nil result after a
// fresh start means the previous process died asleep; the caller decides
// what to tell the user. Returns (nil, nil) when there is no sidecar.
func (m *Manager) LastSleep() (*SleepContext, error) {
	raw, err := os.ReadFile(m.sidecarPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sleep context: %w", err)
	}
	var sc SleepContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse sleep context: %w", err)
	}
	return &sc, nil
}

// ClearSleep removes a leftover sidecar after it has been reported.
func (m *Manager) ClearSleep() error {
	return m.removeSidecar()
}

func (m *Manager) sidecarPath() string {
	return filepath.Join(m.stateDir, sidecarName)
}

func (m *Manager) writeSidecar(sc SleepContext) error {
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.sidecarPath(), raw, 0o600)
}

func (m *Manager) removeSidecar() error {
	err := os.Remove(m.sidecarPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// BindSessionEvents subscribes the manager to session lifecycle events
// so conversations and workflows move the state machine without every
// caller remembering to. Transitions that lose the race (a workflow
// starting mid-chat) are logged and skipped, not errors.
func (m *Manager) BindSessionEvents() {
	m.subs = append(m.subs,
		m.bus.Subscribe(bus.KindSessionStarted, source, m.onSessionStarted),
		m.bus.Subscribe(bus.KindSessionEnded, source, m.onSessionEnded),
	)
}

// UnbindSessionEvents removes the subscriptions added by
// BindSessionEvents.
func (m *Manager) UnbindSessionEvents() {
	for _, s := range m.subs {
		m.bus.Unsubscribe(s)
	}
	m.subs = nil
}

func (m *Manager) onSessionStarted(e bus.Event) error {
	m.Touch()
	target := StateChat
	if kind, _ := e.Data["kind"].(string); kind == "workflow" {
		target = StateWork
	}
	if err := m.Transition(target, "session started"); err != nil {
		slog.Debug("Session start did not change state",
			"current", m.Current(), "target", target)
	}
	return nil
}

func (m *Manager) onSessionEnded(bus.Event) error {
	if err := m.Transition(StateIdle, "session ended"); err != nil {
		slog.Debug("Session end did not change state", "current", m.Current())
	}
	return nil
}
