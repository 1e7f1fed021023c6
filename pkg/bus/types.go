// Package bus provides the in-process publish/subscribe event bus that
// every core component communicates through. Events of a given kind are
// delivered in publish order by a single dedicated drain goroutine;
// handlers for one event run serially in subscription order. There is no
// cross-kind ordering guarantee — cycle-level ordering is the
// controller's job, not the bus's.
package bus

import "time"

// Kind identifies the type of an event. The set is closed: modules do not
// invent kinds at runtime, they use the constants below.
type Kind string

// Layer completion kinds. The input → processing → output sequence is what
// the controller folds into cycles.
const (
	KindInputLayerComplete      Kind = "input_layer_complete"
	KindProcessingLayerComplete Kind = "processing_layer_complete"
	KindOutputLayerComplete     Kind = "output_layer_complete"
)

// Module lifecycle kinds.
const (
	KindModuleInitialized Kind = "module_initialized"
	KindModuleReady       Kind = "module_ready"
	KindModuleError       Kind = "module_error"
	KindModuleBusy        Kind = "module_busy"
)

// System state kinds.
const (
	KindStateChanged Kind = "state_changed"
	KindSleepEntered Kind = "sleep_entered"
	KindSleepExited  Kind = "sleep_exited"
)

// Session and cycle lifecycle kinds.
const (
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
	KindCycleStarted   Kind = "cycle_started"
	KindCycleCompleted Kind = "cycle_completed"
)

// Workflow kinds.
const (
	KindWorkflowStepCompleted Kind = "workflow_step_completed"
	KindWorkflowRequiresInput Kind = "workflow_requires_input"
	KindWorkflowFailed        Kind = "workflow_failed"
)

// Background workflow kinds.
const (
	KindBackgroundWorkflowCompleted Kind = "background_workflow_completed"
	KindBackgroundWorkflowFailed    Kind = "background_workflow_failed"
	KindBackgroundWorkflowCancelled Kind = "background_workflow_cancelled"
)

// Scheduled-event kinds emitted by the scheduler driver.
const (
	KindReminderTriggered     Kind = "reminder_triggered"
	KindCalendarEventStarting Kind = "calendar_event_starting"
	KindTodoUpcoming          Kind = "todo_upcoming"
	KindTodoOverdue           Kind = "todo_overdue"
	KindSystemStartupReport   Kind = "system_startup_report"
)

// Host action kinds.
const (
	KindMediaControlExecuted Kind = "media_control_executed"
)

// allKinds is the closed enumeration, used by IsValid and tests.
var allKinds = map[Kind]struct{}{
	KindInputLayerComplete:      {},
	KindProcessingLayerComplete: {},
	KindOutputLayerComplete:     {},
	KindModuleInitialized:       {},
	KindModuleReady:             {},
	KindModuleError:             {},
	KindModuleBusy:              {},
	KindStateChanged:            {},
	KindSleepEntered:            {},
	KindSleepExited:             {},
	KindSessionStarted:          {},
	KindSessionEnded:            {},
	KindCycleStarted:            {},
	KindCycleCompleted:          {},
	KindWorkflowStepCompleted:   {},
	KindWorkflowRequiresInput:   {},
	KindWorkflowFailed:          {},

	KindBackgroundWorkflowCompleted: {},
	KindBackgroundWorkflowFailed:    {},
	KindBackgroundWorkflowCancelled: {},

	KindReminderTriggered:     {},
	KindCalendarEventStarting: {},
	KindTodoUpcoming:          {},
	KindTodoOverdue:           {},
	KindSystemStartupReport:   {},
	KindMediaControlExecuted:  {},
}

// IsValid reports whether k belongs to the closed kind enumeration.
func (k Kind) IsValid() bool {
	_, ok := allKinds[k]
	return ok
}

// Kinds returns every kind in the closed enumeration. Order is unspecified.
func Kinds() []Kind {
	out := make([]Kind, 0, len(allKinds))
	for k := range allKinds {
		out = append(out, k)
	}
	return out
}

// Event is a single published event. Events are immutable after publish:
// the bus copies Data at publish time, so later mutation of the caller's
// map does not leak into subscribers or history.
type Event struct {
	ID        string         `json:"event_id"`
	Kind      Kind           `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one event. A non-nil error is counted and logged by the
// bus; it never stops delivery to other handlers or later events.
type Handler func(Event) error

// Subscription identifies one (kind, handler) registration. It is the
// token Unsubscribe needs — Go funcs are not comparable, so handlers are
// tracked by id, not by identity.
type Subscription struct {
	kind Kind
	id   uint64
}

// Kind returns the event kind this subscription is registered for.
func (s Subscription) Kind() Kind { return s.kind }

// Stats is a snapshot of the bus's authoritative counters.
type Stats struct {
	TotalPublished   int64          `json:"total_published"`
	TotalProcessed   int64          `json:"total_processed"`
	ProcessingErrors int64          `json:"processing_errors"`
	PublishedByKind  map[Kind]int64 `json:"published_by_kind"`
	QueueDepth       int            `json:"queue_depth"`
	Subscribers      map[Kind]int   `json:"subscribers"`
	Running          bool           `json:"running"`
}
