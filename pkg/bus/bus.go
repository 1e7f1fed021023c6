package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
)

// historySize is the number of recent events retained for inspection.
// Older events are evicted oldest-first.
const historySize = 100

// stopTimeout bounds how long Stop waits for the drain goroutine to
// finish its in-flight event before giving up the join.
const stopTimeout = 2 * time.Second

// subscription is one registered handler. name is used only for logging
// handler failures.
type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus is the in-process event bus. One Bus instance is created per
// runtime (tests create their own — there is no package-level singleton).
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	subs   map[Kind][]*subscription
	queue  []Event
	nextID uint64

	running    bool
	stopping   bool
	delivering bool
	done       chan struct{}

	// history is keyed by event ID. Entries are only ever added, never
	// looked up, so LRU order degenerates to insertion order and
	// Values() returns the retained events oldest-first.
	history *lru.Cache[string, Event]

	totalPublished   int64
	totalProcessed   int64
	processingErrors int64
	publishedByKind  map[Kind]int64
}

// New creates a stopped Bus. Call Start before publishing asynchronously;
// synchronous publishes work regardless of the drain goroutine.
func New() *Bus {
	return NewWithHistory(historySize)
}

// NewWithHistory creates a stopped Bus retaining the given number of
// recent events. Sizes below 1 fall back to the default.
func NewWithHistory(size int) *Bus {
	if size < 1 {
		size = historySize
	}
	history, _ := lru.New[string, Event](size)
	b := &Bus{
		subs:            make(map[Kind][]*subscription),
		history:         history,
		publishedByKind: make(map[Kind]int64),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the delivery goroutine. Safe to call multiple times;
// subsequent calls are no-ops.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		slog.Warn("Event bus already started, ignoring duplicate Start call")
		return
	}
	b.running = true
	b.stopping = false
	b.done = make(chan struct{})
	go b.drain()
	slog.Info("Event bus started")
}

// Stop signals the delivery goroutine and joins it with a bounded wait.
// The in-flight handler chain runs to completion; events still queued
// when the signal lands are dropped. Counters and history survive Stop.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	done := b.done
	b.cond.Broadcast()
	b.mu.Unlock()

	select {
	case <-done:
		slog.Info("Event bus stopped")
	case <-time.After(stopTimeout):
		slog.Warn("Event bus stop timed out waiting for drain goroutine",
			"timeout", stopTimeout)
	}

	b.mu.Lock()
	dropped := len(b.queue)
	b.queue = nil
	b.running = false
	b.mu.Unlock()

	if dropped > 0 {
		slog.Warn("Dropped undelivered events on bus stop", "count", dropped)
	}
}

// Subscribe registers a handler for a kind. Handlers for one event run in
// subscription order; name identifies the handler in failure logs.
func (b *Bus) Subscribe(kind Kind, name string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, name: name, handler: h}
	b.subs[kind] = append(b.subs[kind], sub)
	return Subscription{kind: kind, id: sub.id}
}

// Unsubscribe removes a registration. Unknown subscriptions are a no-op,
// so subscribe-then-unsubscribe always leaves the handler set unchanged.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.kind]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.kind] = append(list[:i], list[i+1:]...)
			if len(b.subs[s.kind]) == 0 {
				delete(b.subs, s.kind)
			}
			return
		}
	}
}

// Publish enqueues an event for asynchronous delivery and returns
// immediately. Publishing with zero subscribers is not an error: the
// event still enters history and the counters.
func (b *Bus) Publish(kind Kind, source string, data map[string]any) Event {
	e := b.record(kind, source, data)
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.cond.Signal()
	b.mu.Unlock()
	return e
}

// PublishSync runs the handler chain on the caller's goroutine before
// returning. It is the escape hatch for publishers that need the
// side effects of delivery to be visible when the call returns.
func (b *Bus) PublishSync(kind Kind, source string, data map[string]any) Event {
	e := b.record(kind, source, data)
	b.deliver(e)
	return e
}

// record assigns identity, snapshots the data map, and updates history
// and publish counters. Shared by both publish paths.
func (b *Bus) record(kind Kind, source string, data map[string]any) Event {
	e := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Data:      copyData(data),
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.totalPublished++
	b.publishedByKind[kind]++
	b.mu.Unlock()

	b.history.Add(e.ID, e)
	return e
}

// drain is the single delivery goroutine. It pops one event at a time and
// runs its handler chain outside the lock. A stop signal is honored
// between events, never mid-chain.
func (b *Bus) drain() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopping {
			b.cond.Wait()
		}
		if b.stopping {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		b.delivering = true
		b.mu.Unlock()

		b.deliver(e)

		b.mu.Lock()
		b.delivering = false
		b.mu.Unlock()
	}
}

// deliver invokes every current subscriber for e's kind, serially, in
// subscription order. Handler errors and panics are counted and logged;
// they never short-circuit the chain.
func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	list := b.subs[e.Kind]
	handlers := make([]*subscription, len(list))
	copy(handlers, list)
	b.mu.Unlock()

	for _, sub := range handlers {
		if err := b.invoke(sub, e); err != nil {
			b.mu.Lock()
			b.processingErrors++
			b.mu.Unlock()
			slog.Warn("Event handler failed",
				"handler", sub.name,
				"event_type", e.Kind,
				"event_id", e.ID,
				"error", err)
			continue
		}
		b.mu.Lock()
		b.totalProcessed++
		b.mu.Unlock()
	}
}

// invoke runs one handler, converting a panic into an error so a broken
// subscriber cannot take down the drain goroutine.
func (b *Bus) invoke(sub *subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(e)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKind := make(map[Kind]int64, len(b.publishedByKind))
	for k, v := range b.publishedByKind {
		byKind[k] = v
	}
	subCounts := make(map[Kind]int, len(b.subs))
	for k, list := range b.subs {
		subCounts[k] = len(list)
	}

	return Stats{
		TotalPublished:   b.totalPublished,
		TotalProcessed:   b.totalProcessed,
		ProcessingErrors: b.processingErrors,
		PublishedByKind:  byKind,
		QueueDepth:       len(b.queue),
		Subscribers:      subCounts,
		Running:          b.running && !b.stopping,
	}
}

// Recent returns up to n retained events, oldest first. With kinds given,
// only events of those kinds are returned.
func (b *Bus) Recent(n int, kinds ...Kind) []Event {
	all := b.history.Values()
	if len(kinds) > 0 {
		want := make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			want[k] = struct{}{}
		}
		filtered := all[:0:0]
		for _, e := range all {
			if _, ok := want[e.Kind]; ok {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// ClearHistory discards the retained events. Counters are untouched.
func (b *Bus) ClearHistory() {
	b.history.Purge()
}

// WaitIdle blocks until the queue is empty and the drain goroutine is
// between events, or the timeout elapses. It exists for tests and
// shutdown sequencing; production publishers never need it.
func (b *Bus) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		idle := len(b.queue) == 0 && !b.delivering
		b.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// copyData snapshots a payload map. Nested maps are not deep-copied;
// publishers hand over ownership of nested values by convention.
func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
