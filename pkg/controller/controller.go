// Package controller folds the input → processing → output completion
// events into conversation cycles and keeps the registry of background
// work. The cycle boundary is load-bearing: pending-end sessions are
// finalized only when a cycle completes, so the output layer always gets
// its closing line out before a session dies.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kora-assist/kora/pkg/bus"
	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/session"
)

const source = "controller"

// Controller is the cycle controller. It is a pure bus citizen: all
// input arrives as events, all output leaves as events.
type Controller struct {
	cfg   *config.ControllerConfig
	bus   *bus.Bus
	store *session.Store
	reg   *registry

	mu             sync.Mutex
	cycleID        string
	cycleStartedAt time.Time
	processingSeen bool
	cycleCount     int64
	interrupted    int64

	subs    []bus.Subscription
	started bool
}

// New creates a controller. Start subscribes it to the bus.
func New(cfg *config.ControllerConfig, b *bus.Bus, store *session.Store) *Controller {
	return &Controller{
		cfg:   cfg,
		bus:   b,
		store: store,
		reg:   newRegistry(cfg.RegistryFile, cfg.HistoryLimit),
	}
}

// Start loads the task registry snapshot and subscribes to the layer
// completion and background terminal kinds.
func (c *Controller) Start() {
	if c.started {
		return
	}
	c.started = true

	c.reg.load()
	c.subs = append(c.subs,
		c.bus.Subscribe(bus.KindInputLayerComplete, source, c.onInputComplete),
		c.bus.Subscribe(bus.KindProcessingLayerComplete, source, c.onProcessingComplete),
		c.bus.Subscribe(bus.KindOutputLayerComplete, source, c.onOutputComplete),
		c.bus.Subscribe(bus.KindBackgroundWorkflowCompleted, source, c.onTaskTerminal),
		c.bus.Subscribe(bus.KindBackgroundWorkflowFailed, source, c.onTaskTerminal),
		c.bus.Subscribe(bus.KindBackgroundWorkflowCancelled, source, c.onTaskTerminal),
	)
	slog.Info("Controller started", "registry_file", c.cfg.RegistryFile)
}

// Stop unsubscribes and persists the registry snapshot.
func (c *Controller) Stop() {
	if !c.started {
		return
	}
	c.started = false
	for _, s := range c.subs {
		c.bus.Unsubscribe(s)
	}
	c.subs = nil
	c.reg.save()
	slog.Info("Controller stopped", "cycles", c.CycleCount())
}

// onInputComplete opens a cycle. Input arriving while a cycle is still
// open force-closes the stale cycle first, so CYCLE_STARTED and
// CYCLE_COMPLETED always pair up one to one.
func (c *Controller) onInputComplete(e bus.Event) error {
	c.mu.Lock()
	staleID := c.cycleID
	staleStart := c.cycleStartedAt
	id := uuid.New().String()
	c.cycleID = id
	c.cycleStartedAt = time.Now()
	c.processingSeen = false
	c.cycleCount++
	count := c.cycleCount
	if staleID != "" {
		c.interrupted++
	}
	c.mu.Unlock()

	if staleID != "" {
		slog.Warn("New input before the cycle completed; closing the stale cycle",
			"stale_cycle_id", staleID)
		c.completeCycle(staleID, staleStart, true)
	}

	c.bus.Publish(bus.KindCycleStarted, source, map[string]any{
		"cycle_id":     id,
		"cycle_number": count,
		"trigger":      e.Source,
	})
	slog.Debug("Cycle started", "cycle_id", id, "cycle_number", count)
	return nil
}

// onProcessingComplete records the mid-cycle phase. Processing work that
// finishes outside a cycle (background digests, monitors) is normal and
// only logged at debug.
func (c *Controller) onProcessingComplete(bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycleID == "" {
		slog.Debug("Processing completed outside a cycle")
		return nil
	}
	c.processingSeen = true
	return nil
}

// onOutputComplete closes the open cycle. Output with no open cycle is
// dropped: completing a cycle that never started would break the 1:1
// start/complete pairing downstream consumers rely on.
func (c *Controller) onOutputComplete(bus.Event) error {
	c.mu.Lock()
	id := c.cycleID
	startedAt := c.cycleStartedAt
	sawProcessing := c.processingSeen
	c.cycleID = ""
	c.mu.Unlock()

	if id == "" {
		slog.Warn("Output completion with no open cycle; ignoring")
		return nil
	}
	if !sawProcessing {
		slog.Debug("Cycle completed without a processing phase", "cycle_id", id)
	}
	c.completeCycle(id, startedAt, false)
	return nil
}

// completeCycle publishes CYCLE_COMPLETED and then finalizes pending-end
// sessions. Publish first: the completion event must precede the
// SESSION_ENDED events it unblocks.
func (c *Controller) completeCycle(id string, startedAt time.Time, interrupted bool) {
	c.bus.Publish(bus.KindCycleCompleted, source, map[string]any{
		"cycle_id":    id,
		"duration_ms": time.Since(startedAt).Milliseconds(),
		"interrupted": interrupted,
	})

	ended := c.store.FinalizePending()
	if len(ended) > 0 {
		slog.Info("Sessions finalized at cycle boundary",
			"cycle_id", id, "count", len(ended))
	}
	slog.Debug("Cycle completed", "cycle_id", id, "interrupted", interrupted)
}

// onTaskTerminal folds background terminal events into the registry.
func (c *Controller) onTaskTerminal(e bus.Event) error {
	taskID, _ := e.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	workflowType, _ := e.Data["workflow_type"].(string)

	var status, detail string
	switch e.Kind {
	case bus.KindBackgroundWorkflowCompleted:
		status = "completed"
	case bus.KindBackgroundWorkflowFailed:
		status = "failed"
		detail, _ = e.Data["error"].(string)
	case bus.KindBackgroundWorkflowCancelled:
		status = "cancelled"
		detail, _ = e.Data["reason"].(string)
	default:
		return nil
	}

	c.reg.finish(taskID, workflowType, status, detail)
	c.reg.save()
	return nil
}

// Track registers a submitted background task with the registry. The
// submission paths (tool service, monitor creation) call this.
func (c *Controller) Track(taskID, workflowType, sessionID string) {
	c.reg.track(taskID, workflowType, sessionID)
	c.reg.save()
}

// Tasks returns the registry's active records, oldest first.
func (c *Controller) Tasks() []TaskRecord {
	return c.reg.tasks()
}

// History returns the registry's finished records, oldest first.
func (c *Controller) History() []TaskRecord {
	return c.reg.recent()
}

// CurrentCycleID returns the open cycle's id, or "" between cycles.
func (c *Controller) CurrentCycleID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleID
}

// CycleCount returns how many cycles have been started.
func (c *Controller) CycleCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleCount
}

// InterruptedCount returns how many cycles were force-closed by new
// input.
func (c *Controller) InterruptedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}
