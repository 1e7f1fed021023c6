// Package monitor runs long-lived monitoring workers, one goroutine per
// background task. Monitors survive restarts through the task records:
// PrepareShutdown flips every active monitor to SUSPENDED before the
// process exits, and Restore rebuilds the monitor functions from the
// persisted records at the next boot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/models"
	"github.com/kora-assist/kora/pkg/services"
)

// Func is the body of one monitor. It must loop until stop is closed,
// sleeping checkInterval between checks; Loop implements that shape.
type Func func(stop <-chan struct{}, checkInterval time.Duration)

// Factory rebuilds a monitor function from a persisted task record. It
// returns an error for workflow types it does not recognize; those tasks
// stay SUSPENDED and show up in the restore report.
type Factory func(workflowType string, metadata map[string]any) (Func, error)

// Pool errors.
var (
	ErrPoolFull    = errors.New("monitor pool full")
	ErrDuplicate   = errors.New("monitor already active for task")
	ErrNotActive   = errors.New("no active monitor for task")
	ErrStopTimeout = errors.New("monitor did not stop before timeout")
	ErrPoolClosed  = errors.New("monitor pool is shut down")
)

// entry tracks one running monitor goroutine.
type entry struct {
	taskID   string
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (e *entry) signalStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Pool is the monitoring pool. Capacity is bounded by config; submission
// beyond the bound is refused rather than queued, because a monitor that
// cannot run now has a persisted record to be restored from later.
type Pool struct {
	cfg   *config.MonitorConfig
	tasks *services.TaskService

	mu       sync.Mutex
	monitors map[string]*entry
	closed   bool
}

// NewPool creates a monitoring pool. It does not start anything; monitors
// are goroutines launched per Submit.
func NewPool(cfg *config.MonitorConfig, tasks *services.TaskService) *Pool {
	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		monitors: make(map[string]*entry),
	}
}

// Submit launches fn as the monitor for taskID. The caller owns the task
// record; the pool only tracks the goroutine.
func (p *Pool) Submit(taskID string, fn Func, checkInterval time.Duration) error {
	if fn == nil {
		return fmt.Errorf("nil monitor function for task %s", taskID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, exists := p.monitors[taskID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, taskID)
	}
	if len(p.monitors) >= p.cfg.Slots {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d slots in use", ErrPoolFull, p.cfg.Slots)
	}
	e := &entry{
		taskID:   taskID,
		interval: checkInterval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.monitors[taskID] = e
	p.mu.Unlock()

	go p.run(e, fn)
	return nil
}

// run hosts one monitor goroutine. A panicking monitor must not take the
// process down; it is logged and the slot is released.
func (p *Pool) run(e *entry, fn Func) {
	defer close(e.done)
	defer p.remove(e.taskID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Monitor panicked", "task_id", e.taskID, "panic", r)
		}
	}()

	fn(e.stopCh, e.interval)
}

func (p *Pool) remove(taskID string) {
	p.mu.Lock()
	delete(p.monitors, taskID)
	p.mu.Unlock()
}

func (p *Pool) get(taskID string) (*entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.monitors[taskID]
	return e, ok
}

// Active reports whether a monitor goroutine is running for taskID.
func (p *Pool) Active(taskID string) bool {
	_, ok := p.get(taskID)
	return ok
}

// ActiveMonitors returns the task ids with a running monitor goroutine.
func (p *Pool) ActiveMonitors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.monitors))
	for id := range p.monitors {
		ids = append(ids, id)
	}
	return ids
}

// StopMonitor signals one monitor to stop and joins it with a bounded
// wait. A zero timeout uses the configured stop timeout. The monitor
// stays listed until its goroutine actually exits.
func (p *Pool) StopMonitor(taskID string, timeout time.Duration) error {
	e, ok := p.get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, taskID)
	}
	if timeout <= 0 {
		timeout = p.cfg.StopTimeout
	}

	e.signalStop()
	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, taskID, timeout)
	}
}

// StopAll signals every monitor and joins each with the configured stop
// timeout. It returns the task ids that missed the deadline.
func (p *Pool) StopAll() []string {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.monitors))
	for _, e := range p.monitors {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.signalStop()
	}

	var stuck []string
	for _, e := range entries {
		select {
		case <-e.done:
		case <-time.After(p.cfg.StopTimeout):
			stuck = append(stuck, e.taskID)
		}
	}
	return stuck
}

// ShutdownReport summarizes PrepareShutdown: which records were flipped
// to SUSPENDED and which goroutines missed the join deadline.
type ShutdownReport struct {
	Suspended    []string
	FailedToStop []string
}

// PrepareShutdown suspends every active monitor for a restart: each task
// record is flipped to SUSPENDED, then every stop channel is signalled
// and each goroutine joined with the configured shutdown timeout. The
// pool refuses new submissions afterwards.
//
// A record that cannot be flipped is left as is and omitted from the
// report; boot-time orphan recovery suspends it on the next start.
func (p *Pool) PrepareShutdown(ctx context.Context) ShutdownReport {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry, 0, len(p.monitors))
	for _, e := range p.monitors {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var report ShutdownReport
	for _, e := range entries {
		err := p.tasks.UpdateStatus(ctx, e.taskID, models.TaskSuspended, "suspended at shutdown")
		if err != nil {
			slog.Warn("Failed to suspend monitor record", "task_id", e.taskID, "error", err)
			continue
		}
		report.Suspended = append(report.Suspended, e.taskID)
	}

	for _, e := range entries {
		e.signalStop()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-time.After(p.cfg.ShutdownTimeout):
			slog.Error("Monitor failed to stop before shutdown deadline", "task_id", e.taskID)
			report.FailedToStop = append(report.FailedToStop, e.taskID)
		}
	}

	slog.Info("Monitoring pool shut down",
		"suspended", len(report.Suspended),
		"failed_to_stop", len(report.FailedToStop))
	return report
}

// RestoreReport summarizes Restore: task ids resumed into the pool and
// task ids that could not be rebuilt, with the reason.
type RestoreReport struct {
	Restored []string
	Failed   map[string]string
}

// Restore rebuilds monitors for every SUSPENDED task record using the
// given factory and resumes them in the pool. Rebuilds run concurrently,
// bounded by the configured restore concurrency. Tasks the factory
// rejects stay SUSPENDED and are reported, not dropped. Restoring
// reopens a pool closed by PrepareShutdown, so a shutdown/restore pair
// on one pool round-trips the active set.
func (p *Pool) Restore(ctx context.Context, factory Factory) (RestoreReport, error) {
	if factory == nil {
		return RestoreReport{}, errors.New("nil monitor factory")
	}

	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()

	suspended, err := p.tasks.ListByStatus(ctx, models.TaskSuspended)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("failed to list suspended tasks: %w", err)
	}

	report := RestoreReport{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.RestoreConcurrency)
	for _, rec := range suspended {
		rec := rec
		g.Go(func() error {
			if err := p.restoreOne(ctx, rec, factory); err != nil {
				mu.Lock()
				report.Failed[rec.TaskID] = err.Error()
				mu.Unlock()
				slog.Warn("Monitor not restored", "task_id", rec.TaskID, "error", err)
				return nil
			}
			mu.Lock()
			report.Restored = append(report.Restored, rec.TaskID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("Monitor restore finished",
		"restored", len(report.Restored), "failed", len(report.Failed))
	return report, nil
}

func (p *Pool) restoreOne(ctx context.Context, rec models.BackgroundTask, factory Factory) error {
	fn, err := factory(rec.WorkflowType, rec.Metadata)
	if err != nil {
		return err
	}
	if err := p.Submit(rec.TaskID, fn, CheckIntervalFrom(rec.Metadata, p.cfg.StopTimeout)); err != nil {
		return err
	}
	// In-memory state wins over a failed record flip.
	if err := p.tasks.UpdateStatus(ctx, rec.TaskID, models.TaskRunning, ""); err != nil {
		slog.Warn("Restored monitor record not flipped to RUNNING", "task_id", rec.TaskID, "error", err)
	}
	return nil
}

// Metadata keys the creator stamps onto every monitor record: the check
// interval so restores keep the original cadence, and the owning task id
// so monitor functions can update their own record.
const (
	metaCheckInterval = "check_interval"
	metaTaskID        = "task_id"
)

// TaskIDFrom reads the owning task id out of monitor metadata. It is
// empty only for records written before the creator stamped ids.
func TaskIDFrom(metadata map[string]any) string {
	id, _ := metadata[metaTaskID].(string)
	return id
}

// CheckIntervalFrom reads the persisted check interval out of task
// metadata, falling back to fallback when absent or unparsable.
func CheckIntervalFrom(metadata map[string]any, fallback time.Duration) time.Duration {
	raw, ok := metadata[metaCheckInterval].(string)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Loop runs check immediately and then every interval until stop is
// closed or check reports done. It is the canonical Func shape: monitor
// bodies wrap their per-check logic with it.
func Loop(stop <-chan struct{}, interval time.Duration, check func() (done bool)) {
	for {
		if check() {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}
