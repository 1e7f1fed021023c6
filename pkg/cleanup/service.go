// Package cleanup enforces retention: terminal sessions leave the
// in-memory store after a grace window, and terminal background task
// rows (with their intervention audit rows) leave the database.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kora-assist/kora/pkg/config"
	"github.com/kora-assist/kora/pkg/services"
	"github.com/kora-assist/kora/pkg/session"
)

// Sweeper periodically applies the retention policy. Every sweep is
// idempotent; a failed pass is retried by the next tick.
type Sweeper struct {
	cfg      *config.RetentionConfig
	sessions *session.Store
	tasks    *services.TaskService

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool

	// now is swappable for tests.
	now func() time.Time
}

// NewSweeper creates a sweeper over the session store and task records.
func NewSweeper(cfg *config.RetentionConfig, sessions *session.Store, tasks *services.TaskService) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		sessions: sessions,
		tasks:    tasks,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the sweep loop. Safe to call once.
func (s *Sweeper) Start() {
	if s.started {
		return
	}
	s.started = true
	go s.loop()
	slog.Info("Retention sweeper started",
		"session_retention", s.cfg.SessionRetention,
		"task_retention", s.cfg.TaskRetention,
		"sweep_interval", s.cfg.SweepInterval)
}

// Stop terminates the sweep loop and waits for the current pass.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one retention pass over both stores.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepSessions()
	s.sweepTasks(ctx)
}

func (s *Sweeper) sweepSessions() {
	if count := s.sessions.PruneTerminal(s.cfg.SessionRetention); count > 0 {
		slog.Info("Retention: dropped terminal sessions", "count", count)
	}
}

func (s *Sweeper) sweepTasks(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.TaskRetention)
	count, err := s.tasks.PruneTerminal(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: task prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted terminal task records", "count", count)
	}
}
