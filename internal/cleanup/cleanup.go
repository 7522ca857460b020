// Package cleanup enforces capacity ceilings and garbage collects
// terminated capsules. It runs on its own timer, independent of
// foreground operations, and evicts through regular terminate operations
// so per-capsule ordering still holds.
package cleanup

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ambientworks/capsuled/internal/executor"
	"github.com/ambientworks/capsuled/internal/metrics"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

// Options configures the manager.
type Options struct {
	MaxSuspended        int
	Interval            time.Duration
	TerminatedRetention time.Duration
}

// Manager is the periodic capacity and GC loop.
type Manager struct {
	reg   *registry.Registry
	exec  *executor.Executor
	store storage.Store
	opts  Options
	log   *zap.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a cleanup manager.
func New(reg *registry.Registry, exec *executor.Executor, store storage.Store, opts Options, log *zap.Logger) *Manager {
	return &Manager{
		reg:   reg,
		exec:  exec,
		store: store,
		opts:  opts,
		log:   log,
		stop:  make(chan struct{}),
	}
}

// Start launches the loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the loop.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// RunOnce performs one eviction and GC pass.
func (m *Manager) RunOnce(ctx context.Context) {
	m.evictSuspended()
	m.collectTerminated(ctx)
}

// evictSuspended terminates the least-recently-active suspended capsules
// once the suspended ceiling is exceeded. Only the overflow is evicted,
// oldest StateChangedAt first.
func (m *Manager) evictSuspended() {
	if m.opts.MaxSuspended <= 0 {
		return
	}
	suspended := m.reg.List(models.StateSuspended)
	overflow := len(suspended) - m.opts.MaxSuspended
	if overflow <= 0 {
		return
	}
	sort.Slice(suspended, func(i, j int) bool {
		return suspended[i].StateChangedAt.Before(suspended[j].StateChangedAt)
	})
	for _, c := range suspended[:overflow] {
		op := models.Operation{
			Type:            models.OpTerminate,
			TargetCapsuleID: c.ID,
			Payload:         models.OpPayload{Reason: models.TerminateEvicted},
		}
		if _, err := m.exec.Submit(op); err != nil {
			m.log.Warn("submit eviction", zap.String("capsule_id", c.ID), zap.Error(err))
			continue
		}
		metrics.EvictionsTotal.Inc()
		m.log.Info("evicting suspended capsule",
			zap.String("capsule_id", c.ID),
			zap.Time("state_changed_at", c.StateChangedAt))
	}
}

// collectTerminated removes terminated capsules past the retention window
// and drops any leftover snapshot.
func (m *Manager) collectTerminated(ctx context.Context) {
	cutoff := time.Now().Add(-m.opts.TerminatedRetention)
	for _, c := range m.reg.List(models.StateTerminated) {
		if c.StateChangedAt.After(cutoff) {
			continue
		}
		if err := m.reg.Remove(c.ID); err != nil {
			m.log.Warn("remove terminated capsule", zap.String("capsule_id", c.ID), zap.Error(err))
			continue
		}
		if err := m.store.DeleteSnapshot(ctx, c.ID); err != nil {
			m.log.Warn("delete snapshot of terminated capsule", zap.String("capsule_id", c.ID), zap.Error(err))
		}
	}
}
