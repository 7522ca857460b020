// Package recovery retries failed lifecycle operations with bounded
// exponential backoff. Each failure class has its own strategy; once the
// attempt limit is reached the capsule stays in the error state for
// external intervention.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	caperrors "github.com/ambientworks/capsuled/internal/errors"
	"github.com/ambientworks/capsuled/internal/executor"
	"github.com/ambientworks/capsuled/internal/metrics"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

// Options configures the manager.
type Options struct {
	AttemptLimit int
	BaseBackoff  time.Duration
}

// Manager implements executor.FailureSink. Backoff sleeps happen on a
// dedicated goroutine per failing capsule, never on executor workers; the
// recovery action itself runs through Exclusive so it can never overlap
// with operations on the same capsule.
type Manager struct {
	reg     *registry.Registry
	exec    *executor.Executor
	store   storage.Store
	collabs []executor.Collaborator
	opts    Options
	log     *zap.Logger

	mu       sync.Mutex
	attempts map[string]int

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a recovery manager.
func New(reg *registry.Registry, exec *executor.Executor, store storage.Store, collabs []executor.Collaborator, opts Options, log *zap.Logger) *Manager {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	return &Manager{
		reg:      reg,
		exec:     exec,
		store:    store,
		collabs:  collabs,
		opts:     opts,
		log:      log,
		attempts: make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// OnFailure receives a failed operation from the executor.
func (m *Manager) OnFailure(f executor.Failure) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(f)
	}()
}

// Stop aborts pending backoff sleeps and waits for in-flight recoveries.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Backoff returns the sleep before retry n (1-based):
// base * 2^(n-1).
func (m *Manager) Backoff(attempt int) time.Duration {
	return m.opts.BaseBackoff << (attempt - 1)
}

func (m *Manager) drive(f executor.Failure) {
	for {
		n := m.bump(f.CapsuleID)
		if n >= m.opts.AttemptLimit {
			m.exhaust(f, n)
			return
		}
		metrics.RecoveryAttemptsTotal.WithLabelValues(string(f.Class)).Inc()
		select {
		case <-time.After(m.Backoff(n)):
		case <-m.stop:
			return
		}
		m.log.Info("recovery attempt",
			zap.String("capsule_id", f.CapsuleID),
			zap.String("class", string(f.Class)),
			zap.Int("attempt", n))
		err := <-m.exec.Exclusive(f.CapsuleID, func(ctx context.Context) error {
			return m.attempt(ctx, f)
		})
		if err == nil {
			m.reset(f.CapsuleID)
			return
		}
		f.Err = err
	}
}

func (m *Manager) attempt(ctx context.Context, f executor.Failure) error {
	c, err := m.reg.Get(f.CapsuleID)
	if err != nil {
		return err
	}
	// Another path already drove the capsule healthy; nothing to recover.
	if c.State != models.StateError && !c.State.Transitional() {
		return nil
	}
	switch f.Class {
	case executor.FailureActivation:
		return m.recoverActivation(ctx, f)
	case executor.FailureSuspension:
		return m.recoverSuspension(ctx, f)
	case executor.FailureMigration:
		return m.recoverMigration(ctx, f)
	default:
		return caperrors.New(caperrors.CodeInternal, "unknown failure class %q", f.Class)
	}
}

// recoverActivation reinitializes from the last snapshot and re-runs the
// capsule through initializing to active.
func (m *Manager) recoverActivation(ctx context.Context, f executor.Failure) error {
	snap := f.Snapshot
	if snap == nil {
		if s, err := m.store.GetSnapshot(ctx, f.CapsuleID); err == nil {
			snap = s
		}
	}
	if _, err := m.reg.Apply(f.CapsuleID, models.StateInitializing, nil); err != nil {
		return err
	}
	for _, col := range m.collabs {
		var err error
		if snap != nil {
			err = col.Restore(ctx, f.CapsuleID, snap)
		} else {
			err = col.Initialize(ctx, f.CapsuleID, nil)
		}
		if err != nil {
			if _, aerr := m.reg.Apply(f.CapsuleID, models.StateError, nil); aerr != nil {
				m.log.Warn("re-mark error", zap.String("capsule_id", f.CapsuleID), zap.Error(aerr))
			}
			return err
		}
	}
	_, err := m.reg.Apply(f.CapsuleID, models.StateActive, nil)
	return err
}

// recoverSuspension force-sets suspended. Best effort: the capsule was
// already leaving active when the failure hit.
func (m *Manager) recoverSuspension(ctx context.Context, f executor.Failure) error {
	c, err := m.reg.Apply(f.CapsuleID, models.StateSuspended, nil)
	if err != nil {
		return err
	}
	for _, col := range m.collabs {
		if serr := col.Suspend(ctx, f.CapsuleID); serr != nil {
			m.log.Warn("collaborator suspend during recovery", zap.String("capsule_id", f.CapsuleID), zap.Error(serr))
		}
	}
	snap := &models.Snapshot{Capsule: *c, TakenAt: time.Now().UTC(), DeviceID: c.DeviceID}
	if serr := m.store.SaveSnapshot(ctx, snap); serr != nil {
		m.log.Warn("snapshot during suspension recovery", zap.String("capsule_id", f.CapsuleID), zap.Error(serr))
	} else {
		metrics.SnapshotsWrittenTotal.Inc()
	}
	return nil
}

// recoverMigration rolls the source capsule back to active from the
// pre-migration snapshot. The capsule must never be silently lost; the
// target never sees a rollback.
func (m *Manager) recoverMigration(ctx context.Context, f executor.Failure) error {
	snap := f.Snapshot
	if snap == nil {
		if s, err := m.store.GetSnapshot(ctx, f.CapsuleID); err == nil {
			snap = s
		}
	}
	if snap != nil {
		for _, col := range m.collabs {
			if err := col.Restore(ctx, f.CapsuleID, snap); err != nil {
				return err
			}
		}
	}
	var patch map[string]string
	if snap != nil {
		patch = snap.Capsule.Metadata
	}
	if _, err := m.reg.Apply(f.CapsuleID, models.StateActive, patch); err != nil {
		return err
	}
	metrics.MigrationsTotal.WithLabelValues("source", "rolled_back").Inc()
	return nil
}

func (m *Manager) exhaust(f executor.Failure, attempts int) {
	metrics.RecoveryExhaustedTotal.Inc()
	err := caperrors.NewRecoveryExhausted(f.CapsuleID, attempts, f.Err)
	m.log.Error("recovery exhausted",
		zap.String("capsule_id", f.CapsuleID),
		zap.String("class", string(f.Class)),
		zap.Int("attempts", attempts),
		zap.Error(f.Err))
	c, gerr := m.reg.Get(f.CapsuleID)
	if gerr != nil || (c.State != models.StateError && !c.State.Transitional()) {
		return
	}
	patch := map[string]string{
		models.MetaLastError:    err.Error(),
		models.MetaFailureClass: string(f.Class),
	}
	if _, aerr := m.reg.Apply(f.CapsuleID, models.StateError, patch); aerr != nil {
		m.log.Warn("mark exhausted", zap.String("capsule_id", f.CapsuleID), zap.Error(aerr))
	}
}

func (m *Manager) bump(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id]++
	return m.attempts[id]
}

func (m *Manager) reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
}
