// Package persistence periodically snapshots registry state to durable
// storage and rehydrates the registry at startup. It runs entirely off the
// executor's critical path; write failures are logged, counted, and
// retried on the next cycle.
package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ambientworks/capsuled/internal/metrics"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

// Writer is the periodic snapshot loop.
type Writer struct {
	reg      *registry.Registry
	store    storage.Store
	interval time.Duration
	deviceID string
	log      *zap.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewWriter creates the periodic snapshot writer.
func NewWriter(reg *registry.Registry, store storage.Store, interval time.Duration, deviceID string, log *zap.Logger) *Writer {
	return &Writer{
		reg:      reg,
		store:    store,
		interval: interval,
		deviceID: deviceID,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start launches the writer loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.SnapshotAll(context.Background())
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the loop after taking a final snapshot pass.
func (w *Writer) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.SnapshotAll(context.Background())
}

// SnapshotAll writes every active, paused, and suspended capsule to the
// store. Individual failures do not abort the pass.
func (w *Writer) SnapshotAll(ctx context.Context) {
	for _, c := range w.reg.List(models.StateActive, models.StatePaused, models.StateSuspended) {
		snap := &models.Snapshot{Capsule: *c, TakenAt: time.Now().UTC(), DeviceID: w.deviceID}
		if err := w.store.SaveSnapshot(ctx, snap); err != nil {
			metrics.PersistenceFailuresTotal.Inc()
			w.log.Warn("snapshot write failed, will retry next cycle",
				zap.String("capsule_id", c.ID), zap.Error(err))
			continue
		}
		metrics.SnapshotsWrittenTotal.Inc()
	}
}

// Rehydrate loads persisted snapshots into the registry at startup,
// skipping ids already present. A snapshot caught in a transitional state
// is conservatively rehydrated as active: a duplicated capsule beats a
// lost one.
func Rehydrate(ctx context.Context, reg *registry.Registry, store storage.Store, log *zap.Logger) (int, error) {
	snaps, err := store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, snap := range snaps {
		c := snap.Capsule.Clone()
		if _, err := reg.Get(c.ID); err == nil {
			continue
		}
		if c.State.Transitional() {
			log.Info("rehydrating transitional snapshot as active",
				zap.String("capsule_id", c.ID), zap.String("state", string(c.State)))
			c.State = models.StateActive
		}
		if c.State == models.StateError || c.State.Terminal() {
			continue
		}
		if err := reg.Insert(c); err != nil {
			log.Warn("rehydrate insert", zap.String("capsule_id", c.ID), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}
