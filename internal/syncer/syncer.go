// Package syncer implements the eventually-consistent cross-device state
// exchange and the two-phase capsule migration handshake. Conflicts are
// resolved by last-write-wins timestamps, never surfaced as caller errors.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
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

// Bridge is the message transport the protocol runs over. The NATS client
// implements it; tests use an in-process fake.
type Bridge interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
	Subscribe(subject string, handler func(data []byte, reply func([]byte) error)) (func(), error)
}

const SubjectBroadcast = "capsules.sync"

// MigrationSubject is the per-device subject migration packages arrive on.
func MigrationSubject(deviceID string) string {
	return "capsules.migrate." + deviceID
}

// migrationAck is the reply payload for a migration package.
type migrationAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// clockSkewWarn is the remote-timestamp lead beyond which we log the
// known clock-skew risk.
const clockSkewWarn = time.Minute

// Options configures the protocol.
type Options struct {
	DeviceID     string
	SyncInterval time.Duration
}

// Protocol is the per-device sync endpoint.
type Protocol struct {
	reg     *registry.Registry
	store   storage.Store
	bridge  Bridge
	collabs []executor.Collaborator
	opts    Options
	log     *zap.Logger

	mu     sync.Mutex
	unsubs []func()

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates the sync protocol endpoint.
func New(reg *registry.Registry, store storage.Store, bridge Bridge, collabs []executor.Collaborator, opts Options, log *zap.Logger) *Protocol {
	return &Protocol{
		reg:     reg,
		store:   store,
		bridge:  bridge,
		collabs: collabs,
		opts:    opts,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start subscribes to the broadcast and migration subjects and launches
// the periodic broadcast loop.
func (p *Protocol) Start() error {
	unsub, err := p.bridge.Subscribe(SubjectBroadcast, func(data []byte, _ func([]byte) error) {
		p.handleSync(data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectBroadcast, err)
	}
	p.addUnsub(unsub)

	subject := MigrationSubject(p.opts.DeviceID)
	unsub, err = p.bridge.Subscribe(subject, func(data []byte, reply func([]byte) error) {
		p.handleMigration(data, reply)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.addUnsub(unsub)

	if p.opts.SyncInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.opts.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.Broadcast(context.Background())
				case <-p.stop:
					return
				}
			}
		}()
	}
	return nil
}

// Stop unsubscribes and halts the broadcast loop.
func (p *Protocol) Stop() {
	close(p.stop)
	p.mu.Lock()
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Protocol) addUnsub(fn func()) {
	p.mu.Lock()
	p.unsubs = append(p.unsubs, fn)
	p.mu.Unlock()
}

// Broadcast serializes the locally hosted active, paused, and suspended
// capsules into a SyncMessage and publishes it to peers.
func (p *Protocol) Broadcast(ctx context.Context) {
	entries := make(map[string]models.SyncEntry)
	for _, c := range p.reg.List(models.StateActive, models.StatePaused, models.StateSuspended) {
		if c.DeviceID != p.opts.DeviceID {
			continue
		}
		entries[c.ID] = models.SyncEntry{
			State:          c.State,
			StateChangedAt: c.StateChangedAt,
			OwnerAgentID:   c.OwnerAgentID,
			DeviceID:       c.DeviceID,
			Metadata:       c.Metadata,
		}
	}
	if len(entries) == 0 {
		return
	}
	msg := models.SyncMessage{DeviceID: p.opts.DeviceID, SentAt: time.Now().UTC(), Entries: entries}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshal sync message", zap.Error(err))
		return
	}
	if err := p.bridge.Publish(ctx, SubjectBroadcast, data); err != nil {
		p.log.Warn("publish sync message", zap.Error(err))
		return
	}
	metrics.SyncMessagesTotal.WithLabelValues("sent").Inc()
}

// handleSync merges one incoming SyncMessage under last-write-wins.
func (p *Protocol) handleSync(data []byte) {
	var msg models.SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Warn("malformed sync message", zap.Error(err))
		return
	}
	if msg.DeviceID == p.opts.DeviceID {
		return
	}
	metrics.SyncMessagesTotal.WithLabelValues("received").Inc()
	now := time.Now().UTC()
	for id, entry := range msg.Entries {
		if lead := entry.StateChangedAt.Sub(now); lead > clockSkewWarn {
			p.log.Warn("remote entry timestamp is ahead of local clock, possible skew",
				zap.String("capsule_id", id),
				zap.String("device_id", msg.DeviceID),
				zap.Duration("lead", lead))
		}
		switch p.reg.Merge(id, entry) {
		case registry.MergeAccepted:
			metrics.SyncMergesTotal.Inc()
		case registry.MergeAdopted:
			metrics.SyncMergesTotal.Inc()
			p.log.Info("adopted remote capsule",
				zap.String("capsule_id", id), zap.String("device_id", entry.DeviceID))
		case registry.MergeDiscarded:
			metrics.SyncConflictsTotal.Inc()
			p.log.Debug("discarded older remote entry",
				zap.String("capsule_id", id), zap.String("device_id", msg.DeviceID))
		}
	}
}

// Migrate implements executor.Migrator: send the migration package to the
// target device and block for the acknowledgement within ctx's deadline.
func (p *Protocol) Migrate(ctx context.Context, snap *models.Snapshot, targetDevice string) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return caperrors.Wrap(caperrors.CodeInternal, err, "marshal migration package")
	}
	timeout := time.Minute
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	resp, err := p.bridge.Request(ctx, MigrationSubject(targetDevice), data, timeout)
	if err != nil {
		return caperrors.Wrap(caperrors.CodeTimeout, err, "migration ack from %s", targetDevice)
	}
	var ack migrationAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		return caperrors.Wrap(caperrors.CodeInternal, err, "malformed migration ack")
	}
	if !ack.Accepted {
		return caperrors.New(caperrors.CodeValidation, "migration rejected by %s: %s", targetDevice, ack.Reason)
	}
	return nil
}

// handleMigration is the target side of the handshake: restore the
// snapshot, activate the capsule, then acknowledge. The ack is only sent
// after the capsule is live so the source never terminates a capsule the
// target does not hold.
func (p *Protocol) handleMigration(data []byte, reply func([]byte) error) {
	nack := func(reason string) {
		p.log.Warn("rejecting migration", zap.String("reason", reason))
		if err := p.replyAck(reply, migrationAck{Accepted: false, Reason: reason}); err != nil {
			p.log.Warn("send migration nack", zap.Error(err))
		}
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		nack("malformed migration package")
		return
	}
	id := snap.Capsule.ID
	if id == "" {
		nack("migration package without capsule id")
		return
	}

	// A retried handshake may find the capsule already restored.
	if existing, err := p.reg.Get(id); err == nil {
		if existing.State == models.StateActive {
			if err := p.replyAck(reply, migrationAck{Accepted: true}); err != nil {
				p.log.Warn("send migration ack", zap.Error(err))
			}
			return
		}
		nack(fmt.Sprintf("capsule %s already exists in state %s", id, existing.State))
		return
	}

	c := snap.Capsule.Clone()
	c.DeviceID = p.opts.DeviceID
	c.State = models.StateInitializing
	c.StateChangedAt = time.Now().UTC()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[models.MetaMigratedFrom] = snap.DeviceID
	if err := p.reg.Insert(c); err != nil {
		nack(err.Error())
		return
	}

	ctx := context.Background()
	for _, col := range p.collabs {
		if err := col.Restore(ctx, id, &snap); err != nil {
			p.unwindMigration(id)
			nack(fmt.Sprintf("restore failed: %v", err))
			return
		}
	}
	live, err := p.reg.Apply(id, models.StateActive, nil)
	if err != nil {
		p.unwindMigration(id)
		nack(err.Error())
		return
	}
	if err := p.store.SaveSnapshot(ctx, &models.Snapshot{Capsule: *live, TakenAt: time.Now().UTC(), DeviceID: p.opts.DeviceID}); err != nil {
		// Persistence catches up next cycle; the capsule is live.
		p.log.Warn("persist migrated capsule", zap.String("capsule_id", id), zap.Error(err))
	}

	metrics.MigrationsTotal.WithLabelValues("target", "ok").Inc()
	p.log.Info("capsule migrated in",
		zap.String("capsule_id", id), zap.String("source_device", snap.DeviceID))
	if err := p.replyAck(reply, migrationAck{Accepted: true}); err != nil {
		p.log.Warn("send migration ack", zap.Error(err))
	}
}

// unwindMigration removes a half-restored migration target entry. The
// source still owns the capsule until it receives the ack.
func (p *Protocol) unwindMigration(id string) {
	metrics.MigrationsTotal.WithLabelValues("target", "failed").Inc()
	if _, err := p.reg.Apply(id, models.StateError, nil); err != nil {
		return
	}
	if _, err := p.reg.Apply(id, models.StateTerminating, nil); err != nil {
		return
	}
	if _, err := p.reg.Apply(id, models.StateTerminated, nil); err != nil {
		return
	}
	if err := p.reg.Remove(id); err != nil {
		p.log.Warn("remove unwound migration entry", zap.String("capsule_id", id), zap.Error(err))
	}
}

func (p *Protocol) replyAck(reply func([]byte) error, ack migrationAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return reply(data)
}
