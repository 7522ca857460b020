// Package lifecycle is the facade collaborators consume: synchronous
// lifecycle calls with a bounded wait, state queries, and state-change
// subscriptions. It also runs the state-consistency checker that frees
// capsules stuck in transitional states.
package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ambientworks/capsuled/internal/executor"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
)

// Options configures the facade.
type Options struct {
	// OperationTimeout bounds each synchronous wait. The operation keeps
	// running after the caller gives up.
	OperationTimeout time.Duration
	// CheckInterval is the state-consistency checker period. Zero disables
	// the checker.
	CheckInterval time.Duration
	// StuckAfter is how long a capsule may sit in a transitional state
	// before the checker moves it to error. Defaults to three operation
	// timeouts.
	StuckAfter time.Duration
}

// Manager exposes the lifecycle API.
type Manager struct {
	reg  *registry.Registry
	exec *executor.Executor
	opts Options
	log  *zap.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates the facade.
func New(reg *registry.Registry, exec *executor.Executor, opts Options, log *zap.Logger) *Manager {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 3 * opts.OperationTimeout
	}
	return &Manager{
		reg:  reg,
		exec: exec,
		opts: opts,
		log:  log,
		stop: make(chan struct{}),
	}
}

// Start launches the state-consistency checker.
func (m *Manager) Start() {
	if m.opts.CheckInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckConsistency()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the checker.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) run(op models.Operation) (*models.OpResult, error) {
	p, err := m.exec.Submit(op)
	if err != nil {
		return nil, err
	}
	return p.Wait(m.opts.OperationTimeout)
}

// Create makes a new capsule for the agent and waits for it to activate.
func (m *Manager) Create(agentID string, config map[string]string) (string, error) {
	op := models.Operation{
		Type:    models.OpCreate,
		Payload: models.OpPayload{OwnerAgentID: agentID, Config: config},
	}
	p, err := m.exec.Submit(op)
	if err != nil {
		return "", err
	}
	res, err := p.Wait(m.opts.OperationTimeout)
	if err != nil {
		// The capsule id was assigned at submission; return it so the
		// caller can poll even after a wait timeout.
		return p.Op.TargetCapsuleID, err
	}
	return res.CapsuleID, nil
}

// Activate resumes a paused or suspended capsule.
func (m *Manager) Activate(id string) error {
	_, err := m.run(models.Operation{Type: models.OpActivate, TargetCapsuleID: id})
	return err
}

// Pause moves an active capsule to paused.
func (m *Manager) Pause(id string) error {
	_, err := m.run(models.Operation{Type: models.OpPause, TargetCapsuleID: id})
	return err
}

// Suspend writes the capsule to durable storage and parks it.
func (m *Manager) Suspend(id string) error {
	_, err := m.run(models.Operation{Type: models.OpSuspend, TargetCapsuleID: id})
	return err
}

// Migrate moves the capsule's authoritative host to the target device.
func (m *Manager) Migrate(id, targetDevice string) error {
	_, err := m.run(models.Operation{
		Type:            models.OpMigrate,
		TargetCapsuleID: id,
		Payload:         models.OpPayload{TargetDevice: targetDevice},
	})
	return err
}

// Fork clones the capsule; the new capsule starts directly in active.
func (m *Manager) Fork(id string) (string, error) {
	res, err := m.run(models.Operation{Type: models.OpFork, TargetCapsuleID: id})
	if err != nil {
		return "", err
	}
	return res.NewCapsuleID, nil
}

// Terminate drives the capsule to terminated.
func (m *Manager) Terminate(id string) error {
	_, err := m.run(models.Operation{Type: models.OpTerminate, TargetCapsuleID: id})
	return err
}

// Get returns a copy of the capsule.
func (m *Manager) Get(id string) (*models.Capsule, error) {
	return m.reg.Get(id)
}

// GetState returns the capsule's current state.
func (m *Manager) GetState(id string) (models.State, error) {
	c, err := m.reg.Get(id)
	if err != nil {
		return "", err
	}
	return c.State, nil
}

// List returns capsules filtered by state.
func (m *Manager) List(states ...models.State) []*models.Capsule {
	return m.reg.List(states...)
}

// Subscribe registers a state-change listener.
func (m *Manager) Subscribe() (<-chan registry.StateChange, func()) {
	return m.reg.Subscribe()
}

// OperationResult polls a completed operation, e.g. after a wait timeout.
func (m *Manager) OperationResult(opID string) (*models.OpResult, error) {
	return m.exec.Result(opID)
}

// CheckConsistency pushes capsules stuck in a non-migration transitional
// state to error. Migrating capsules are left to the migration timeout
// and its rollback path.
func (m *Manager) CheckConsistency() {
	cutoff := time.Now().Add(-m.opts.StuckAfter)
	for _, c := range m.reg.List(models.StateInitializing, models.StateForking, models.StateTerminating) {
		if c.StateChangedAt.After(cutoff) {
			continue
		}
		m.log.Warn("capsule stuck in transitional state",
			zap.String("capsule_id", c.ID),
			zap.String("state", string(c.State)),
			zap.Time("since", c.StateChangedAt))
		patch := map[string]string{
			models.MetaLastError:    "stuck in " + string(c.State),
			models.MetaFailureClass: string(executor.FailureActivation),
		}
		if _, err := m.reg.Apply(c.ID, models.StateError, patch); err != nil {
			m.log.Warn("mark stuck capsule", zap.String("capsule_id", c.ID), zap.Error(err))
		}
	}
}
