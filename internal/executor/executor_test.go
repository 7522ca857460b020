package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	caperrors "github.com/ambientworks/capsuled/internal/errors"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

// recordingCollab records hook calls and can fail or delay them.
type recordingCollab struct {
	mu        sync.Mutex
	calls     []string
	failInit  int
	failSusp  int
	failRest  int
	initDelay time.Duration
}

func (c *recordingCollab) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *recordingCollab) Initialize(_ context.Context, id string, _ map[string]string) error {
	if c.initDelay > 0 {
		time.Sleep(c.initDelay)
	}
	c.record("initialize:" + id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failInit > 0 {
		c.failInit--
		return caperrors.New(caperrors.CodeInternal, "injected initialize failure")
	}
	return nil
}

func (c *recordingCollab) Restore(_ context.Context, id string, _ *models.Snapshot) error {
	c.record("restore:" + id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRest > 0 {
		c.failRest--
		return caperrors.New(caperrors.CodeInternal, "injected restore failure")
	}
	return nil
}

func (c *recordingCollab) Suspend(_ context.Context, id string) error {
	c.record("suspend:" + id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSusp > 0 {
		c.failSusp--
		return caperrors.New(caperrors.CodeInternal, "injected suspend failure")
	}
	return nil
}

func (c *recordingCollab) Cleanup(_ context.Context, id string) error {
	c.record("cleanup:" + id)
	return nil
}

type stubMigrator struct {
	err error
}

func (m *stubMigrator) Migrate(context.Context, *models.Snapshot, string) error {
	return m.err
}

type stack struct {
	reg   *registry.Registry
	store storage.Store
	exec  *Executor
}

func newStack(t *testing.T, collab Collaborator, mig Migrator, mutate func(*Options)) *stack {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	opts := Options{
		DeviceID:          "dev-1",
		ShardCount:        4,
		MaxActiveCapsules: 100,
		MigrationTimeout:  time.Second,
		ResultRetention:   time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	var collabs []Collaborator
	if collab != nil {
		collabs = append(collabs, collab)
	}
	exec := New(reg, store, collabs, mig, opts, zaptest.NewLogger(t))
	exec.Start()
	t.Cleanup(exec.Shutdown)
	return &stack{reg: reg, store: store, exec: exec}
}

func (s *stack) create(t *testing.T, agent string) string {
	t.Helper()
	p, err := s.exec.Submit(models.Operation{
		Type:    models.OpCreate,
		Payload: models.OpPayload{OwnerAgentID: agent},
	})
	require.NoError(t, err)
	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	return res.CapsuleID
}

func (s *stack) run(t *testing.T, typ models.OpType, id string) error {
	t.Helper()
	p, err := s.exec.Submit(models.Operation{Type: typ, TargetCapsuleID: id})
	require.NoError(t, err)
	_, err = p.Wait(5 * time.Second)
	return err
}

func TestCreateActivatesWithAgentMetadata(t *testing.T) {
	collab := &recordingCollab{}
	s := newStack(t, collab, nil, nil)

	id := s.create(t, "agent-A")
	c, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, c.State)
	assert.Equal(t, "agent-A", c.OwnerAgentID)
	assert.Equal(t, "agent-A", c.Metadata[models.MetaAgentID])
	assert.Contains(t, collab.calls, "initialize:"+id)
}

func TestCreateRejectsMissingAgent(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	_, err := s.exec.Submit(models.Operation{Type: models.OpCreate})
	assert.True(t, caperrors.Is(err, caperrors.CodeValidation))
}

func TestCreateEnforcesActiveCeiling(t *testing.T) {
	s := newStack(t, nil, nil, func(o *Options) { o.MaxActiveCapsules = 1 })
	s.create(t, "agent-A")

	p, err := s.exec.Submit(models.Operation{
		Type:    models.OpCreate,
		Payload: models.OpPayload{OwnerAgentID: "agent-B"},
	})
	require.NoError(t, err)
	_, err = p.Wait(5 * time.Second)
	assert.True(t, caperrors.Is(err, caperrors.CodeCapacity))
}

func TestSuspendWritesSnapshot(t *testing.T) {
	s := newStack(t, &recordingCollab{}, nil, nil)
	id := s.create(t, "agent-A")

	require.NoError(t, s.run(t, models.OpSuspend, id))

	c, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, c.State)

	snap, err := s.store.GetSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, snap.Capsule.State)
}

func TestSuspendActivateRoundTripKeepsMetadata(t *testing.T) {
	collab := &recordingCollab{}
	s := newStack(t, collab, nil, nil)
	id := s.create(t, "agent-A")

	before, err := s.reg.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.run(t, models.OpSuspend, id))
	require.NoError(t, s.run(t, models.OpActivate, id))

	after, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, after.State)
	assert.Equal(t, before.Metadata, after.Metadata)
	assert.Contains(t, collab.calls, "restore:"+id)
}

func TestPauseResume(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	id := s.create(t, "agent-A")

	require.NoError(t, s.run(t, models.OpPause, id))
	c, _ := s.reg.Get(id)
	assert.Equal(t, models.StatePaused, c.State)

	require.NoError(t, s.run(t, models.OpActivate, id))
	c, _ = s.reg.Get(id)
	assert.Equal(t, models.StateActive, c.State)
}

func TestTerminateIsNotIdempotent(t *testing.T) {
	s := newStack(t, &recordingCollab{}, nil, nil)
	id := s.create(t, "agent-A")

	require.NoError(t, s.run(t, models.OpTerminate, id))
	c, err := s.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, models.StateTerminated, c.State)
	first := c.StateChangedAt

	err = s.run(t, models.OpTerminate, id)
	assert.True(t, caperrors.Is(err, caperrors.CodeValidation))

	c, err = s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminated, c.State)
	assert.True(t, c.StateChangedAt.Equal(first), "second terminate must not touch the timestamp")
}

func TestTerminateDeletesSnapshot(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	id := s.create(t, "agent-A")
	require.NoError(t, s.run(t, models.OpSuspend, id))
	require.NoError(t, s.run(t, models.OpActivate, id))
	require.NoError(t, s.run(t, models.OpTerminate, id))

	_, err := s.store.GetSnapshot(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestForkCreatesActiveChild(t *testing.T) {
	s := newStack(t, &recordingCollab{}, nil, nil)
	id := s.create(t, "agent-A")

	p, err := s.exec.Submit(models.Operation{Type: models.OpFork, TargetCapsuleID: id})
	require.NoError(t, err)
	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, res.NewCapsuleID)

	child, err := s.reg.Get(res.NewCapsuleID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, child.State)
	assert.Equal(t, id, child.Metadata[models.MetaForkedFrom])
	assert.Equal(t, "agent-A", child.OwnerAgentID)

	orig, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, orig.State, "fork must return the original to its prior state")
}

func TestMigrateSuccessTerminatesSource(t *testing.T) {
	s := newStack(t, nil, &stubMigrator{}, nil)
	id := s.create(t, "agent-A")

	p, err := s.exec.Submit(models.Operation{
		Type:            models.OpMigrate,
		TargetCapsuleID: id,
		Payload:         models.OpPayload{TargetDevice: "dev-2"},
	})
	require.NoError(t, err)
	_, err = p.Wait(5 * time.Second)
	require.NoError(t, err)

	c, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminated, c.State)
	assert.Equal(t, models.TerminateMigrated, c.Metadata[models.MetaTerminateWhy])

	_, err = s.store.GetSnapshot(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMigrateFailureWithoutSinkLeavesError(t *testing.T) {
	s := newStack(t, nil, &stubMigrator{err: caperrors.NewTimeout("migration ack")}, nil)
	id := s.create(t, "agent-A")

	p, err := s.exec.Submit(models.Operation{
		Type:            models.OpMigrate,
		TargetCapsuleID: id,
		Payload:         models.OpPayload{TargetDevice: "dev-2"},
	})
	require.NoError(t, err)
	_, err = p.Wait(5 * time.Second)
	assert.True(t, caperrors.Is(err, caperrors.CodeTimeout))

	c, err := s.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, c.State)
	assert.Equal(t, string(FailureMigration), c.Metadata[models.MetaFailureClass])
	assert.NotEmpty(t, c.Metadata[models.MetaLastError])

	// The pre-migration snapshot is retained for rollback.
	snap, err := s.store.GetSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, snap.Capsule.State)
}

func TestMigrateRejectsLocalDevice(t *testing.T) {
	s := newStack(t, nil, &stubMigrator{}, nil)
	id := s.create(t, "agent-A")
	_, err := s.exec.Submit(models.Operation{
		Type:            models.OpMigrate,
		TargetCapsuleID: id,
		Payload:         models.OpPayload{TargetDevice: "dev-1"},
	})
	assert.True(t, caperrors.Is(err, caperrors.CodeValidation))
}

func TestSameCapsuleOperationsRunInSubmissionOrder(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	id := s.create(t, "agent-A")

	// Each transition in this chain is only legal if the previous one has
	// already run; out-of-order execution would make one of them fail.
	ops := []models.OpType{
		models.OpPause, models.OpActivate,
		models.OpPause, models.OpActivate,
		models.OpSuspend, models.OpActivate,
	}
	pendings := make([]*Pending, 0, len(ops))
	for _, typ := range ops {
		p, err := s.exec.Submit(models.Operation{Type: typ, TargetCapsuleID: id})
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	for i, p := range pendings {
		_, err := p.Wait(5 * time.Second)
		require.NoError(t, err, "op %d (%s) failed", i, ops[i])
	}
	c, _ := s.reg.Get(id)
	assert.Equal(t, models.StateActive, c.State)
}

func TestWaitTimeoutDoesNotCancelOperation(t *testing.T) {
	collab := &recordingCollab{initDelay: 150 * time.Millisecond}
	s := newStack(t, collab, nil, nil)

	p, err := s.exec.Submit(models.Operation{
		Type:    models.OpCreate,
		Payload: models.OpPayload{OwnerAgentID: "agent-A"},
	})
	require.NoError(t, err)

	_, err = p.Wait(10 * time.Millisecond)
	require.True(t, caperrors.Is(err, caperrors.CodeTimeout))

	// The operation still completes and posts its result for polling.
	res, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, p.Op.TargetCapsuleID, res.CapsuleID)

	polled, err := s.exec.Result(p.Op.ID)
	require.NoError(t, err)
	assert.Equal(t, res.OpID, polled.OpID)

	c, err := s.reg.Get(p.Op.TargetCapsuleID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, c.State)
}

func TestResultUnknownOp(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	_, err := s.exec.Result("nope")
	assert.True(t, caperrors.Is(err, caperrors.CodeNotFound))
}

func TestExclusiveSerializesWithOperations(t *testing.T) {
	s := newStack(t, nil, nil, nil)
	id := s.create(t, "agent-A")

	err := <-s.exec.Exclusive(id, func(ctx context.Context) error {
		_, err := s.reg.Apply(id, models.StatePaused, nil)
		return err
	})
	require.NoError(t, err)
	c, _ := s.reg.Get(id)
	assert.Equal(t, models.StatePaused, c.State)
}
