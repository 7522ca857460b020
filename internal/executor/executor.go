// Package executor runs lifecycle operations against the registry. A fixed
// pool of shard workers consumes FIFO queues; operations for the same
// capsule always hash to the same shard, so they execute in submission
// order and never overlap, while different capsules proceed in parallel.
package executor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	caperrors "github.com/ambientworks/capsuled/internal/errors"
	"github.com/ambientworks/capsuled/internal/metrics"
	"github.com/ambientworks/capsuled/internal/models"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
)

// Collaborator is the hook surface for the external memory, morphology,
// and interaction managers. Calls happen on the corresponding lifecycle
// transitions; failures feed the recovery manager.
type Collaborator interface {
	Initialize(ctx context.Context, id string, config map[string]string) error
	Restore(ctx context.Context, id string, snap *models.Snapshot) error
	Suspend(ctx context.Context, id string) error
	Cleanup(ctx context.Context, id string) error
}

// Migrator sends a migration package to the target device and waits for
// the acknowledgement. Implemented by the sync protocol.
type Migrator interface {
	Migrate(ctx context.Context, snap *models.Snapshot, targetDevice string) error
}

// FailureClass selects the recovery strategy for a failed operation.
type FailureClass string

const (
	FailureActivation FailureClass = "activation"
	FailureSuspension FailureClass = "suspension"
	FailureMigration  FailureClass = "migration"
)

// Failure describes a failed operation handed to the recovery manager.
type Failure struct {
	CapsuleID string
	Class     FailureClass
	// Snapshot is the pre-failure snapshot when one was captured, e.g. the
	// pre-migration snapshot used for rollback. May be nil.
	Snapshot *models.Snapshot
	Err      error
}

// FailureSink receives operation failures. The recovery manager implements
// it; when no sink is wired the capsule is left in the error state.
type FailureSink interface {
	OnFailure(f Failure)
}

// Pending is the caller's handle on a submitted operation.
type Pending struct {
	Op     models.Operation
	done   chan struct{}
	result *models.OpResult
}

// Wait blocks until the operation result is posted or the timeout elapses.
// A timeout abandons only the caller's wait: the queued operation still
// runs to completion and its result stays available via Result.
func (p *Pending) Wait(timeout time.Duration) (*models.OpResult, error) {
	select {
	case <-p.done:
		return p.result, p.result.Err
	case <-time.After(timeout):
		return nil, caperrors.NewTimeout("operation " + p.Op.ID)
	}
}

// Options configures an Executor.
type Options struct {
	DeviceID          string
	ShardCount        int
	MaxActiveCapsules int
	MigrationTimeout  time.Duration
	ResultRetention   time.Duration
}

type task struct {
	pending *Pending
	fn      func(ctx context.Context) error
	errCh   chan error
}

// Executor owns the operation queues and workers.
type Executor struct {
	reg      *registry.Registry
	store    storage.Store
	collabs  []Collaborator
	migrator Migrator
	opts     Options
	log      *zap.Logger

	mu        sync.Mutex
	sink      FailureSink
	results   map[string]*models.OpResult
	lastPrune time.Time

	shards []chan task
	wg     sync.WaitGroup
	stop   chan struct{}
}

const shardQueueDepth = 128

// New creates an executor. Start must be called before submitting.
func New(reg *registry.Registry, store storage.Store, collabs []Collaborator, migrator Migrator, opts Options, log *zap.Logger) *Executor {
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	if opts.ResultRetention <= 0 {
		opts.ResultRetention = 5 * time.Minute
	}
	e := &Executor{
		reg:      reg,
		store:    store,
		collabs:  collabs,
		migrator: migrator,
		opts:     opts,
		log:      log,
		results:  make(map[string]*models.OpResult),
		shards:   make([]chan task, opts.ShardCount),
		stop:     make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = make(chan task, shardQueueDepth)
	}
	return e
}

// SetFailureSink wires the recovery manager. Must be called before Start.
func (e *Executor) SetFailureSink(s FailureSink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// Start launches one worker goroutine per shard.
func (e *Executor) Start() {
	for i := range e.shards {
		e.wg.Add(1)
		go e.worker(e.shards[i])
	}
}

// Shutdown stops accepting work and waits for in-flight operations.
// Queued but unstarted operations are dropped; their snapshots rehydrate
// the registry on the next start.
func (e *Executor) Shutdown() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Executor) worker(ch chan task) {
	defer e.wg.Done()
	for {
		select {
		case t := <-ch:
			if t.fn != nil {
				t.errCh <- t.fn(context.Background())
				continue
			}
			e.execute(t.pending)
		case <-e.stop:
			return
		}
	}
}

func (e *Executor) shardFor(capsuleID string) chan task {
	h := fnv.New32a()
	h.Write([]byte(capsuleID))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// Submit validates and enqueues an operation. The returned Pending can be
// waited on with the caller's timeout.
func (e *Executor) Submit(op models.Operation) (*Pending, error) {
	if err := e.validate(&op); err != nil {
		return nil, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.SubmittedAt = time.Now().UTC()
	p := &Pending{Op: op, done: make(chan struct{})}
	select {
	case <-e.stop:
		return nil, caperrors.New(caperrors.CodeInternal, "executor is shut down")
	default:
	}
	e.pruneResults()
	select {
	case e.shardFor(op.TargetCapsuleID) <- task{pending: p}:
	case <-e.stop:
		return nil, caperrors.New(caperrors.CodeInternal, "executor is shut down")
	}
	return p, nil
}

// Exclusive runs fn on the capsule's shard worker so it can never overlap
// with operations on the same capsule. Used by the recovery manager.
func (e *Executor) Exclusive(capsuleID string, fn func(ctx context.Context) error) <-chan error {
	errCh := make(chan error, 1)
	select {
	case <-e.stop:
		errCh <- caperrors.New(caperrors.CodeInternal, "executor is shut down")
		return errCh
	default:
	}
	select {
	case e.shardFor(capsuleID) <- task{fn: fn, errCh: errCh}:
	case <-e.stop:
		errCh <- caperrors.New(caperrors.CodeInternal, "executor is shut down")
	}
	return errCh
}

// Result returns the retained result of a completed operation.
func (e *Executor) Result(opID string) (*models.OpResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[opID]
	if !ok {
		return nil, caperrors.NewOpNotFound(opID)
	}
	return res, nil
}

func (e *Executor) validate(op *models.Operation) error {
	switch op.Type {
	case models.OpCreate:
		if op.Payload.OwnerAgentID == "" {
			return caperrors.New(caperrors.CodeValidation, "create: owner agent id is required")
		}
		if op.TargetCapsuleID == "" {
			// Assign the capsule id up front so sharding and result polling
			// can key on it.
			op.TargetCapsuleID = uuid.NewString()
		}
	case models.OpActivate, models.OpPause, models.OpSuspend, models.OpTerminate, models.OpFork:
		if op.TargetCapsuleID == "" {
			return caperrors.New(caperrors.CodeValidation, "%s: target capsule id is required", op.Type)
		}
	case models.OpMigrate:
		if op.TargetCapsuleID == "" {
			return caperrors.New(caperrors.CodeValidation, "migrate: target capsule id is required")
		}
		if op.Payload.TargetDevice == "" {
			return caperrors.New(caperrors.CodeValidation, "migrate: target device is required")
		}
		if op.Payload.TargetDevice == e.opts.DeviceID {
			return caperrors.New(caperrors.CodeValidation, "migrate: target device is the local device")
		}
	default:
		return caperrors.New(caperrors.CodeValidation, "unknown operation type: %s", op.Type)
	}
	return nil
}

var tracer = otel.Tracer("capsuled/executor")

func (e *Executor) execute(p *Pending) {
	op := p.Op
	ctx, span := tracer.Start(context.Background(), "executor."+string(op.Type),
		trace.WithAttributes(
			attribute.String("capsule.id", op.TargetCapsuleID),
			attribute.String("op.id", op.ID),
		))
	start := time.Now()

	res := &models.OpResult{OpID: op.ID, CapsuleID: op.TargetCapsuleID}
	switch op.Type {
	case models.OpCreate:
		res.Err = e.runCreate(ctx, op)
	case models.OpActivate:
		res.Err = e.runActivate(ctx, op)
	case models.OpPause:
		_, res.Err = e.reg.Apply(op.TargetCapsuleID, models.StatePaused, nil)
	case models.OpSuspend:
		res.Err = e.runSuspend(ctx, op)
	case models.OpMigrate:
		res.Err = e.runMigrate(ctx, op)
	case models.OpTerminate:
		res.Err = e.runTerminate(ctx, op)
	case models.OpFork:
		res.NewCapsuleID, res.Err = e.runFork(ctx, op)
	}
	res.CompletedAt = time.Now().UTC()
	span.End()

	outcome := "ok"
	if res.Err != nil {
		outcome = string(caperrors.CodeOf(res.Err))
		e.log.Warn("operation failed",
			zap.String("op", string(op.Type)),
			zap.String("capsule_id", op.TargetCapsuleID),
			zap.Error(res.Err))
	}
	metrics.OperationsTotal.WithLabelValues(string(op.Type), outcome).Inc()
	metrics.OperationDuration.WithLabelValues(string(op.Type)).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.results[op.ID] = res
	e.mu.Unlock()
	p.result = res
	close(p.done)
}

func (e *Executor) runCreate(ctx context.Context, op models.Operation) error {
	meta := map[string]string{models.MetaAgentID: op.Payload.OwnerAgentID}
	for k, v := range op.Payload.Config {
		meta[k] = v
	}
	now := time.Now().UTC()
	c := &models.Capsule{
		ID:             op.TargetCapsuleID,
		OwnerAgentID:   op.Payload.OwnerAgentID,
		DeviceID:       e.opts.DeviceID,
		State:          models.StateInitializing,
		StateChangedAt: now,
		CreatedAt:      now,
		Metadata:       meta,
	}
	if err := e.reg.InsertCapped(c, e.opts.MaxActiveCapsules); err != nil {
		return err
	}
	for _, col := range e.collabs {
		if err := col.Initialize(ctx, c.ID, op.Payload.Config); err != nil {
			return e.fail(c.ID, FailureActivation, nil, err)
		}
	}
	if _, err := e.reg.Apply(c.ID, models.StateActive, nil); err != nil {
		return e.fail(c.ID, FailureActivation, nil, err)
	}
	return nil
}

func (e *Executor) runActivate(ctx context.Context, op models.Operation) error {
	id := op.TargetCapsuleID
	c, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	switch c.State {
	case models.StatePaused:
		_, err = e.reg.Apply(id, models.StateActive, nil)
		return err
	case models.StateSuspended:
		snap, err := e.store.GetSnapshot(ctx, id)
		if err != nil && err != storage.ErrNotFound {
			return e.fail(id, FailureActivation, nil, caperrors.Wrap(caperrors.CodePersistence, err, "read snapshot for %s", id))
		}
		for _, col := range e.collabs {
			if err := col.Restore(ctx, id, snap); err != nil {
				return e.fail(id, FailureActivation, snap, err)
			}
		}
		if _, err := e.reg.Apply(id, models.StateActive, nil); err != nil {
			return e.fail(id, FailureActivation, snap, err)
		}
		return nil
	default:
		return caperrors.NewInvalidTransition(id, string(c.State), string(models.StateActive))
	}
}

func (e *Executor) runSuspend(ctx context.Context, op models.Operation) error {
	id := op.TargetCapsuleID
	c, err := e.reg.Apply(id, models.StateSuspended, nil)
	if err != nil {
		return err
	}
	for _, col := range e.collabs {
		if err := col.Suspend(ctx, id); err != nil {
			return e.fail(id, FailureSuspension, nil, err)
		}
	}
	snap := &models.Snapshot{Capsule: *c.Clone(), TakenAt: time.Now().UTC(), DeviceID: e.opts.DeviceID}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return e.fail(id, FailureSuspension, nil, caperrors.Wrap(caperrors.CodePersistence, err, "snapshot %s", id))
	}
	metrics.SnapshotsWrittenTotal.Inc()
	return nil
}

func (e *Executor) runMigrate(ctx context.Context, op models.Operation) error {
	id := op.TargetCapsuleID
	before, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	// Pre-migration snapshot captures the state to roll back to.
	snap := &models.Snapshot{Capsule: *before.Clone(), TakenAt: time.Now().UTC(), DeviceID: e.opts.DeviceID}
	if _, err := e.reg.Apply(id, models.StateMigrating, nil); err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return e.fail(id, FailureMigration, snap, caperrors.Wrap(caperrors.CodePersistence, err, "pre-migration snapshot %s", id))
	}
	mctx, cancel := context.WithTimeout(ctx, e.opts.MigrationTimeout)
	defer cancel()
	if err := e.migrator.Migrate(mctx, snap, op.Payload.TargetDevice); err != nil {
		metrics.MigrationsTotal.WithLabelValues("source", "failed").Inc()
		return e.fail(id, FailureMigration, snap, err)
	}
	if _, err := e.reg.Apply(id, models.StateTerminating, map[string]string{models.MetaTerminateWhy: models.TerminateMigrated}); err != nil {
		return err
	}
	if _, err := e.reg.Apply(id, models.StateTerminated, nil); err != nil {
		return err
	}
	if err := e.store.DeleteSnapshot(ctx, id); err != nil {
		e.log.Warn("delete snapshot after migration", zap.String("capsule_id", id), zap.Error(err))
	}
	metrics.MigrationsTotal.WithLabelValues("source", "ok").Inc()
	return nil
}

func (e *Executor) runTerminate(ctx context.Context, op models.Operation) error {
	id := op.TargetCapsuleID
	reason := op.Payload.Reason
	var patch map[string]string
	if reason != "" {
		patch = map[string]string{models.MetaTerminateWhy: reason}
	}
	if _, err := e.reg.Apply(id, models.StateTerminating, patch); err != nil {
		return err
	}
	for _, col := range e.collabs {
		if err := col.Cleanup(ctx, id); err != nil {
			// Cleanup failures never block termination.
			e.log.Warn("collaborator cleanup", zap.String("capsule_id", id), zap.Error(err))
		}
	}
	if _, err := e.reg.Apply(id, models.StateTerminated, nil); err != nil {
		return err
	}
	if err := e.store.DeleteSnapshot(ctx, id); err != nil {
		e.log.Warn("delete snapshot on terminate", zap.String("capsule_id", id), zap.Error(err))
	}
	return nil
}

func (e *Executor) runFork(ctx context.Context, op models.Operation) (string, error) {
	id := op.TargetCapsuleID
	orig, err := e.reg.Get(id)
	if err != nil {
		return "", err
	}
	if _, err := e.reg.Apply(id, models.StateForking, nil); err != nil {
		return "", err
	}
	meta := make(map[string]string, len(orig.Metadata)+1)
	for k, v := range orig.Metadata {
		meta[k] = v
	}
	meta[models.MetaForkedFrom] = id
	now := time.Now().UTC()
	child := &models.Capsule{
		ID:             uuid.NewString(),
		OwnerAgentID:   orig.OwnerAgentID,
		DeviceID:       e.opts.DeviceID,
		State:          models.StateActive,
		StateChangedAt: now,
		CreatedAt:      now,
		Metadata:       meta,
	}
	if err := e.reg.InsertCapped(child, e.opts.MaxActiveCapsules); err != nil {
		// Return the original to its prior state before reporting.
		if _, aerr := e.reg.Apply(id, orig.State, nil); aerr != nil {
			e.log.Warn("fork unwind", zap.String("capsule_id", id), zap.Error(aerr))
		}
		return "", err
	}
	for _, col := range e.collabs {
		if err := col.Initialize(ctx, child.ID, nil); err != nil {
			e.log.Warn("fork collaborator init", zap.String("capsule_id", child.ID), zap.Error(err))
		}
	}
	if _, err := e.reg.Apply(id, orig.State, nil); err != nil {
		return child.ID, err
	}
	return child.ID, nil
}

// fail marks the capsule as errored and hands the failure to the recovery
// sink. The original error is returned so it reaches the caller's result.
func (e *Executor) fail(id string, class FailureClass, snap *models.Snapshot, cause error) error {
	patch := map[string]string{
		models.MetaLastError:    cause.Error(),
		models.MetaFailureClass: string(class),
	}
	if _, err := e.reg.Apply(id, models.StateError, patch); err != nil {
		e.log.Error("mark error state", zap.String("capsule_id", id), zap.Error(err))
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink.OnFailure(Failure{CapsuleID: id, Class: class, Snapshot: snap, Err: cause})
	}
	return cause
}

// pruneResults drops completed results past the retention window. Lazy:
// runs at most once per retention interval, on the submit path.
func (e *Executor) pruneResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if now.Sub(e.lastPrune) < e.opts.ResultRetention {
		return
	}
	e.lastPrune = now
	cutoff := now.Add(-e.opts.ResultRetention)
	for id, res := range e.results {
		if res.CompletedAt.Before(cutoff) {
			delete(e.results, id)
		}
	}
}
