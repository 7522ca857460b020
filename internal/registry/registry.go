// Package registry holds the authoritative in-memory map of capsules and
// enforces the lifecycle state machine. All other components read and
// mutate capsule state through this package; none keep private copies.
package registry

import (
	"sync"
	"time"

	caperrors "github.com/ambientworks/capsuled/internal/errors"
	"github.com/ambientworks/capsuled/internal/metrics"
	"github.com/ambientworks/capsuled/internal/models"
)

// transitions is the allowed state graph. Error entry and the implicit
// any-nonterminal->Error edge are handled in allowed().
var transitions = map[models.State][]models.State{
	models.StateInitializing: {models.StateActive},
	models.StateActive:       {models.StatePaused, models.StateSuspended, models.StateMigrating, models.StateForking, models.StateTerminating},
	models.StatePaused:       {models.StateActive, models.StateSuspended, models.StateMigrating, models.StateForking, models.StateTerminating},
	models.StateSuspended:    {models.StateActive, models.StateTerminating},
	models.StateMigrating:    {models.StateActive, models.StateTerminating},
	models.StateForking:      {models.StateActive, models.StatePaused},
	models.StateTerminating:  {models.StateTerminated},
	// Error is re-driven toward its originally intended target by the
	// recovery manager.
	models.StateError:      {models.StateInitializing, models.StateActive, models.StateSuspended, models.StateTerminating},
	models.StateTerminated: {},
}

func allowed(from, to models.State) bool {
	if to == models.StateError {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is emitted to subscribers on every transition.
type StateChange struct {
	CapsuleID string
	Old       models.State
	New       models.State
	At        time.Time
}

const subscriberBuffer = 64

// Registry is the single source of truth for capsule state. A single
// well-scoped mutex guards the map; capsules returned to callers are
// always clones so registry-owned state can never be aliased.
type Registry struct {
	mu       sync.Mutex
	capsules map[string]*models.Capsule
	subs     map[int]chan StateChange
	nextSub  int
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		capsules: make(map[string]*models.Capsule),
		subs:     make(map[int]chan StateChange),
		now:      time.Now,
	}
}

// Insert adds a capsule that does not exist yet. Used for create, fork,
// migration targets, and rehydration.
func (r *Registry) Insert(c *models.Capsule) error {
	if !c.State.Valid() {
		return caperrors.New(caperrors.CodeValidation, "capsule %s: invalid state %q", c.ID, c.State)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capsules[c.ID]; ok {
		return caperrors.New(caperrors.CodeValidation, "capsule already exists: %s", c.ID)
	}
	cp := c.Clone()
	if cp.StateChangedAt.IsZero() {
		cp.StateChangedAt = r.now()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.StateChangedAt
	}
	r.capsules[cp.ID] = cp
	return nil
}

// InsertCapped is Insert with the active-capsule ceiling checked under the
// same lock, so concurrent creates cannot overshoot it. Initializing
// capsules count toward the ceiling since they are about to activate.
func (r *Registry) InsertCapped(c *models.Capsule, maxActive int) error {
	if !c.State.Valid() {
		return caperrors.New(caperrors.CodeValidation, "capsule %s: invalid state %q", c.ID, c.State)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capsules[c.ID]; ok {
		return caperrors.New(caperrors.CodeValidation, "capsule already exists: %s", c.ID)
	}
	if maxActive > 0 {
		active := 0
		for _, cur := range r.capsules {
			if cur.State == models.StateActive || cur.State == models.StateInitializing {
				active++
			}
		}
		if active >= maxActive {
			return caperrors.New(caperrors.CodeCapacity, "active capsule ceiling reached (%d)", maxActive)
		}
	}
	cp := c.Clone()
	if cp.StateChangedAt.IsZero() {
		cp.StateChangedAt = r.now()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.StateChangedAt
	}
	r.capsules[cp.ID] = cp
	return nil
}

// Get returns a copy of the capsule.
func (r *Registry) Get(id string) (*models.Capsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.capsules[id]
	if !ok {
		return nil, caperrors.NewNotFound(id)
	}
	return c.Clone(), nil
}

// List returns copies of all capsules matching any of the given states.
// With no states it returns everything.
func (r *Registry) List(states ...models.State) []*models.Capsule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Capsule, 0, len(r.capsules))
	for _, c := range r.capsules {
		if len(states) == 0 {
			out = append(out, c.Clone())
			continue
		}
		for _, s := range states {
			if c.State == s {
				out = append(out, c.Clone())
				break
			}
		}
	}
	return out
}

// CountByState returns how many capsules are in the given state.
func (r *Registry) CountByState(s models.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.capsules {
		if c.State == s {
			n++
		}
	}
	return n
}

// Apply performs a state transition and merges the metadata patch. A
// transition outside the allowed graph is rejected without mutating the
// capsule. StateChangedAt strictly increases on every transition.
func (r *Registry) Apply(id string, to models.State, patch map[string]string) (*models.Capsule, error) {
	r.mu.Lock()
	c, ok := r.capsules[id]
	if !ok {
		r.mu.Unlock()
		return nil, caperrors.NewNotFound(id)
	}
	if !allowed(c.State, to) {
		r.mu.Unlock()
		return nil, caperrors.NewInvalidTransition(id, string(c.State), string(to))
	}
	old := c.State
	ts := r.now()
	if !ts.After(c.StateChangedAt) {
		ts = c.StateChangedAt.Add(time.Nanosecond)
	}
	c.State = to
	c.StateChangedAt = ts
	for k, v := range patch {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		c.Metadata[k] = v
	}
	out := c.Clone()
	r.mu.Unlock()

	r.publish(StateChange{CapsuleID: id, Old: old, New: to, At: ts})
	return out, nil
}

// Remove deletes a capsule from the map. Only terminated capsules may be
// garbage collected.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.capsules[id]
	if !ok {
		return caperrors.NewNotFound(id)
	}
	if !c.State.Terminal() {
		return caperrors.New(caperrors.CodeValidation, "capsule %s: cannot remove in state %s", id, c.State)
	}
	delete(r.capsules, id)
	return nil
}

// MergeResult describes what a sync merge did with a remote entry.
type MergeResult int

const (
	MergeDiscarded MergeResult = iota // local entry was newer or equal
	MergeAccepted                     // remote entry replaced local state
	MergeAdopted                      // capsule was unknown locally
	MergeSkipped                      // remote entry was transitional
)

// Merge applies one remote sync entry under the last-write-wins rule: the
// entry is accepted only if its StateChangedAt is strictly newer than the
// local value. An unknown capsule in a non-transitional state is adopted.
func (r *Registry) Merge(id string, entry models.SyncEntry) MergeResult {
	if entry.State.Transitional() || !entry.State.Valid() {
		return MergeSkipped
	}
	r.mu.Lock()
	c, ok := r.capsules[id]
	if !ok {
		r.capsules[id] = &models.Capsule{
			ID:             id,
			OwnerAgentID:   entry.OwnerAgentID,
			DeviceID:       entry.DeviceID,
			State:          entry.State,
			StateChangedAt: entry.StateChangedAt,
			CreatedAt:      entry.StateChangedAt,
			Metadata:       cloneMeta(entry.Metadata),
		}
		r.mu.Unlock()
		r.publish(StateChange{CapsuleID: id, Old: "", New: entry.State, At: entry.StateChangedAt})
		return MergeAdopted
	}
	if !entry.StateChangedAt.After(c.StateChangedAt) {
		r.mu.Unlock()
		return MergeDiscarded
	}
	old := c.State
	c.State = entry.State
	c.StateChangedAt = entry.StateChangedAt
	c.DeviceID = entry.DeviceID
	c.Metadata = cloneMeta(entry.Metadata)
	r.mu.Unlock()
	if old != entry.State {
		r.publish(StateChange{CapsuleID: id, Old: old, New: entry.State, At: entry.StateChangedAt})
	}
	return MergeAccepted
}

// Subscribe registers a listener for state changes. The returned cancel
// func must be called to release the subscription. Events are delivered on
// a buffered channel; a slow listener drops events rather than blocking
// the registry.
func (r *Registry) Subscribe() (<-chan StateChange, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan StateChange, subscriberBuffer)
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers non-blocking while holding the lock so a cancelled
// channel can never be written after close.
func (r *Registry) publish(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			metrics.SubscriberDropsTotal.Inc()
		}
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
