package models

import "time"

// State is the lifecycle state of a capsule.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateSuspended    State = "suspended"
	StateMigrating    State = "migrating"
	StateForking      State = "forking"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// Transitional reports whether the state is a short-lived in-between state
// that should never be replicated or persisted as-is.
func (s State) Transitional() bool {
	switch s {
	case StateInitializing, StateMigrating, StateForking, StateTerminating:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// Syncable reports whether the state participates in cross-device
// replication and periodic persistence.
func (s State) Syncable() bool {
	switch s {
	case StateActive, StatePaused, StateSuspended:
		return true
	}
	return false
}

// Valid reports whether s is a member of the defined state set.
func (s State) Valid() bool {
	switch s {
	case StateInitializing, StateActive, StatePaused, StateSuspended,
		StateMigrating, StateForking, StateTerminating, StateTerminated,
		StateError:
		return true
	}
	return false
}

// Capsule is the core domain object: an ephemeral unit of agent state.
// Shared between the registry, storage, and sync layers.
type Capsule struct {
	ID             string            `json:"id"`
	OwnerAgentID   string            `json:"owner_agent_id"`
	DeviceID       string            `json:"device_id"`
	State          State             `json:"state"`
	StateChangedAt time.Time         `json:"state_changed_at"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can never alias registry-owned state.
func (c *Capsule) Clone() *Capsule {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Metadata keys written by the lifecycle core itself.
const (
	MetaAgentID       = "agent_id"
	MetaLastError     = "last_error"
	MetaFailureClass  = "failure_class"
	MetaForkedFrom    = "forked_from"
	MetaMigratedFrom  = "migrated_from"
	MetaTerminateWhy  = "terminate_reason"
	TerminateMigrated = "migrated"
	TerminateEvicted  = "evicted"
)

// Snapshot is a durable point-in-time copy of a capsule, written by the
// persistence layer and exchanged as the migration package payload.
type Snapshot struct {
	Capsule  Capsule   `json:"capsule"`
	TakenAt  time.Time `json:"taken_at"`
	DeviceID string    `json:"device_id"`
}

// SyncEntry is one capsule's replicated view inside a SyncMessage.
type SyncEntry struct {
	State          State             `json:"state"`
	StateChangedAt time.Time         `json:"state_changed_at"`
	OwnerAgentID   string            `json:"owner_agent_id"`
	DeviceID       string            `json:"device_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SyncMessage is the periodic cross-device state exchange. Merge rule is
// last-write-wins: an entry is accepted only if its StateChangedAt is
// strictly newer than the local value.
type SyncMessage struct {
	DeviceID string               `json:"device_id"`
	SentAt   time.Time            `json:"sent_at"`
	Entries  map[string]SyncEntry `json:"entries"`
}
