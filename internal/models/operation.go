package models

import "time"

// OpType identifies a lifecycle operation.
type OpType string

const (
	OpCreate    OpType = "create"
	OpActivate  OpType = "activate"
	OpPause     OpType = "pause"
	OpSuspend   OpType = "suspend"
	OpMigrate   OpType = "migrate"
	OpTerminate OpType = "terminate"
	OpFork      OpType = "fork"
)

// Operation is a requested state change. Exactly one worker ever executes a
// given operation and the result is posted exactly once.
type Operation struct {
	ID              string    `json:"id"`
	Type            OpType    `json:"type"`
	TargetCapsuleID string    `json:"target_capsule_id"`
	Payload         OpPayload `json:"payload"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// OpPayload carries type-specific parameters.
type OpPayload struct {
	// Create
	OwnerAgentID string            `json:"owner_agent_id,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	// Migrate
	TargetDevice string `json:"target_device,omitempty"`
	// Terminate
	Reason string `json:"reason,omitempty"`
}

// OpResult is the completion value posted for an operation. It stays
// available for polling after the caller's wait has timed out.
type OpResult struct {
	OpID         string    `json:"op_id"`
	CapsuleID    string    `json:"capsule_id"`
	NewCapsuleID string    `json:"new_capsule_id,omitempty"` // fork only
	Err          error     `json:"-"`
	CompletedAt  time.Time `json:"completed_at"`
}
