package types

import "time"

// OpClass is the backend operation class a buffered mutation belongs to.
// The quota monitor tracks each class against its own rate limit.
type OpClass string

const (
	OpWrite  OpClass = "write"
	OpRead   OpClass = "read"
	OpDelete OpClass = "delete"
)

// WriteOperation is one persistence mutation queued in the write buffer.
// Key is an idempotency key so a retried batch never double-applies.
type WriteOperation struct {
	Key        string    `json:"key"`
	Class      OpClass   `json:"class"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	Payload    []byte    `json:"payload,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
