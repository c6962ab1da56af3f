package types

import "errors"

var (
	// ErrWorkerNotFound is returned for lookups of unknown workers. It is
	// surfaced directly, never retried.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrTaskNotFound is returned for lookups of unknown work units.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyEvaluated signals that a (task, verifier) evaluation pair
	// already exists. It is an idempotency signal, callers treat it as
	// success.
	ErrAlreadyEvaluated = errors.New("task already evaluated by verifier")

	// ErrThrottled is the backpressure state of the write buffer. It is
	// surfaced only when the buffer itself is at capacity; below that,
	// admission is delayed instead.
	ErrThrottled = errors.New("operation throttled")

	// ErrBufferFull is returned when the write buffer hard cap is reached
	// and an operation cannot be admitted at all.
	ErrBufferFull = errors.New("write buffer full")

	// ErrInvalidSnapshot is returned for structurally invalid worker
	// snapshots (missing id, negative stake).
	ErrInvalidSnapshot = errors.New("invalid worker snapshot")

	// ErrInvalidTransition is returned when a work unit is moved to a
	// status its current status does not allow.
	ErrInvalidTransition = errors.New("invalid work unit transition")
)
