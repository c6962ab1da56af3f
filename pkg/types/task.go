package types

import "time"

type WorkStatus string

const (
	WorkStatusPending    WorkStatus = "pending"
	WorkStatusAssigned   WorkStatus = "assigned"
	WorkStatusInProgress WorkStatus = "in_progress"
	WorkStatusCompleted  WorkStatus = "completed"
	WorkStatusFailed     WorkStatus = "failed"
	WorkStatusCancelled  WorkStatus = "cancelled"
)

// Terminal reports whether the status is an end state. Terminal transitions
// release the load reservations taken at assignment time.
func (s WorkStatus) Terminal() bool {
	switch s {
	case WorkStatusCompleted, WorkStatusFailed, WorkStatusCancelled:
		return true
	}
	return false
}

const (
	// MinRequiredWorkers and MaxRequiredWorkers bound how many workers a
	// single work unit may be fanned out to.
	MinRequiredWorkers     = 1
	MaxRequiredWorkers     = 10
	DefaultRequiredWorkers = 3
)

// ClampRequiredWorkers forces a requested worker count into the legal range.
// Zero means the caller did not specify a count and gets the default.
func ClampRequiredWorkers(n int) int {
	if n == 0 {
		return DefaultRequiredWorkers
	}
	if n < MinRequiredWorkers {
		return MinRequiredWorkers
	}
	if n > MaxRequiredWorkers {
		return MaxRequiredWorkers
	}
	return n
}

// WorkUnit is a unit of work submitted for execution on the worker pool.
type WorkUnit struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Priority        int        `json:"priority"`
	RequiredWorkers int        `json:"required_workers"`
	Status          WorkStatus `json:"status"`
	AssignedWorkers []string   `json:"assigned_workers,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      time.Time  `json:"assigned_at,omitempty"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
}

// EvaluationRecord marks that a verifier evaluated a work unit. The pair
// (TaskID, VerifierID) is unique for all time.
type EvaluationRecord struct {
	TaskID      string    `json:"task_id"`
	VerifierID  string    `json:"verifier_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
