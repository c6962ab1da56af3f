package types

import "time"

// Worker is the reconciled view of a compute node as seen by the coordinator.
// It is created on the first verifier report and merged on every subsequent one.
type Worker struct {
	ID                  string          `json:"id"`
	Identity            string          `json:"identity"`
	Stake               float64         `json:"stake"`
	Serving             bool            `json:"serving"`
	Endpoint            string          `json:"endpoint"`
	LastSeen            time.Time       `json:"last_seen"`
	Load                int             `json:"load"`
	Capacity            int             `json:"capacity"`
	Performance         float64         `json:"performance"`
	Specialization      []string        `json:"specialization,omitempty"`
	ConsensusConfidence float64         `json:"consensus_confidence"`
	ReportedBy          []string        `json:"reported_by,omitempty"`
	Conflicts           []FieldConflict `json:"conflicts,omitempty"`
}

// FieldConflict marks a field for which the reporting verifiers could not
// reach a weighted majority.
type FieldConflict struct {
	Field      string    `json:"field"`
	DetectedAt time.Time `json:"detected_at"`
}

// Available reports whether the worker can accept new work right now.
// All three conditions are required: the worker must be serving, must have
// been seen within the staleness timeout, and must have spare capacity.
func (w *Worker) Available(now time.Time, stalenessTimeout time.Duration) bool {
	if !w.Serving {
		return false
	}
	if now.Sub(w.LastSeen) >= stalenessTimeout {
		return false
	}
	return w.Load < w.Capacity
}

// Specializes reports whether the worker is preferentially routed the given
// task type. An empty specialization set means the worker is a generalist.
func (w *Worker) Specializes(taskType string) bool {
	if len(w.Specialization) == 0 {
		return true
	}
	for _, t := range w.Specialization {
		if t == taskType {
			return true
		}
	}
	return false
}
