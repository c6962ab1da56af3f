package types

import "time"

// WorkerSnapshot is one verifier's partial observation of a worker. Optional
// fields are pointers so that an absent field can be told apart from a zero
// value; absent fields contribute nothing to consensus weighting.
type WorkerSnapshot struct {
	ID             string     `json:"id"`
	Identity       string     `json:"identity,omitempty"`
	Stake          *float64   `json:"stake,omitempty"`
	Serving        *bool      `json:"serving,omitempty"`
	Endpoint       string     `json:"endpoint,omitempty"`
	Load           *int       `json:"load,omitempty"`
	Capacity       *int       `json:"capacity,omitempty"`
	Performance    *float64   `json:"performance,omitempty"`
	Specialization []string   `json:"specialization,omitempty"`
	LastSeenHint   *time.Time `json:"last_seen_hint,omitempty"`
}

// VerifierReport is a single verifier's snapshot of a single worker, stamped
// with the reporting epoch and the confidence derived for it on ingest.
type VerifierReport struct {
	VerifierID string         `json:"verifier_id"`
	WorkerID   string         `json:"worker_id"`
	Epoch      int64          `json:"epoch"`
	Timestamp  time.Time      `json:"timestamp"`
	Snapshot   WorkerSnapshot `json:"snapshot"`
	Confidence float64        `json:"confidence"`
}

// ConsensusRecord is the reconciled record for one worker, produced from all
// reports received inside a consensus window.
type ConsensusRecord struct {
	WorkerID        string             `json:"worker_id"`
	Epoch           int64              `json:"epoch"`
	Worker          Worker             `json:"worker"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
	Confidence      float64            `json:"confidence"`
	Verifiers       []string           `json:"verifiers"`
	ConflictFields  []string           `json:"conflict_fields,omitempty"`
	ReportCount     int                `json:"report_count"`
	FinalizedAt     time.Time          `json:"finalized_at"`
}

// IngestAck summarises how a status batch was processed. Invalid snapshots
// are skipped and counted, they never fail the batch.
type IngestAck struct {
	VerifierID string `json:"verifier_id"`
	Epoch      int64  `json:"epoch"`
	Accepted   int    `json:"accepted"`
	Skipped    int    `json:"skipped"`
}
