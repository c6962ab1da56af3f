package consensus

import (
	"time"

	"github.com/attestnet/coordinator/pkg/types"
)

// ConfidencePolicy assigns a confidence weight to a verifier report at
// ingest time. The weight drives every downstream vote, so alternative
// policies plug in here rather than patching the engine.
type ConfidencePolicy interface {
	Confidence(snapshot types.WorkerSnapshot, reportedAt, now time.Time) float64
}

const (
	baseConfidence         = 1.0
	missingRequiredPenalty = 0.1
	detailedFieldBonus     = 0.05
	freshRecencyBonus      = 0.10
	recentRecencyBonus     = 0.05
	minReportConfidence    = 0.1
	maxReportConfidence    = 1.0

	freshReportAge  = 5 * time.Minute
	recentReportAge = 15 * time.Minute
)

// CompletenessPolicy is the default policy. It starts from full confidence,
// penalizes each missing required field, rewards detailed optional fields
// and recent reports, then clamps into [0.1, 1.0] so even a sparse report
// keeps a nonzero vote.
//
// Required: id, identity, stake, serving.
// Detailed: performance, load+capacity, specialization, endpoint.
type CompletenessPolicy struct{}

var _ ConfidencePolicy = CompletenessPolicy{}

func (CompletenessPolicy) Confidence(s types.WorkerSnapshot, reportedAt, now time.Time) float64 {
	c := baseConfidence

	if s.ID == "" {
		c -= missingRequiredPenalty
	}
	if s.Identity == "" {
		c -= missingRequiredPenalty
	}
	if s.Stake == nil {
		c -= missingRequiredPenalty
	}
	if s.Serving == nil {
		c -= missingRequiredPenalty
	}

	if s.Performance != nil {
		c += detailedFieldBonus
	}
	if s.Load != nil && s.Capacity != nil {
		c += detailedFieldBonus
	}
	if len(s.Specialization) > 0 {
		c += detailedFieldBonus
	}
	if s.Endpoint != "" {
		c += detailedFieldBonus
	}

	age := now.Sub(reportedAt)
	switch {
	case age < freshReportAge:
		c += freshRecencyBonus
	case age < recentReportAge:
		c += recentRecencyBonus
	}

	if c < minReportConfidence {
		c = minReportConfidence
	}
	if c > maxReportConfidence {
		c = maxReportConfidence
	}
	return c
}
