package scoring

import (
	"time"

	"github.com/attestnet/coordinator/pkg/types"
)

// Params are the normalization constants of the composite availability score.
// They are policy, not protocol: replace them without touching callers.
type Params struct {
	// StakeNormalization is the stake at which the stake factor saturates.
	StakeNormalization float64
	// StalenessTimeout mirrors the pool's staleness timeout; a worker unseen
	// for this long contributes zero recency.
	StalenessTimeout time.Duration
}

func DefaultParams() Params {
	return Params{
		StakeNormalization: 1000,
		StalenessTimeout:   15 * time.Minute,
	}
}

// Weight split of the composite score.
const (
	performanceWeight = 0.4
	loadWeight        = 0.3
	stakeWeight       = 0.2
	recencyWeight     = 0.1
)

// Score computes the composite desirability of a worker in [0,1]. It is a
// pure function: no I/O, total for every valid worker. A worker with zero
// capacity counts as fully loaded.
func Score(w types.Worker, now time.Time, p Params) float64 {
	loadFactor := 0.0
	if w.Capacity > 0 {
		loadFactor = clamp01(1.0 - float64(w.Load)/float64(w.Capacity))
	}

	stakeFactor := 0.0
	if p.StakeNormalization > 0 && w.Stake > 0 {
		stakeFactor = w.Stake / p.StakeNormalization
		if stakeFactor > 1 {
			stakeFactor = 1
		}
	}

	recencyFactor := 0.0
	if p.StalenessTimeout > 0 && !w.LastSeen.IsZero() {
		sinceSeen := now.Sub(w.LastSeen).Seconds()
		recencyFactor = 1.0 - sinceSeen/p.StalenessTimeout.Seconds()
		if recencyFactor < 0 {
			recencyFactor = 0
		}
	}

	score := w.Performance*performanceWeight +
		loadFactor*loadWeight +
		stakeFactor*stakeWeight +
		recencyFactor*recencyWeight

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
