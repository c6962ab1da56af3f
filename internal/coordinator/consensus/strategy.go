package consensus

import "time"

// Observation is one verifier's value for a single field, weighted by the
// confidence of the report it came from.
type Observation struct {
	VerifierID string
	Value      any
	Confidence float64
	Timestamp  time.Time
}

// Resolution is the outcome of reconciling one field across observations.
// Conflict is set when the strategy could not find a weighted majority; the
// value then falls back to the best available observation.
type Resolution struct {
	Value      any
	Confidence float64
	Conflict   bool
}

// FieldStrategy reconciles all observations of one field into a single
// value. Implementations are registered per field; callers never branch on
// field names.
type FieldStrategy interface {
	Reconcile(obs []Observation) Resolution
}

// majorityThreshold is the share of total confidence weight a value needs
// to win a categorical vote outright.
const majorityThreshold = 0.6

// NumericStrategy reconciles numeric observations into their
// confidence-weighted average. Numbers never conflict; disagreement is
// absorbed by the weighting.
type NumericStrategy struct{}

func (NumericStrategy) Reconcile(obs []Observation) Resolution {
	if len(obs) == 0 {
		return Resolution{}
	}

	var weightedSum, totalWeight, confSum float64
	for _, o := range obs {
		v, ok := toFloat(o.Value)
		if !ok {
			continue
		}
		weightedSum += v * o.Confidence
		totalWeight += o.Confidence
		confSum += o.Confidence
	}
	if totalWeight == 0 {
		return Resolution{}
	}

	return Resolution{
		Value:      weightedSum / totalWeight,
		Confidence: confSum / float64(len(obs)),
	}
}

// CategoricalStrategy reconciles discrete observations by weighted majority
// vote. A value wins when it holds at least 60% of the total confidence
// weight; otherwise the field is flagged as conflicted and the most recent
// highest-confidence observation is used as the fallback.
type CategoricalStrategy struct{}

func (CategoricalStrategy) Reconcile(obs []Observation) Resolution {
	if len(obs) == 0 {
		return Resolution{}
	}

	weights := make(map[any]float64)
	var totalWeight float64
	for _, o := range obs {
		weights[o.Value] += o.Confidence
		totalWeight += o.Confidence
	}
	if totalWeight == 0 {
		return Resolution{}
	}

	var bestValue any
	var bestWeight float64
	for v, w := range weights {
		if w > bestWeight {
			bestValue, bestWeight = v, w
		}
	}

	if bestWeight/totalWeight >= majorityThreshold {
		return Resolution{
			Value:      bestValue,
			Confidence: bestWeight / totalWeight,
		}
	}

	fallback := bestObservation(obs)
	return Resolution{
		Value:      fallback.Value,
		Confidence: fallback.Confidence,
		Conflict:   true,
	}
}

// FreeFormStrategy reconciles unconstrained observations by trusting the
// highest-confidence one, breaking ties toward the most recent. Free-form
// fields never conflict; there is no meaningful vote over arbitrary strings.
type FreeFormStrategy struct{}

func (FreeFormStrategy) Reconcile(obs []Observation) Resolution {
	if len(obs) == 0 {
		return Resolution{}
	}
	best := bestObservation(obs)
	return Resolution{Value: best.Value, Confidence: best.Confidence}
}

// bestObservation picks the highest-confidence observation, preferring the
// most recent timestamp on equal confidence.
func bestObservation(obs []Observation) Observation {
	best := obs[0]
	for _, o := range obs[1:] {
		if o.Confidence > best.Confidence ||
			(o.Confidence == best.Confidence && o.Timestamp.After(best.Timestamp)) {
			best = o
		}
	}
	return best
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
