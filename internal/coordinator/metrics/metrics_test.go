package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveIngest(3, 1)
	m.ObserveFinalized(0.9, 2)
	m.ThrottleMultiplier.Set(2.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.InDelta(t, 3.0, testutil.ToFloat64(m.ReportsIngested.WithLabelValues("accepted")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ReportsIngested.WithLabelValues("skipped")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ConsensusFinalized), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ConsensusConflicts), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ThrottleMultiplier), 1e-9)
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide, unlike default-registry metrics.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.ConsensusFinalized.Inc()
	assert.InDelta(t, 1.0, testutil.ToFloat64(a.ConsensusFinalized), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(b.ConsensusFinalized), 1e-9)
}
