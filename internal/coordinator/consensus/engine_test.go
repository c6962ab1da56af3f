package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestnet/coordinator/internal/cache"
	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

type captureBuffer struct {
	mu  sync.Mutex
	ops []types.WriteOperation
}

func (b *captureBuffer) Enqueue(ctx context.Context, op types.WriteOperation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return nil
}

func (b *captureBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

type engineFixture struct {
	engine *Engine
	pool   *pool.Store
	buffer *captureBuffer
	cache  *cache.MemoryCache
	clk    *clock.Mock
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store := pool.NewStore(logging.NewNoopLogger(), pool.WithClock(mock))
	buffer := &captureBuffer{}
	memCache := cache.NewMemoryCache()
	engine := NewEngine(store, buffer, memCache, mock, logging.NewNoopLogger(), opts...)

	return &engineFixture{engine: engine, pool: store, buffer: buffer, cache: memCache, clk: mock}
}

func snapshotFor(id string, identity string, stake float64, serving bool) types.WorkerSnapshot {
	return types.WorkerSnapshot{
		ID:       id,
		Identity: identity,
		Stake:    &stake,
		Serving:  &serving,
	}
}

func TestEngineShortCircuitsOnAgreement(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	require.NoError(t, f.engine.Submit(ctx, "v1", 7, snapshotFor("w1", "identity-1", 100, true), now))
	assert.Equal(t, 1, f.engine.PendingWindows())

	require.NoError(t, f.engine.Submit(ctx, "v2", 7, snapshotFor("w1", "identity-1", 200, true), now))
	assert.Equal(t, 0, f.engine.PendingWindows())

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Epoch)
	assert.Equal(t, 2, rec.ReportCount)
	assert.Equal(t, []string{"v1", "v2"}, rec.Verifiers)
	assert.Empty(t, rec.ConflictFields)
	assert.Equal(t, "identity-1", rec.Worker.Identity)
	assert.True(t, rec.Worker.Serving)
	// Equal-confidence reports average the stake.
	assert.InDelta(t, 150.0, rec.Worker.Stake, 1e-9)

	// The record was applied to the pool, persisted and cached.
	w, err := f.pool.Get("w1")
	require.NoError(t, err)
	assert.InDelta(t, 150.0, w.Stake, 1e-9)
	assert.Equal(t, 1, f.buffer.count())
	_, err = f.cache.Get(ctx, "consensus:w1")
	assert.NoError(t, err)
}

func TestEngineMajorityVote(t *testing.T) {
	f := newEngineFixture(t, WithMinVerifiers(3))
	ctx := context.Background()
	now := f.clk.Now()

	require.NoError(t, f.engine.Submit(ctx, "v1", 1, snapshotFor("w1", "identity-1", 100, true), now))
	require.NoError(t, f.engine.Submit(ctx, "v2", 1, snapshotFor("w1", "identity-1", 100, true), now))
	require.NoError(t, f.engine.Submit(ctx, "v3", 1, snapshotFor("w1", "identity-1", 100, false), now))

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, rec.Worker.Serving)
	assert.NotContains(t, rec.ConflictFields, FieldServing)
}

func TestEngineConflictFinalizesOnExpiry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first := f.clk.Now()
	require.NoError(t, f.engine.Submit(ctx, "v1", 1, snapshotFor("w1", "identity-a", 100, true), first))
	f.clk.Add(time.Second)
	second := f.clk.Now()
	require.NoError(t, f.engine.Submit(ctx, "v2", 1, snapshotFor("w1", "identity-b", 100, true), second))

	// Disagreement on identity blocks the short-circuit.
	assert.Equal(t, 1, f.engine.PendingWindows())

	f.clk.Add(DefaultWindowDuration)
	assert.Equal(t, 0, f.engine.PendingWindows())

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{FieldIdentity}, rec.ConflictFields)
	// Fallback on equal confidence is the most recent observation.
	assert.Equal(t, "identity-b", rec.Worker.Identity)
	require.Len(t, rec.Worker.Conflicts, 1)
	assert.Equal(t, FieldIdentity, rec.Worker.Conflicts[0].Field)
}

func TestEngineSingleReportExpiry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	require.NoError(t, f.engine.Submit(ctx, "v1", 3, snapshotFor("w1", "identity-1", 250, true), now))
	assert.Equal(t, 1, f.engine.PendingWindows())

	_, err := f.engine.GetConsensus(ctx, "w1")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)

	f.clk.Add(DefaultWindowDuration)

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ReportCount)
	assert.InDelta(t, 250.0, rec.Worker.Stake, 1e-9)
}

func TestEngineDropsStaleDuplicate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	fresh := snapshotFor("w1", "identity-1", 300, true)
	require.NoError(t, f.engine.Submit(ctx, "v1", 2, fresh, now))

	// An older report from the same verifier is dropped, the fresher stake
	// survives.
	stale := snapshotFor("w1", "identity-1", 100, true)
	require.NoError(t, f.engine.Submit(ctx, "v1", 2, stale, now.Add(-time.Minute)))

	f.clk.Add(DefaultWindowDuration)

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ReportCount)
	assert.InDelta(t, 300.0, rec.Worker.Stake, 1e-9)
}

func TestEngineRejectsSnapshotWithoutID(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.Submit(context.Background(), "v1", 1, types.WorkerSnapshot{}, f.clk.Now())
	assert.ErrorIs(t, err, types.ErrInvalidSnapshot)
}

func TestEngineGetConsensusFallsBackToCache(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	require.NoError(t, f.engine.Submit(ctx, "v1", 1, snapshotFor("w1", "identity-1", 100, true), now))
	require.NoError(t, f.engine.Submit(ctx, "v2", 1, snapshotFor("w1", "identity-1", 100, true), now))

	// A fresh engine sharing the cache simulates a restart.
	restarted := NewEngine(f.pool, f.buffer, f.cache, f.clk, logging.NewNoopLogger())

	rec, err := restarted.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkerID)
	assert.Equal(t, 2, rec.ReportCount)

	_, err = restarted.GetConsensus(ctx, "never-seen")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)
}

func TestEngineRecordConfidence(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	// Two full fresh reports carry confidence 1.0 each; the verifier bonus
	// is capped and the clamp holds the record at 1.0.
	full := fullSnapshot()
	require.NoError(t, f.engine.Submit(ctx, "v1", 1, full, now))
	require.NoError(t, f.engine.Submit(ctx, "v2", 1, full, now))

	rec, err := f.engine.GetConsensus(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rec.Confidence, 1e-9)
	assert.InDelta(t, rec.Confidence, rec.Worker.ConsensusConfidence, 1e-9)
}

func TestEngineFinalizeHook(t *testing.T) {
	var got []types.ConsensusRecord
	f := newEngineFixture(t, WithFinalizeHook(func(rec types.ConsensusRecord) {
		got = append(got, rec)
	}))
	ctx := context.Background()
	now := f.clk.Now()

	require.NoError(t, f.engine.Submit(ctx, "v1", 1, snapshotFor("w1", "identity-1", 100, true), now))
	require.NoError(t, f.engine.Submit(ctx, "v2", 1, snapshotFor("w1", "identity-1", 100, true), now))

	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].WorkerID)
}
