package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

type sinkCall struct {
	verifierID string
	epoch      int64
	snapshot   types.WorkerSnapshot
}

type fakeSink struct {
	calls []sinkCall
}

func (s *fakeSink) Submit(ctx context.Context, verifierID string, epoch int64, snap types.WorkerSnapshot, reportedAt time.Time) error {
	s.calls = append(s.calls, sinkCall{verifierID: verifierID, epoch: epoch, snapshot: snap})
	return nil
}

type fakeBuffer struct {
	ops []types.WriteOperation
}

func (b *fakeBuffer) Enqueue(ctx context.Context, op types.WriteOperation) error {
	b.ops = append(b.ops, op)
	return nil
}

func newIngestFixture(t *testing.T) (*StatusIngestor, *pool.Store, *fakeSink, *fakeBuffer, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := pool.NewStore(logging.NewNoopLogger(), pool.WithClock(mock))
	sink := &fakeSink{}
	buffer := &fakeBuffer{}
	ing := NewStatusIngestor(store, sink, buffer, mock, logging.NewNoopLogger())
	return ing, store, sink, buffer, mock
}

func snap(id string, stake float64, serving bool) types.WorkerSnapshot {
	return types.WorkerSnapshot{ID: id, Identity: "identity-" + id, Stake: &stake, Serving: &serving}
}

func TestIngestAcceptsBatch(t *testing.T) {
	ing, store, sink, buffer, mock := newIngestFixture(t)

	ack, err := ing.Ingest(context.Background(), "v1", 5, []types.WorkerSnapshot{
		snap("w1", 100, true),
		snap("w2", 200, false),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Accepted)
	assert.Equal(t, 0, ack.Skipped)

	w1, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "identity-w1", w1.Identity)
	assert.InDelta(t, 100.0, w1.Stake, 1e-9)
	assert.Equal(t, mock.Now(), w1.LastSeen)
	assert.Equal(t, []string{"v1"}, w1.ReportedBy)

	assert.Len(t, sink.calls, 2)
	assert.Equal(t, int64(5), sink.calls[0].epoch)
	assert.Len(t, buffer.ops, 2)
	assert.Equal(t, types.OpWrite, buffer.ops[0].Class)
	assert.Equal(t, "worker_status", buffer.ops[0].Entity)

	assert.Equal(t, 1, store.VerifierCount())
}

func TestIngestSkipsInvalidEntries(t *testing.T) {
	ing, store, sink, _, _ := newIngestFixture(t)

	negStake := -5.0
	negLoad := -1
	ack, err := ing.Ingest(context.Background(), "v1", 1, []types.WorkerSnapshot{
		{},                                  // missing id
		{ID: "w-bad-stake", Stake: &negStake},
		{ID: "w-bad-load", Load: &negLoad},
		snap("w-good", 50, true),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, 3, ack.Skipped)

	assert.Equal(t, 1, store.Count())
	assert.Len(t, sink.calls, 1)
	assert.Equal(t, "w-good", sink.calls[0].snapshot.ID)
}

func TestIngestEmptyBatch(t *testing.T) {
	ing, store, _, _, _ := newIngestFixture(t)

	ack, err := ing.Ingest(context.Background(), "v1", 1, nil)
	require.NoError(t, err)
	assert.Zero(t, ack.Accepted)
	assert.Zero(t, ack.Skipped)
	// The verifier itself is still marked as seen.
	assert.Equal(t, 1, store.VerifierCount())
}

func TestIngestMergesPartialSnapshots(t *testing.T) {
	ing, store, _, _, _ := newIngestFixture(t)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "v1", 1, []types.WorkerSnapshot{snap("w1", 100, true)})
	require.NoError(t, err)

	// A later partial report only touches the fields it carries.
	load, capacity := 2, 8
	_, err = ing.Ingest(ctx, "v2", 2, []types.WorkerSnapshot{
		{ID: "w1", Load: &load, Capacity: &capacity},
	})
	require.NoError(t, err)

	w, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "identity-w1", w.Identity)
	assert.InDelta(t, 100.0, w.Stake, 1e-9)
	assert.Equal(t, 2, w.Load)
	assert.Equal(t, 8, w.Capacity)
	assert.Equal(t, []string{"v1", "v2"}, w.ReportedBy)
}

func TestIngestLastSeenNeverRegresses(t *testing.T) {
	ing, store, _, _, mock := newIngestFixture(t)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, "v1", 1, []types.WorkerSnapshot{snap("w1", 100, true)})
	require.NoError(t, err)
	firstSeen := mock.Now()

	// A report carrying an old last-seen hint does not move the clock back.
	oldHint := firstSeen.Add(-time.Hour)
	s := snap("w1", 100, true)
	s.LastSeenHint = &oldHint
	_, err = ing.Ingest(ctx, "v2", 2, []types.WorkerSnapshot{s})
	require.NoError(t, err)

	w, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, firstSeen, w.LastSeen)
}
