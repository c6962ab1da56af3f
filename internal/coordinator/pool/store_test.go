package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(logging.NewNoopLogger(), WithClock(mock)), mock
}

func TestStoreUpsertAndGet(t *testing.T) {
	store, mock := newTestStore(t)

	store.Upsert("w1", func(w *types.Worker) {
		w.Identity = "identity-1"
		w.Stake = 500
		w.Serving = true
		w.LastSeen = mock.Now()
	})

	got, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)
	assert.Equal(t, "identity-1", got.Identity)
	assert.True(t, got.Serving)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store, _ := newTestStore(t)
	store.Upsert("w1", func(w *types.Worker) {
		w.Specialization = []string{"inference"}
	})

	got, err := store.Get("w1")
	require.NoError(t, err)
	got.Specialization[0] = "mutated"
	got.Stake = 9999

	again, err := store.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"inference"}, again.Specialization)
	assert.Zero(t, again.Stake)
}

func TestStoreAvailable(t *testing.T) {
	store, mock := newTestStore(t)
	now := mock.Now()

	tests := []struct {
		id        string
		mutate    func(w *types.Worker)
		available bool
	}{
		{
			id: "serving-fresh",
			mutate: func(w *types.Worker) {
				w.Serving = true
				w.LastSeen = now
				w.Capacity = 5
			},
			available: true,
		},
		{
			id: "not-serving",
			mutate: func(w *types.Worker) {
				w.LastSeen = now
				w.Capacity = 5
			},
		},
		{
			id: "stale",
			mutate: func(w *types.Worker) {
				w.Serving = true
				w.LastSeen = now.Add(-16 * time.Minute)
				w.Capacity = 5
			},
		},
		{
			id: "full",
			mutate: func(w *types.Worker) {
				w.Serving = true
				w.LastSeen = now
				w.Load = 5
				w.Capacity = 5
			},
		},
	}

	for _, tt := range tests {
		store.Upsert(tt.id, tt.mutate)
	}

	available := store.Available(now)
	require.Len(t, available, 1)
	assert.Equal(t, "serving-fresh", available[0].ID)
}

func TestStoreStalenessBoundary(t *testing.T) {
	store, mock := newTestStore(t)
	now := mock.Now()

	store.Upsert("edge", func(w *types.Worker) {
		w.Serving = true
		w.Capacity = 1
		w.LastSeen = now.Add(-DefaultStalenessTimeout)
	})

	// Exactly at the timeout is already stale.
	assert.Empty(t, store.Available(now))

	store.Upsert("edge", func(w *types.Worker) {
		w.LastSeen = now.Add(-DefaultStalenessTimeout + time.Second)
	})
	assert.Len(t, store.Available(now), 1)
}

func TestStoreReserveRelease(t *testing.T) {
	store, mock := newTestStore(t)
	store.Upsert("w1", func(w *types.Worker) {
		w.Serving = true
		w.Capacity = 2
		w.LastSeen = mock.Now()
	})

	ok, err := store.Reserve("w1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Reserve("w1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Capacity reached.
	ok, err = store.Reserve("w1")
	require.NoError(t, err)
	assert.False(t, ok)

	store.Release("w1")
	ok, err = store.Reserve("w1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Reserve("missing")
	assert.ErrorIs(t, err, types.ErrWorkerNotFound)

	// Releasing an unknown or unloaded worker never panics or underflows.
	store.Release("missing")
	store.Upsert("idle", func(w *types.Worker) {})
	store.Release("idle")
	idle, err := store.Get("idle")
	require.NoError(t, err)
	assert.Zero(t, idle.Load)
}

func TestStoreConcurrentUpserts(t *testing.T) {
	store, mock := newTestStore(t)
	now := mock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Upsert("shared", func(w *types.Worker) {
				w.Load++
				w.LastSeen = now
			})
		}()
	}
	wg.Wait()

	got, err := store.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, 50, got.Load)
	assert.Equal(t, 1, store.Count())
}

func TestStoreListSorted(t *testing.T) {
	store, _ := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		store.Upsert(id, func(w *types.Worker) {})
	}

	list := store.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestStoreVerifierTracking(t *testing.T) {
	store, _ := newTestStore(t)
	store.TouchVerifier("v1", 10)
	store.TouchVerifier("v1", 8) // older epoch does not regress
	store.TouchVerifier("v2", 3)

	assert.Equal(t, 2, store.VerifierCount())
	assert.Equal(t, int64(10), store.verifiers["v1"].lastEpoch)
}
