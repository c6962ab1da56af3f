package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/internal/coordinator/scoring"
	"github.com/attestnet/coordinator/internal/coordinator/selector"
	"github.com/attestnet/coordinator/pkg/database"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

type fakeBuffer struct {
	ops []types.WriteOperation
}

func (b *fakeBuffer) Enqueue(ctx context.Context, op types.WriteOperation) error {
	b.ops = append(b.ops, op)
	return nil
}

type ledgerFixture struct {
	ledger  *TaskLedger
	pool    *pool.Store
	tracker *scoring.Tracker
	backend *database.MemBackend
	buffer  *fakeBuffer
	clk     *clock.Mock
}

func newLedgerFixture(t *testing.T, opts ...Option) *ledgerFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store := pool.NewStore(logging.NewNoopLogger(), pool.WithClock(mock))
	tracker := scoring.NewTracker()
	sel := selector.NewWorkSelector(store, tracker, mock, logging.NewNoopLogger())
	backend := database.NewMemBackend()
	buffer := &fakeBuffer{}
	l := NewTaskLedger(sel, backend, buffer, tracker, mock, logging.NewNoopLogger(), opts...)

	return &ledgerFixture{ledger: l, pool: store, tracker: tracker, backend: backend, buffer: buffer, clk: mock}
}

func (f *ledgerFixture) addWorker(id string) {
	f.pool.Upsert(id, func(w *types.Worker) {
		w.Serving = true
		w.Capacity = 10
		w.Stake = 100
		w.Performance = 0.8
		w.LastSeen = f.clk.Now()
	})
}

func TestLedgerSubmit(t *testing.T) {
	f := newLedgerFixture(t)

	unit, err := f.ledger.Submit(context.Background(), "inference", 5, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, unit.ID)
	assert.Equal(t, types.WorkStatusPending, unit.Status)
	assert.Equal(t, types.DefaultRequiredWorkers, unit.RequiredWorkers)
	assert.Equal(t, f.clk.Now(), unit.CreatedAt)

	// Out-of-range counts are clamped, not rejected.
	unit, err = f.ledger.Submit(context.Background(), "inference", 0, 99)
	require.NoError(t, err)
	assert.Equal(t, types.MaxRequiredWorkers, unit.RequiredWorkers)

	assert.Len(t, f.buffer.ops, 2)
	assert.Equal(t, "work_units", f.buffer.ops[0].Entity)
}

func TestLedgerAssignLifecycle(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.addWorker("w1")
	f.addWorker("w2")

	unit, err := f.ledger.Submit(ctx, "inference", 0, 2)
	require.NoError(t, err)

	workers, err := f.ledger.Assign(ctx, unit.ID)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	got, err := f.ledger.Get(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusAssigned, got.Status)
	assert.Len(t, got.AssignedWorkers, 2)

	// Capacity was reserved on both workers.
	w1, err := f.pool.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w1.Load)

	// Assigning again is refused.
	_, err = f.ledger.Assign(ctx, unit.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	require.NoError(t, f.ledger.Start(ctx, unit.ID))
	require.NoError(t, f.ledger.Complete(ctx, unit.ID))

	got, err = f.ledger.Get(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, got.Status)
	assert.Equal(t, f.clk.Now(), got.CompletedAt)

	// Terminal completion released the reservations.
	w1, err = f.pool.Get("w1")
	require.NoError(t, err)
	assert.Zero(t, w1.Load)

	// And fed the performance tracker for both workers.
	assert.Equal(t, 1, f.tracker.CompletionCount("w1"))
	assert.Equal(t, 1, f.tracker.CompletionCount("w2"))

	// Nothing moves out of a terminal state.
	assert.ErrorIs(t, f.ledger.Start(ctx, unit.ID), types.ErrInvalidTransition)
	assert.ErrorIs(t, f.ledger.Cancel(ctx, unit.ID), types.ErrInvalidTransition)
}

func TestLedgerAssignUnknownTask(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := f.ledger.Assign(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestLedgerAssignEmptyPool(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	unit, err := f.ledger.Submit(ctx, "inference", 0, 1)
	require.NoError(t, err)

	_, err = f.ledger.Assign(ctx, unit.ID)
	require.Error(t, err)

	// The unit stays pending and can be assigned later.
	got, err := f.ledger.Get(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, got.Status)
}

func TestLedgerStartRequiresAssigned(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	unit, err := f.ledger.Submit(ctx, "inference", 0, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, f.ledger.Start(ctx, unit.ID), types.ErrInvalidTransition)
}

func TestLedgerFailAndRequeue(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.addWorker("w1")

	unit, err := f.ledger.Submit(ctx, "inference", 0, 1)
	require.NoError(t, err)
	_, err = f.ledger.Assign(ctx, unit.ID)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Fail(ctx, unit.ID))
	assert.Equal(t, 1, f.tracker.CompletionCount("w1"))

	// Failed units can be requeued and assigned again.
	require.NoError(t, f.ledger.Requeue(ctx, unit.ID))
	got, err := f.ledger.Get(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, got.Status)
	assert.Empty(t, got.AssignedWorkers)

	_, err = f.ledger.Assign(ctx, unit.ID)
	require.NoError(t, err)

	// Requeue only applies to failed units.
	assert.ErrorIs(t, f.ledger.Requeue(ctx, unit.ID), types.ErrInvalidTransition)
}

func TestLedgerCancelReleasesReservations(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.addWorker("w1")

	unit, err := f.ledger.Submit(ctx, "inference", 0, 1)
	require.NoError(t, err)
	_, err = f.ledger.Assign(ctx, unit.ID)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Cancel(ctx, unit.ID))

	w, err := f.pool.Get("w1")
	require.NoError(t, err)
	assert.Zero(t, w.Load)

	// Cancellation records no outcome against the worker.
	assert.Zero(t, f.tracker.CompletionCount("w1"))
}

func TestLedgerRecordEvaluation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.RecordEvaluation(ctx, "t1", "v1"))
	assert.ErrorIs(t, f.ledger.RecordEvaluation(ctx, "t1", "v1"), types.ErrAlreadyEvaluated)

	// Different verifier, same task is fine.
	require.NoError(t, f.ledger.RecordEvaluation(ctx, "t1", "v2"))
}

func TestLedgerRecordEvaluationSurvivesRestart(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.RecordEvaluation(ctx, "t1", "v1"))

	// A fresh ledger sharing the backend has an empty in-memory set; the
	// persistent store still rejects the duplicate.
	fresh := NewTaskLedger(nil, f.backend, f.buffer, nil, f.clk, logging.NewNoopLogger())
	assert.ErrorIs(t, fresh.RecordEvaluation(ctx, "t1", "v1"), types.ErrAlreadyEvaluated)
}

type countingStore struct {
	*database.MemBackend
	inserts int
}

func (c *countingStore) InsertEvaluation(ctx context.Context, rec types.EvaluationRecord) error {
	c.inserts++
	return c.MemBackend.InsertEvaluation(ctx, rec)
}

func TestLedgerRecordEvaluationReadsStoreBeforeInsert(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	store := &countingStore{MemBackend: f.backend}
	require.NoError(t, store.InsertEvaluation(ctx, types.EvaluationRecord{
		TaskID: "t1", VerifierID: "v1", EvaluatedAt: f.clk.Now(),
	}))

	// A fresh ledger learns about the pair from the store's read path and
	// never attempts another insert.
	fresh := NewTaskLedger(nil, store, f.buffer, nil, f.clk, logging.NewNoopLogger())
	assert.ErrorIs(t, fresh.RecordEvaluation(ctx, "t1", "v1"), types.ErrAlreadyEvaluated)
	assert.Equal(t, 1, store.inserts)

	// New pairs still go through the insert.
	require.NoError(t, fresh.RecordEvaluation(ctx, "t2", "v1"))
	assert.Equal(t, 2, store.inserts)
}

func TestLedgerCommitGate(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	// A verifier that never committed passes the gate.
	ok, reason := f.ledger.CanCommit("v1")
	assert.True(t, ok)
	assert.Equal(t, "no prior commit", reason)

	f.ledger.MarkCommitted("v1")

	// 70 seconds into a 600 second cooldown.
	f.clk.Add(70 * time.Second)
	ok, _ = f.ledger.CanCommit("v1")
	assert.False(t, ok)

	// Past the cooldown but with no new evaluations.
	f.clk.Add(540 * time.Second)
	ok, reason = f.ledger.CanCommit("v1")
	assert.False(t, ok)
	assert.Equal(t, "no new evaluations since last commit", reason)

	// A new evaluation opens the gate.
	require.NoError(t, f.ledger.RecordEvaluation(ctx, "t1", "v1"))
	ok, reason = f.ledger.CanCommit("v1")
	assert.True(t, ok)
	assert.Equal(t, "ready", reason)

	// Committing re-arms the cooldown.
	f.ledger.MarkCommitted("v1")
	ok, _ = f.ledger.CanCommit("v1")
	assert.False(t, ok)
}

func TestLedgerCommitGatePerVerifier(t *testing.T) {
	f := newLedgerFixture(t)

	f.ledger.MarkCommitted("v1")
	ok, _ := f.ledger.CanCommit("v1")
	assert.False(t, ok)

	ok, _ = f.ledger.CanCommit("v2")
	assert.True(t, ok)
}
