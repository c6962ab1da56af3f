package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	// DefaultStalenessTimeout is how long a worker may go unseen before it
	// stops counting as available and becomes a reap candidate.
	DefaultStalenessTimeout = 15 * time.Minute

	// DefaultRemovalGrace is how long an excluded worker is kept around
	// before it is removed from the store entirely.
	DefaultRemovalGrace = 10 * time.Minute
)

type entry struct {
	mu         sync.Mutex
	worker     types.Worker
	excludedAt time.Time
}

type verifierInfo struct {
	lastSeen  time.Time
	lastEpoch int64
}

// Store is the live worker pool. The outer map is guarded by an RWMutex;
// each worker entry carries its own mutex so mutations of different workers
// never contend. Reads hand out copies, callers never see shared state.
type Store struct {
	mu        sync.RWMutex
	workers   map[string]*entry
	verifiers map[string]verifierInfo

	clk              clock.Clock
	stalenessTimeout time.Duration
	logger           logging.Logger
}

type StoreOption func(*Store)

func WithStalenessTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.stalenessTimeout = d }
}

func WithClock(clk clock.Clock) StoreOption {
	return func(s *Store) { s.clk = clk }
}

func NewStore(logger logging.Logger, opts ...StoreOption) *Store {
	s := &Store{
		workers:          make(map[string]*entry),
		verifiers:        make(map[string]verifierInfo),
		clk:              clock.New(),
		stalenessTimeout: DefaultStalenessTimeout,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StalenessTimeout returns the configured staleness cutoff.
func (s *Store) StalenessTimeout() time.Duration { return s.stalenessTimeout }

func (s *Store) getEntry(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.workers[id]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) getOrCreateEntry(id string) *entry {
	if e, ok := s.getEntry(id); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.workers[id]; ok {
		return e
	}
	e := &entry{worker: types.Worker{ID: id}}
	s.workers[id] = e
	return e
}

// Upsert applies fn to the worker with the given id under its entry lock,
// creating the worker if it does not exist yet. A mutation clears any reap
// exclusion since the worker evidently came back. The updated copy is
// returned.
func (s *Store) Upsert(id string, fn func(w *types.Worker)) types.Worker {
	e := s.getOrCreateEntry(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.worker)
	e.worker.ID = id
	e.excludedAt = time.Time{}
	return cloneWorker(e.worker)
}

// Get returns a copy of the worker, or ErrWorkerNotFound.
func (s *Store) Get(id string) (types.Worker, error) {
	e, ok := s.getEntry(id)
	if !ok {
		return types.Worker{}, types.ErrWorkerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneWorker(e.worker), nil
}

// Remove deletes the worker from the store. Removing an unknown worker is a
// no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
}

// Count returns the number of workers currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// List returns a copy of every worker, sorted by id for determinism.
func (s *Store) List() []types.Worker {
	out := s.snapshot(func(w types.Worker) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns copies of every worker that can accept work right now:
// serving, seen within the staleness timeout, and with spare capacity.
func (s *Store) Available(now time.Time) []types.Worker {
	return s.snapshot(func(w types.Worker) bool {
		return w.Available(now, s.stalenessTimeout)
	})
}

// snapshot collects copies of all workers matching the predicate. The outer
// read lock is held only to gather entries; each entry is then copied under
// its own lock so a scan never blocks unrelated writers for long.
func (s *Store) snapshot(keep func(types.Worker) bool) []types.Worker {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.workers))
	for _, e := range s.workers {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]types.Worker, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		w := cloneWorker(e.worker)
		e.mu.Unlock()
		if keep(w) {
			out = append(out, w)
		}
	}
	return out
}

// Reserve increments the worker's load if it has spare capacity. It returns
// ErrWorkerNotFound for unknown workers and false when the worker is full.
func (s *Store) Reserve(id string) (bool, error) {
	e, ok := s.getEntry(id)
	if !ok {
		return false, types.ErrWorkerNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker.Load >= e.worker.Capacity {
		return false, nil
	}
	e.worker.Load++
	return true, nil
}

// Release decrements the worker's load reservation. The load never goes
// negative; releasing an unknown worker is a no-op since the reaper may have
// removed it while work was in flight.
func (s *Store) Release(id string) {
	e, ok := s.getEntry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.worker.Load > 0 {
		e.worker.Load--
	}
	e.mu.Unlock()
}

// TouchVerifier records that a verifier reported at the given epoch.
func (s *Store) TouchVerifier(verifierID string, epoch int64) {
	now := s.clk.Now()
	s.mu.Lock()
	info := s.verifiers[verifierID]
	info.lastSeen = now
	if epoch > info.lastEpoch {
		info.lastEpoch = epoch
	}
	s.verifiers[verifierID] = info
	s.mu.Unlock()
}

// VerifierCount returns the number of verifiers currently tracked.
func (s *Store) VerifierCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.verifiers)
}

func cloneWorker(w types.Worker) types.Worker {
	out := w
	if len(w.Specialization) > 0 {
		out.Specialization = append([]string(nil), w.Specialization...)
	}
	if len(w.ReportedBy) > 0 {
		out.ReportedBy = append([]string(nil), w.ReportedBy...)
	}
	if len(w.Conflicts) > 0 {
		out.Conflicts = append([]types.FieldConflict(nil), w.Conflicts...)
	}
	return out
}
