package selector

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/internal/coordinator/scoring"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	// DefaultAssignmentTimeout bounds how long selected workers stay
	// reserved without the work unit reaching a terminal state.
	DefaultAssignmentTimeout = 30 * time.Minute

	// primaryConfidenceTier separates well-attested workers from the rest
	// during ranking.
	primaryConfidenceTier = 0.7
)

// Assignment holds the load reservations taken for one selection. Release
// is safe to call any number of times from any goroutine; the reservations
// are returned exactly once, whether by a terminal transition or by the
// assignment timeout.
type Assignment struct {
	pool    *pool.Store
	workers []string
	timer   *clock.Timer
	once    sync.Once
}

func (a *Assignment) WorkerIDs() []string {
	return append([]string(nil), a.workers...)
}

func (a *Assignment) Release() {
	a.once.Do(func() {
		if a.timer != nil {
			a.timer.Stop()
		}
		for _, id := range a.workers {
			a.pool.Release(id)
		}
	})
}

// WorkSelector ranks available workers and reserves capacity on the chosen
// ones.
type WorkSelector struct {
	pool    *pool.Store
	tracker *scoring.Tracker
	params  scoring.Params
	clk     clock.Clock
	logger  logging.Logger

	assignmentTimeout time.Duration
}

type Option func(*WorkSelector)

func WithAssignmentTimeout(d time.Duration) Option {
	return func(s *WorkSelector) { s.assignmentTimeout = d }
}

func WithParams(p scoring.Params) Option {
	return func(s *WorkSelector) { s.params = p }
}

func NewWorkSelector(p *pool.Store, tracker *scoring.Tracker, clk clock.Clock, logger logging.Logger, opts ...Option) *WorkSelector {
	s := &WorkSelector{
		pool:              p,
		tracker:           tracker,
		params:            scoring.DefaultParams(),
		clk:               clk,
		logger:            logger,
		assignmentTimeout: DefaultAssignmentTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	worker types.Worker
	score  float64
}

// Select picks up to requiredCount workers for the task type and reserves a
// capacity slot on each. Workers specialized in the task type are preferred;
// when there are not enough of them the filter relaxes to every available
// worker. An empty pool yields an empty selection and a nil assignment.
func (s *WorkSelector) Select(taskType string, requiredCount int) ([]types.Worker, *Assignment) {
	count := types.ClampRequiredWorkers(requiredCount)
	if count != requiredCount && requiredCount != 0 {
		s.logger.Warnf("Clamped requested worker count %d to %d", requiredCount, count)
	}

	now := s.clk.Now()
	available := s.pool.Available(now)
	if len(available) == 0 {
		return []types.Worker{}, nil
	}

	eligible := make([]types.Worker, 0, len(available))
	for _, w := range available {
		if w.Specializes(taskType) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) < count {
		eligible = available
	}

	ranked := s.rank(eligible, taskType, now)

	selected := make([]types.Worker, 0, count)
	reserved := make([]string, 0, count)
	for _, c := range ranked {
		if len(selected) == count {
			break
		}
		ok, err := s.pool.Reserve(c.worker.ID)
		if err != nil || !ok {
			continue
		}
		c.worker.Load++
		selected = append(selected, c.worker)
		reserved = append(reserved, c.worker.ID)
	}

	if len(reserved) == 0 {
		return []types.Worker{}, nil
	}

	a := &Assignment{pool: s.pool, workers: reserved}
	a.timer = s.clk.AfterFunc(s.assignmentTimeout, func() {
		s.logger.Warnf("Assignment timed out, releasing reservations on %v", reserved)
		a.Release()
	})
	return selected, a
}

// rank orders candidates into two confidence tiers, each sorted by composite
// score with deterministic tie-breaks.
func (s *WorkSelector) rank(workers []types.Worker, taskType string, now time.Time) []candidate {
	var primary, secondary []candidate
	for _, w := range workers {
		if s.tracker != nil && s.tracker.CompletionCount(w.ID) > 0 {
			w.Performance = s.tracker.PerformanceScore(w.ID, taskType, w.Load, w.Capacity)
		}
		c := candidate{worker: w, score: scoring.Score(w, now, s.params)}
		if w.ConsensusConfidence >= primaryConfidenceTier {
			primary = append(primary, c)
		} else {
			secondary = append(secondary, c)
		}
	}
	sortTier(primary)
	sortTier(secondary)
	return append(primary, secondary...)
}

func sortTier(tier []candidate) {
	sort.Slice(tier, func(i, j int) bool {
		a, b := tier[i], tier[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.worker.Stake != b.worker.Stake {
			return a.worker.Stake > b.worker.Stake
		}
		if a.worker.Load != b.worker.Load {
			return a.worker.Load < b.worker.Load
		}
		return a.worker.ID < b.worker.ID
	})
}
