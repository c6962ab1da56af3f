package pool

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/attestnet/coordinator/pkg/logging"
)

// DefaultReapInterval is how often the reaper scans the pool.
const DefaultReapInterval = 5 * time.Minute

// StalenessReaper periodically excludes workers that stopped reporting and
// removes them once they stayed excluded past the grace period. Verifier
// entries age out on the same sweep. A sweep is idempotent; running it twice
// in a row changes nothing.
type StalenessReaper struct {
	store    *Store
	clk      clock.Clock
	interval time.Duration
	grace    time.Duration
	logger   logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type ReaperOption func(*StalenessReaper)

func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *StalenessReaper) { r.interval = d }
}

func WithRemovalGrace(d time.Duration) ReaperOption {
	return func(r *StalenessReaper) { r.grace = d }
}

func NewStalenessReaper(store *Store, clk clock.Clock, logger logging.Logger, opts ...ReaperOption) *StalenessReaper {
	r := &StalenessReaper{
		store:    store,
		clk:      clk,
		interval: DefaultReapInterval,
		grace:    DefaultRemovalGrace,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop. It returns immediately.
func (r *StalenessReaper) Start() {
	go r.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (r *StalenessReaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *StalenessReaper) run() {
	defer close(r.done)

	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Sweep performs one pass over the pool. Exported so callers can force a
// sweep without waiting for the ticker.
func (r *StalenessReaper) Sweep() {
	now := r.clk.Now()
	s := r.store

	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var excluded, removed []string
	for _, id := range ids {
		e, ok := s.getEntry(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		stale := now.Sub(e.worker.LastSeen) >= s.stalenessTimeout
		switch {
		case !stale:
			e.excludedAt = time.Time{}
		case e.excludedAt.IsZero():
			e.excludedAt = now
			excluded = append(excluded, id)
		case now.Sub(e.excludedAt) >= r.grace:
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}

	for _, id := range removed {
		s.Remove(id)
	}

	verifierCutoff := s.stalenessTimeout + r.grace
	s.mu.Lock()
	for id, info := range s.verifiers {
		if now.Sub(info.lastSeen) >= verifierCutoff {
			delete(s.verifiers, id)
		}
	}
	s.mu.Unlock()

	if len(excluded) > 0 {
		r.logger.Warnf("Excluded %d stale workers: %v", len(excluded), excluded)
	}
	if len(removed) > 0 {
		r.logger.Infof("Removed %d workers past removal grace: %v", len(removed), removed)
	}
}
