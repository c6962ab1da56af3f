package writebuffer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

// Limits are the sustained rates allowed for one operation class. They are
// set to 80% of the backend quota so the coordinator backs off before the
// backend starts rejecting.
type Limits struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

// DefaultLimits returns the per-class rate limits.
func DefaultLimits() map[types.OpClass]Limits {
	return map[types.OpClass]Limits{
		types.OpWrite:  {PerSecond: 800, PerMinute: 50000},
		types.OpRead:   {PerSecond: 8000, PerMinute: 500000},
		types.OpDelete: {PerSecond: 400, PerMinute: 25000},
	}
}

const (
	// DefaultBaseDelay is the admission delay unit. The actual delay is
	// this base scaled by the current throttle multiplier.
	DefaultBaseDelay = 100 * time.Millisecond

	initialMultiplier   = 2.0
	escalationFactor    = 1.5
	maxMultiplier       = 10.0
	decayFactor         = 0.9
	decayUsageThreshold = 0.5
	warnUsageThreshold  = 0.8
)

type usageEvent struct {
	at    time.Time
	count int
}

// QuotaMonitor tracks backend operation rates over sliding one-second and
// one-minute windows and derives a throttle multiplier from them. The
// multiplier escalates while a limit is exceeded, decays once usage drops
// below half the limit, and is 1.0 when no throttling is in effect.
type QuotaMonitor struct {
	mu          sync.Mutex
	limits      map[types.OpClass]Limits
	events      map[types.OpClass][]usageEvent
	multipliers map[types.OpClass]float64
	warned      map[types.OpClass]bool

	clk       clock.Clock
	baseDelay time.Duration
	logger    logging.Logger
}

type QuotaOption func(*QuotaMonitor)

func WithLimits(limits map[types.OpClass]Limits) QuotaOption {
	return func(m *QuotaMonitor) { m.limits = limits }
}

func WithBaseDelay(d time.Duration) QuotaOption {
	return func(m *QuotaMonitor) { m.baseDelay = d }
}

func NewQuotaMonitor(clk clock.Clock, logger logging.Logger, opts ...QuotaOption) *QuotaMonitor {
	m := &QuotaMonitor{
		limits:      DefaultLimits(),
		events:      make(map[types.OpClass][]usageEvent),
		multipliers: make(map[types.OpClass]float64),
		warned:      make(map[types.OpClass]bool),
		clk:         clk,
		baseDelay:   DefaultBaseDelay,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record counts n executed backend operations of the given class.
func (m *QuotaMonitor) Record(class types.OpClass, n int) {
	if n <= 0 {
		return
	}
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[class] = append(m.pruneLocked(class, now), usageEvent{at: now, count: n})

	limit, ok := m.limits[class]
	if !ok {
		return
	}
	perSec, perMin := m.usageLocked(class, now)
	secRatio := ratio(perSec, limit.PerSecond)
	minRatio := ratio(perMin, limit.PerMinute)
	high := secRatio >= warnUsageThreshold || minRatio >= warnUsageThreshold
	if high && !m.warned[class] {
		m.logger.Warnf("Quota usage high for %s ops: %d/s of %d, %d/min of %d",
			class, perSec, limit.PerSecond, perMin, limit.PerMinute)
		m.warned[class] = true
	} else if !high {
		m.warned[class] = false
	}
}

// Admission returns how long an operation of the given class must wait
// before it may be buffered. Zero means admit immediately. Crossing a limit
// engages the multiplier; staying under half of it lets the multiplier
// decay back toward one.
func (m *QuotaMonitor) Admission(class types.OpClass) time.Duration {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[class]
	if !ok {
		return 0
	}

	m.events[class] = m.pruneLocked(class, now)
	perSec, perMin := m.usageLocked(class, now)

	multiplier := m.multiplierLocked(class)
	over := (limit.PerSecond > 0 && perSec >= limit.PerSecond) ||
		(limit.PerMinute > 0 && perMin >= limit.PerMinute)
	if over {
		if multiplier < initialMultiplier {
			multiplier = initialMultiplier
		} else {
			multiplier *= escalationFactor
			if multiplier > maxMultiplier {
				multiplier = maxMultiplier
			}
		}
		m.multipliers[class] = multiplier
		return time.Duration(float64(m.baseDelay) * multiplier)
	}

	if ratio(perSec, limit.PerSecond) < decayUsageThreshold &&
		ratio(perMin, limit.PerMinute) < decayUsageThreshold {
		multiplier *= decayFactor
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		m.multipliers[class] = multiplier
	}

	if multiplier > 1.0 {
		return time.Duration(float64(m.baseDelay) * multiplier)
	}
	return 0
}

// Multiplier returns the highest throttle multiplier across all classes.
func (m *QuotaMonitor) Multiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 1.0
	for _, v := range m.multipliers {
		if v > max {
			max = v
		}
	}
	return max
}

func (m *QuotaMonitor) multiplierLocked(class types.OpClass) float64 {
	if v, ok := m.multipliers[class]; ok {
		return v
	}
	return 1.0
}

// Usage returns the operation counts inside the one-second and one-minute
// windows for the class.
func (m *QuotaMonitor) Usage(class types.OpClass) (perSecond, perMinute int) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[class] = m.pruneLocked(class, now)
	return m.usageLocked(class, now)
}

func (m *QuotaMonitor) pruneLocked(class types.OpClass, now time.Time) []usageEvent {
	events := m.events[class]
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(events) && !events[i].at.After(cutoff) {
		i++
	}
	return events[i:]
}

func (m *QuotaMonitor) usageLocked(class types.OpClass, now time.Time) (int, int) {
	secCutoff := now.Add(-time.Second)
	var perSec, perMin int
	for _, e := range m.events[class] {
		perMin += e.count
		if e.at.After(secCutoff) {
			perSec += e.count
		}
	}
	return perSec, perMin
}

func ratio(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}
