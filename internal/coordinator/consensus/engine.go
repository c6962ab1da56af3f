package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/attestnet/coordinator/internal/cache"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	// DefaultWindowDuration is how long a consensus window stays open after
	// the first report for a worker arrives.
	DefaultWindowDuration = 5 * time.Minute

	// DefaultMinVerifiers is the number of distinct verifier reports needed
	// to short-circuit a window before it expires.
	DefaultMinVerifiers = 2

	// DefaultCacheTTL is how long finalized records stay in the read cache.
	DefaultCacheTTL = time.Hour

	consensusEntity   = "consensus_records"
	cacheKeyPrefix    = "consensus:"
	maxVerifierBonus  = 0.2
	verifierBonusStep = 0.1
	conflictPenalty   = 0.05
)

// Field names used as strategy registry keys and FieldConfidence keys.
const (
	FieldIdentity       = "identity"
	FieldStake          = "stake"
	FieldServing        = "serving"
	FieldEndpoint       = "endpoint"
	FieldLoad           = "load"
	FieldCapacity       = "capacity"
	FieldPerformance    = "performance"
	FieldSpecialization = "specialization"
)

// DefaultStrategies maps each reconciled field to its reconciliation
// strategy. Numeric fields average, identity-like fields vote, endpoint is
// free-form.
func DefaultStrategies() map[string]FieldStrategy {
	return map[string]FieldStrategy{
		FieldIdentity:       CategoricalStrategy{},
		FieldServing:        CategoricalStrategy{},
		FieldSpecialization: CategoricalStrategy{},
		FieldEndpoint:       FreeFormStrategy{},
		FieldStake:          NumericStrategy{},
		FieldLoad:           NumericStrategy{},
		FieldCapacity:       NumericStrategy{},
		FieldPerformance:    NumericStrategy{},
	}
}

// WorkerPool is the slice of the pool store the engine needs to apply
// finalized records.
type WorkerPool interface {
	Upsert(id string, fn func(w *types.Worker)) types.Worker
}

// Enqueuer receives the persistence write for every finalized record.
type Enqueuer interface {
	Enqueue(ctx context.Context, op types.WriteOperation) error
}

type window struct {
	workerID string
	openedAt time.Time
	reports  map[string]types.VerifierReport
	timer    *clock.Timer
}

// Engine collects verifier reports into per-worker windows and reconciles
// them into consensus records. A window finalizes early when enough
// verifiers agree on everything, or on expiry with whatever arrived.
type Engine struct {
	mu      sync.Mutex
	windows map[string]*window
	records map[string]types.ConsensusRecord

	pool       WorkerPool
	buffer     Enqueuer
	cache      cache.Cache
	clk        clock.Clock
	policy     ConfidencePolicy
	strategies map[string]FieldStrategy
	logger     logging.Logger

	windowDuration time.Duration
	minVerifiers   int
	cacheTTL       time.Duration

	onFinalize func(rec types.ConsensusRecord)
}

type EngineOption func(*Engine)

func WithWindowDuration(d time.Duration) EngineOption {
	return func(e *Engine) { e.windowDuration = d }
}

func WithMinVerifiers(n int) EngineOption {
	return func(e *Engine) { e.minVerifiers = n }
}

func WithCacheTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.cacheTTL = d }
}

func WithConfidencePolicy(p ConfidencePolicy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithFinalizeHook registers a callback invoked after every finalized
// record, outside the engine lock.
func WithFinalizeHook(fn func(rec types.ConsensusRecord)) EngineOption {
	return func(e *Engine) { e.onFinalize = fn }
}

func NewEngine(p WorkerPool, buffer Enqueuer, c cache.Cache, clk clock.Clock, logger logging.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		windows:        make(map[string]*window),
		records:        make(map[string]types.ConsensusRecord),
		pool:           p,
		buffer:         buffer,
		cache:          c,
		clk:            clk,
		policy:         CompletenessPolicy{},
		strategies:     DefaultStrategies(),
		logger:         logger,
		windowDuration: DefaultWindowDuration,
		minVerifiers:   DefaultMinVerifiers,
		cacheTTL:       DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit feeds one verifier snapshot into the worker's consensus window,
// opening one if needed. The report's confidence is derived here. A report
// older than the one already held from the same verifier is dropped.
func (e *Engine) Submit(ctx context.Context, verifierID string, epoch int64, snap types.WorkerSnapshot, reportedAt time.Time) error {
	if snap.ID == "" {
		return types.ErrInvalidSnapshot
	}

	now := e.clk.Now()
	report := types.VerifierReport{
		VerifierID: verifierID,
		WorkerID:   snap.ID,
		Epoch:      epoch,
		Timestamp:  reportedAt,
		Snapshot:   snap,
		Confidence: e.policy.Confidence(snap, reportedAt, now),
	}

	e.mu.Lock()
	w, ok := e.windows[snap.ID]
	if !ok {
		w = &window{
			workerID: snap.ID,
			openedAt: now,
			reports:  make(map[string]types.VerifierReport),
		}
		e.windows[snap.ID] = w
		w.timer = e.clk.AfterFunc(e.windowDuration, func() {
			e.expire(w)
		})
	}

	if prev, ok := w.reports[verifierID]; ok && !report.Timestamp.After(prev.Timestamp) {
		e.mu.Unlock()
		e.logger.Debugf("Dropping stale report for worker %s from verifier %s", snap.ID, verifierID)
		return nil
	}
	w.reports[verifierID] = report

	var rec *types.ConsensusRecord
	if len(w.reports) >= e.minVerifiers {
		candidate := e.reconcile(w, now)
		if len(candidate.ConflictFields) == 0 {
			e.closeWindowLocked(w)
			e.records[w.workerID] = candidate
			rec = &candidate
		}
	}
	e.mu.Unlock()

	if rec != nil {
		e.publish(ctx, *rec)
	}
	return nil
}

// expire finalizes a window whose timer fired, with however many reports it
// holds. The pointer comparison guards against a window that was already
// short-circuited and replaced.
func (e *Engine) expire(w *window) {
	e.mu.Lock()
	current, ok := e.windows[w.workerID]
	if !ok || current != w || len(w.reports) == 0 {
		e.mu.Unlock()
		return
	}
	rec := e.reconcile(w, e.clk.Now())
	e.closeWindowLocked(w)
	e.records[w.workerID] = rec
	e.mu.Unlock()

	e.publish(context.Background(), rec)
}

func (e *Engine) closeWindowLocked(w *window) {
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(e.windows, w.workerID)
}

// reconcile builds a consensus record from the reports held in the window.
// Below the verifier minimum, the single highest-confidence report speaks
// for the worker; the strategies collapse to exactly that.
func (e *Engine) reconcile(w *window, now time.Time) types.ConsensusRecord {
	reports := make([]types.VerifierReport, 0, len(w.reports))
	for _, r := range w.reports {
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].VerifierID < reports[j].VerifierID })

	worker := types.Worker{ID: w.workerID}
	fieldConfidence := make(map[string]float64)
	var conflictFields []string
	var maxEpoch int64
	var lastSeen time.Time
	verifiers := make([]string, 0, len(reports))
	var confSum float64

	for _, r := range reports {
		verifiers = append(verifiers, r.VerifierID)
		confSum += r.Confidence
		if r.Epoch > maxEpoch {
			maxEpoch = r.Epoch
		}
		if r.Timestamp.After(lastSeen) {
			lastSeen = r.Timestamp
		}
		if r.Snapshot.LastSeenHint != nil && r.Snapshot.LastSeenHint.After(lastSeen) {
			lastSeen = *r.Snapshot.LastSeenHint
		}
	}

	for field, strategy := range e.strategies {
		obs := observations(field, reports)
		if len(obs) == 0 {
			continue
		}
		res := strategy.Reconcile(obs)
		fieldConfidence[field] = res.Confidence
		if res.Conflict {
			conflictFields = append(conflictFields, field)
			worker.Conflicts = append(worker.Conflicts, types.FieldConflict{Field: field, DetectedAt: now})
		}
		applyField(&worker, field, res.Value)
	}
	sort.Strings(conflictFields)
	sort.Slice(worker.Conflicts, func(i, j int) bool {
		return worker.Conflicts[i].Field < worker.Conflicts[j].Field
	})

	worker.LastSeen = lastSeen
	worker.ReportedBy = verifiers

	confidence := confSum / float64(len(reports))
	bonus := verifierBonusStep * float64(len(verifiers))
	if bonus > maxVerifierBonus {
		bonus = maxVerifierBonus
	}
	confidence += bonus
	confidence -= conflictPenalty * float64(len(conflictFields))
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	worker.ConsensusConfidence = confidence

	return types.ConsensusRecord{
		WorkerID:        w.workerID,
		Epoch:           maxEpoch,
		Worker:          worker,
		FieldConfidence: fieldConfidence,
		Confidence:      confidence,
		Verifiers:       verifiers,
		ConflictFields:  conflictFields,
		ReportCount:     len(reports),
		FinalizedAt:     now,
	}
}

// publish applies a finalized record to the pool, persists it through the
// write buffer and mirrors it into the cache. Called without the engine
// lock held.
func (e *Engine) publish(ctx context.Context, rec types.ConsensusRecord) {
	e.pool.Upsert(rec.WorkerID, func(w *types.Worker) {
		lastSeen := w.LastSeen
		*w = rec.Worker
		if lastSeen.After(w.LastSeen) {
			w.LastSeen = lastSeen
		}
	})

	payload, err := json.Marshal(rec)
	if err != nil {
		e.logger.Errorf("Failed to encode consensus record for worker %s: %v", rec.WorkerID, err)
		return
	}

	op := types.WriteOperation{
		Key:        uuid.New().String(),
		Class:      types.OpWrite,
		Entity:     consensusEntity,
		EntityID:   rec.WorkerID,
		Payload:    payload,
		EnqueuedAt: e.clk.Now(),
	}
	if err := e.buffer.Enqueue(ctx, op); err != nil {
		e.logger.Errorf("Failed to enqueue consensus record for worker %s: %v", rec.WorkerID, err)
	}

	if err := e.cache.Set(ctx, cacheKeyPrefix+rec.WorkerID, string(payload), e.cacheTTL); err != nil {
		e.logger.Warnf("Failed to cache consensus record for worker %s: %v", rec.WorkerID, err)
	}

	if len(rec.ConflictFields) > 0 {
		e.logger.Warnf("Consensus for worker %s finalized with conflicts on %s",
			rec.WorkerID, strings.Join(rec.ConflictFields, ", "))
	}

	if e.onFinalize != nil {
		e.onFinalize(rec)
	}
}

// GetConsensus returns the latest finalized record for a worker, falling
// back to the cache when the in-memory state store has nothing.
func (e *Engine) GetConsensus(ctx context.Context, workerID string) (types.ConsensusRecord, error) {
	e.mu.Lock()
	rec, ok := e.records[workerID]
	e.mu.Unlock()
	if ok {
		return rec, nil
	}

	raw, err := e.cache.Get(ctx, cacheKeyPrefix+workerID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return types.ConsensusRecord{}, types.ErrWorkerNotFound
	}
	if err != nil {
		return types.ConsensusRecord{}, err
	}

	var cached types.ConsensusRecord
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return types.ConsensusRecord{}, err
	}
	return cached, nil
}

// PendingWindows returns how many consensus windows are currently open.
func (e *Engine) PendingWindows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows)
}

// observations extracts the per-field values present in the reports.
func observations(field string, reports []types.VerifierReport) []Observation {
	var obs []Observation
	for _, r := range reports {
		var value any
		switch field {
		case FieldIdentity:
			if r.Snapshot.Identity == "" {
				continue
			}
			value = r.Snapshot.Identity
		case FieldEndpoint:
			if r.Snapshot.Endpoint == "" {
				continue
			}
			value = r.Snapshot.Endpoint
		case FieldServing:
			if r.Snapshot.Serving == nil {
				continue
			}
			value = *r.Snapshot.Serving
		case FieldStake:
			if r.Snapshot.Stake == nil {
				continue
			}
			value = *r.Snapshot.Stake
		case FieldLoad:
			if r.Snapshot.Load == nil {
				continue
			}
			value = *r.Snapshot.Load
		case FieldCapacity:
			if r.Snapshot.Capacity == nil {
				continue
			}
			value = *r.Snapshot.Capacity
		case FieldPerformance:
			if r.Snapshot.Performance == nil {
				continue
			}
			value = *r.Snapshot.Performance
		case FieldSpecialization:
			if len(r.Snapshot.Specialization) == 0 {
				continue
			}
			value = canonicalSet(r.Snapshot.Specialization)
		default:
			continue
		}
		obs = append(obs, Observation{
			VerifierID: r.VerifierID,
			Value:      value,
			Confidence: r.Confidence,
			Timestamp:  r.Timestamp,
		})
	}
	return obs
}

// applyField writes a reconciled value back onto the worker.
func applyField(w *types.Worker, field string, value any) {
	switch field {
	case FieldIdentity:
		w.Identity, _ = value.(string)
	case FieldEndpoint:
		w.Endpoint, _ = value.(string)
	case FieldServing:
		w.Serving, _ = value.(bool)
	case FieldStake:
		if v, ok := toFloat(value); ok {
			w.Stake = v
		}
	case FieldLoad:
		if v, ok := toFloat(value); ok {
			w.Load = int(v + 0.5)
		}
	case FieldCapacity:
		if v, ok := toFloat(value); ok {
			w.Capacity = int(v + 0.5)
		}
	case FieldPerformance:
		if v, ok := toFloat(value); ok {
			w.Performance = v
		}
	case FieldSpecialization:
		if s, ok := value.(string); ok && s != "" {
			w.Specialization = strings.Split(s, ",")
		}
	}
}

// canonicalSet renders a specialization list into a stable comparable form
// so set equality survives reordering.
func canonicalSet(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
