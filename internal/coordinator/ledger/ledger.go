package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/attestnet/coordinator/internal/coordinator/scoring"
	"github.com/attestnet/coordinator/internal/coordinator/selector"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	// DefaultCommitCooldown is the minimum interval between two successful
	// commits by the same verifier.
	DefaultCommitCooldown = 600 * time.Second

	workUnitEntity = "work_units"
)

// Selector picks and reserves workers for an assignment.
type Selector interface {
	Select(taskType string, requiredCount int) ([]types.Worker, *selector.Assignment)
}

// EvaluationStore is the persistent side of evaluation dedupe. The in-memory
// set answers the common case; the store is the slow path and the authority.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, rec types.EvaluationRecord) error
	HasEvaluation(ctx context.Context, taskID, verifierID string) (bool, error)
}

// Enqueuer receives work unit state writes.
type Enqueuer interface {
	Enqueue(ctx context.Context, op types.WriteOperation) error
}

type taskEntry struct {
	unit       types.WorkUnit
	assignment *selector.Assignment
}

type commitState struct {
	lastCommit time.Time
	committed  bool
	evalsSince int
}

// TaskLedger owns the work unit lifecycle, the evaluation dedupe set and the
// per-verifier commit gate.
type TaskLedger struct {
	mu        sync.Mutex
	tasks     map[string]*taskEntry
	evaluated map[string]struct{}
	commits   map[string]*commitState

	selector Selector
	store    EvaluationStore
	buffer   Enqueuer
	tracker  *scoring.Tracker
	clk      clock.Clock
	logger   logging.Logger

	cooldown time.Duration
}

type Option func(*TaskLedger)

func WithCommitCooldown(d time.Duration) Option {
	return func(l *TaskLedger) { l.cooldown = d }
}

func NewTaskLedger(sel Selector, store EvaluationStore, buffer Enqueuer, tracker *scoring.Tracker, clk clock.Clock, logger logging.Logger, opts ...Option) *TaskLedger {
	l := &TaskLedger{
		tasks:     make(map[string]*taskEntry),
		evaluated: make(map[string]struct{}),
		commits:   make(map[string]*commitState),
		selector:  sel,
		store:     store,
		buffer:    buffer,
		tracker:   tracker,
		clk:       clk,
		logger:    logger,
		cooldown:  DefaultCommitCooldown,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit registers a new work unit in pending state.
func (l *TaskLedger) Submit(ctx context.Context, taskType string, priority, requiredCount int) (types.WorkUnit, error) {
	unit := types.WorkUnit{
		ID:              uuid.New().String(),
		Type:            taskType,
		Priority:        priority,
		RequiredWorkers: types.ClampRequiredWorkers(requiredCount),
		Status:          types.WorkStatusPending,
		CreatedAt:       l.clk.Now(),
	}
	if unit.RequiredWorkers != requiredCount && requiredCount != 0 {
		l.logger.Warnf("Clamped required workers for task %s from %d to %d",
			unit.ID, requiredCount, unit.RequiredWorkers)
	}

	l.mu.Lock()
	l.tasks[unit.ID] = &taskEntry{unit: unit}
	l.mu.Unlock()

	l.persistUnit(ctx, unit)
	return unit, nil
}

// Assign selects workers for a pending work unit and reserves capacity on
// them. Assigning a unit that is not pending is refused, which protects
// against distributing the same unit twice.
func (l *TaskLedger) Assign(ctx context.Context, taskID string) ([]types.Worker, error) {
	l.mu.Lock()
	entry, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return nil, types.ErrTaskNotFound
	}
	if entry.unit.Status != types.WorkStatusPending {
		status := entry.unit.Status
		l.mu.Unlock()
		return nil, fmt.Errorf("assign task %s in status %s: %w", taskID, status, types.ErrInvalidTransition)
	}
	taskType := entry.unit.Type
	required := entry.unit.RequiredWorkers
	l.mu.Unlock()

	workers, assignment := l.selector.Select(taskType, required)
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers available for task %s", taskID)
	}

	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}

	l.mu.Lock()
	entry, ok = l.tasks[taskID]
	if !ok || entry.unit.Status != types.WorkStatusPending {
		l.mu.Unlock()
		assignment.Release()
		return nil, fmt.Errorf("assign task %s: %w", taskID, types.ErrInvalidTransition)
	}
	entry.unit.Status = types.WorkStatusAssigned
	entry.unit.AssignedWorkers = ids
	entry.unit.AssignedAt = l.clk.Now()
	entry.assignment = assignment
	unit := entry.unit
	l.mu.Unlock()

	l.persistUnit(ctx, unit)
	return workers, nil
}

// Start moves an assigned work unit into execution.
func (l *TaskLedger) Start(ctx context.Context, taskID string) error {
	return l.transition(ctx, taskID, types.WorkStatusInProgress, types.WorkStatusAssigned)
}

// Complete marks the work unit as finished and releases its reservations.
// Every assigned worker gets a success recorded against the unit's runtime.
func (l *TaskLedger) Complete(ctx context.Context, taskID string) error {
	return l.finish(ctx, taskID, types.WorkStatusCompleted, true,
		types.WorkStatusAssigned, types.WorkStatusInProgress)
}

// Fail marks the work unit as failed and releases its reservations.
func (l *TaskLedger) Fail(ctx context.Context, taskID string) error {
	return l.finish(ctx, taskID, types.WorkStatusFailed, false,
		types.WorkStatusAssigned, types.WorkStatusInProgress)
}

// Cancel aborts a work unit from any non-terminal state. No completion
// outcome is recorded against the workers.
func (l *TaskLedger) Cancel(ctx context.Context, taskID string) error {
	l.mu.Lock()
	entry, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return types.ErrTaskNotFound
	}
	if entry.unit.Status.Terminal() {
		status := entry.unit.Status
		l.mu.Unlock()
		return fmt.Errorf("cancel task %s in status %s: %w", taskID, status, types.ErrInvalidTransition)
	}
	entry.unit.Status = types.WorkStatusCancelled
	entry.unit.CompletedAt = l.clk.Now()
	assignment := entry.assignment
	entry.assignment = nil
	unit := entry.unit
	l.mu.Unlock()

	if assignment != nil {
		assignment.Release()
	}
	l.persistUnit(ctx, unit)
	return nil
}

// Requeue puts a failed work unit back into pending so it can be assigned
// again.
func (l *TaskLedger) Requeue(ctx context.Context, taskID string) error {
	l.mu.Lock()
	entry, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return types.ErrTaskNotFound
	}
	if entry.unit.Status != types.WorkStatusFailed {
		status := entry.unit.Status
		l.mu.Unlock()
		return fmt.Errorf("requeue task %s in status %s: %w", taskID, status, types.ErrInvalidTransition)
	}
	entry.unit.Status = types.WorkStatusPending
	entry.unit.AssignedWorkers = nil
	entry.unit.AssignedAt = time.Time{}
	entry.unit.CompletedAt = time.Time{}
	unit := entry.unit
	l.mu.Unlock()

	l.persistUnit(ctx, unit)
	return nil
}

// Get returns a copy of the work unit.
func (l *TaskLedger) Get(taskID string) (types.WorkUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.tasks[taskID]
	if !ok {
		return types.WorkUnit{}, types.ErrTaskNotFound
	}
	unit := entry.unit
	unit.AssignedWorkers = append([]string(nil), entry.unit.AssignedWorkers...)
	return unit, nil
}

// RecordEvaluation registers that a verifier evaluated a work unit. The
// in-memory set answers repeats cheaply; the persistent store has the final
// word so restarts do not reopen the gate. Duplicates return
// ErrAlreadyEvaluated, which callers treat as success.
func (l *TaskLedger) RecordEvaluation(ctx context.Context, taskID, verifierID string) error {
	key := taskID + "/" + verifierID

	l.mu.Lock()
	_, seen := l.evaluated[key]
	l.mu.Unlock()
	if seen {
		return types.ErrAlreadyEvaluated
	}

	// After a restart the store may know pairs the in-memory set does not;
	// a read costs far less backend quota than the conditional insert.
	if known, err := l.store.HasEvaluation(ctx, taskID, verifierID); err == nil && known {
		l.mu.Lock()
		l.evaluated[key] = struct{}{}
		l.mu.Unlock()
		return types.ErrAlreadyEvaluated
	}

	rec := types.EvaluationRecord{
		TaskID:      taskID,
		VerifierID:  verifierID,
		EvaluatedAt: l.clk.Now(),
	}
	err := l.store.InsertEvaluation(ctx, rec)
	if errors.Is(err, types.ErrAlreadyEvaluated) {
		l.mu.Lock()
		l.evaluated[key] = struct{}{}
		l.mu.Unlock()
		return types.ErrAlreadyEvaluated
	}
	if err != nil {
		return fmt.Errorf("persist evaluation %s by %s: %w", taskID, verifierID, err)
	}

	l.mu.Lock()
	l.evaluated[key] = struct{}{}
	state, ok := l.commits[verifierID]
	if !ok {
		state = &commitState{}
		l.commits[verifierID] = state
	}
	state.evalsSince++
	l.mu.Unlock()

	return nil
}

// CanCommit reports whether the verifier may commit now. A verifier that
// never committed may always commit; after that, the cooldown must have
// elapsed and at least one new evaluation must have been recorded since the
// last commit.
func (l *TaskLedger) CanCommit(verifierID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.commits[verifierID]
	if !ok || !state.committed {
		return true, "no prior commit"
	}

	elapsed := l.clk.Now().Sub(state.lastCommit)
	if elapsed < l.cooldown {
		return false, fmt.Sprintf("cooldown: %s of %s elapsed", elapsed.Round(time.Second), l.cooldown)
	}
	if state.evalsSince == 0 {
		return false, "no new evaluations since last commit"
	}
	return true, "ready"
}

// MarkCommitted records a successful commit, arming the cooldown and
// resetting the new-evaluation requirement.
func (l *TaskLedger) MarkCommitted(verifierID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.commits[verifierID]
	if !ok {
		state = &commitState{}
		l.commits[verifierID] = state
	}
	state.lastCommit = l.clk.Now()
	state.committed = true
	state.evalsSince = 0
}

func (l *TaskLedger) transition(ctx context.Context, taskID string, to types.WorkStatus, from ...types.WorkStatus) error {
	l.mu.Lock()
	entry, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return types.ErrTaskNotFound
	}
	if !statusIn(entry.unit.Status, from) {
		status := entry.unit.Status
		l.mu.Unlock()
		return fmt.Errorf("move task %s from %s to %s: %w", taskID, status, to, types.ErrInvalidTransition)
	}
	entry.unit.Status = to
	unit := entry.unit
	l.mu.Unlock()

	l.persistUnit(ctx, unit)
	return nil
}

func (l *TaskLedger) finish(ctx context.Context, taskID string, to types.WorkStatus, success bool, from ...types.WorkStatus) error {
	l.mu.Lock()
	entry, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return types.ErrTaskNotFound
	}
	if !statusIn(entry.unit.Status, from) {
		status := entry.unit.Status
		l.mu.Unlock()
		return fmt.Errorf("move task %s from %s to %s: %w", taskID, status, to, types.ErrInvalidTransition)
	}
	now := l.clk.Now()
	entry.unit.Status = to
	entry.unit.CompletedAt = now
	assignment := entry.assignment
	entry.assignment = nil
	unit := entry.unit
	l.mu.Unlock()

	if assignment != nil {
		assignment.Release()
	}
	if l.tracker != nil {
		runtime := time.Duration(0)
		if !unit.AssignedAt.IsZero() {
			runtime = now.Sub(unit.AssignedAt)
		}
		for _, workerID := range unit.AssignedWorkers {
			l.tracker.RecordCompletion(workerID, unit.Type, success, runtime)
		}
	}
	l.persistUnit(ctx, unit)
	return nil
}

func (l *TaskLedger) persistUnit(ctx context.Context, unit types.WorkUnit) {
	payload, err := json.Marshal(unit)
	if err != nil {
		l.logger.Errorf("Failed to encode work unit %s: %v", unit.ID, err)
		return
	}
	op := types.WriteOperation{
		Key:        uuid.New().String(),
		Class:      types.OpWrite,
		Entity:     workUnitEntity,
		EntityID:   unit.ID,
		Payload:    payload,
		EnqueuedAt: l.clk.Now(),
	}
	if err := l.buffer.Enqueue(ctx, op); err != nil {
		l.logger.Errorf("Failed to enqueue work unit %s: %v", unit.ID, err)
	}
}

func statusIn(s types.WorkStatus, allowed []types.WorkStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
