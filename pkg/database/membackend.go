package database

import (
	"context"
	"sync"

	"github.com/attestnet/coordinator/pkg/types"
)

// MemBackend is an in-memory stand-in for Store used in tests and local runs
// without a database. It keeps the same commit and evaluation semantics.
type MemBackend struct {
	mu          sync.Mutex
	Records     map[string][]byte // entity/id -> payload
	Evaluations map[string]types.EvaluationRecord
	Commits     [][]types.WriteOperation
	FailNext    int // number of upcoming CommitBatch calls to fail
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		Records:     make(map[string][]byte),
		Evaluations: make(map[string]types.EvaluationRecord),
	}
}

func recordKey(entity, id string) string { return entity + "/" + id }

func (m *MemBackend) CommitBatch(ctx context.Context, ops []types.WriteOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext > 0 {
		m.FailNext--
		return context.DeadlineExceeded
	}

	for _, op := range ops {
		switch op.Class {
		case types.OpWrite:
			m.Records[recordKey(op.Entity, op.EntityID)] = op.Payload
		case types.OpDelete:
			delete(m.Records, recordKey(op.Entity, op.EntityID))
		}
	}
	committed := make([]types.WriteOperation, len(ops))
	copy(committed, ops)
	m.Commits = append(m.Commits, committed)
	return nil
}

func (m *MemBackend) InsertEvaluation(ctx context.Context, rec types.EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(rec.TaskID, rec.VerifierID)
	if _, ok := m.Evaluations[key]; ok {
		return types.ErrAlreadyEvaluated
	}
	m.Evaluations[key] = rec
	return nil
}

func (m *MemBackend) HasEvaluation(ctx context.Context, taskID, verifierID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.Evaluations[recordKey(taskID, verifierID)]
	return ok, nil
}

// CommittedOps returns every operation committed so far, in order.
func (m *MemBackend) CommittedOps() []types.WriteOperation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []types.WriteOperation
	for _, batch := range m.Commits {
		all = append(all, batch...)
	}
	return all
}
