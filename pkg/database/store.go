package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

// Store persists coordinator records in a document-style layout: one row per
// (entity, id) pair with a JSON payload. Batched mutations arrive from the
// write buffer; point reads serve the ledger's slow path.
type Store struct {
	conn   *Connection
	logger logging.Logger
}

func NewStore(conn *Connection, logger logging.Logger) *Store {
	return &Store{conn: conn, logger: logger}
}

// CommitBatch applies all buffered operations as a single unlogged batch.
// Every operation carries an idempotency key, so a retried batch is safe to
// re-apply.
func (s *Store) CommitBatch(ctx context.Context, ops []types.WriteOperation) error {
	if len(ops) == 0 {
		return nil
	}

	batch := s.conn.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, op := range ops {
		switch op.Class {
		case types.OpWrite:
			batch.Query(
				`INSERT INTO records (entity, id, op_key, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
				op.Entity, op.EntityID, op.Key, op.Payload, time.Now().UTC(),
			)
		case types.OpDelete:
			batch.Query(`DELETE FROM records WHERE entity = ? AND id = ?`, op.Entity, op.EntityID)
		default:
			// Reads never reach the mutation path.
			s.logger.Warn("Skipping non-mutating operation in batch", "class", op.Class, "entity", op.Entity)
		}
	}

	if err := s.conn.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("batch commit of %d operations failed: %w", len(ops), err)
	}
	return nil
}

// InsertEvaluation inserts the (task, verifier) pair if and only if it does
// not exist yet. Returns types.ErrAlreadyEvaluated when the pair is present.
func (s *Store) InsertEvaluation(ctx context.Context, rec types.EvaluationRecord) error {
	applied, err := s.conn.session.Query(
		`INSERT INTO evaluations (task_id, verifier_id, evaluated_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		rec.TaskID, rec.VerifierID, rec.EvaluatedAt,
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return fmt.Errorf("evaluation insert failed: %w", err)
	}
	if !applied {
		return types.ErrAlreadyEvaluated
	}
	return nil
}

// HasEvaluation reports whether the (task, verifier) pair was already recorded.
func (s *Store) HasEvaluation(ctx context.Context, taskID, verifierID string) (bool, error) {
	var count int
	err := s.conn.session.Query(
		`SELECT COUNT(*) FROM evaluations WHERE task_id = ? AND verifier_id = ?`,
		taskID, verifierID,
	).WithContext(ctx).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("evaluation lookup failed: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Close() {
	s.conn.Close()
}
