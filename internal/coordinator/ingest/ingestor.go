package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

const statusEntity = "worker_status"

// ConsensusSink receives every accepted snapshot for reconciliation.
type ConsensusSink interface {
	Submit(ctx context.Context, verifierID string, epoch int64, snap types.WorkerSnapshot, reportedAt time.Time) error
}

// Enqueuer receives the raw status write for every accepted snapshot.
type Enqueuer interface {
	Enqueue(ctx context.Context, op types.WriteOperation) error
}

// StatusIngestor accepts verifier status batches. Each snapshot is validated
// independently; bad entries are skipped and counted, they never fail the
// batch. Accepted snapshots update the live pool, feed the consensus engine
// and queue a raw status write.
type StatusIngestor struct {
	pool      *pool.Store
	consensus ConsensusSink
	buffer    Enqueuer
	clk       clock.Clock
	logger    logging.Logger
}

func NewStatusIngestor(p *pool.Store, sink ConsensusSink, buffer Enqueuer, clk clock.Clock, logger logging.Logger) *StatusIngestor {
	return &StatusIngestor{
		pool:      p,
		consensus: sink,
		buffer:    buffer,
		clk:       clk,
		logger:    logger,
	}
}

// Ingest processes one status batch from a verifier.
func (i *StatusIngestor) Ingest(ctx context.Context, verifierID string, epoch int64, snapshots []types.WorkerSnapshot) (types.IngestAck, error) {
	ack := types.IngestAck{VerifierID: verifierID, Epoch: epoch}
	now := i.clk.Now()

	for _, snap := range snapshots {
		if err := validate(snap); err != nil {
			ack.Skipped++
			i.logger.Warnf("Skipping invalid snapshot from verifier %s: %v", verifierID, err)
			continue
		}

		reportedAt := now
		if snap.LastSeenHint != nil && snap.LastSeenHint.Before(now) {
			reportedAt = *snap.LastSeenHint
		}

		i.applyToPool(snap, reportedAt, verifierID)

		if err := i.consensus.Submit(ctx, verifierID, epoch, snap, reportedAt); err != nil {
			i.logger.Errorf("Consensus submit failed for worker %s: %v", snap.ID, err)
		}

		if err := i.enqueueStatus(ctx, verifierID, epoch, snap, reportedAt); err != nil {
			i.logger.Errorf("Failed to enqueue status write for worker %s: %v", snap.ID, err)
		}

		ack.Accepted++
	}

	i.pool.TouchVerifier(verifierID, epoch)

	i.logger.Debugf("Ingested batch from verifier %s epoch %d: accepted=%d skipped=%d",
		verifierID, epoch, ack.Accepted, ack.Skipped)
	return ack, nil
}

// applyToPool merges the snapshot into the live worker. Only reported
// fields are written and last-seen never moves backwards.
func (i *StatusIngestor) applyToPool(snap types.WorkerSnapshot, reportedAt time.Time, verifierID string) {
	i.pool.Upsert(snap.ID, func(w *types.Worker) {
		if snap.Identity != "" {
			w.Identity = snap.Identity
		}
		if snap.Endpoint != "" {
			w.Endpoint = snap.Endpoint
		}
		if snap.Stake != nil {
			w.Stake = *snap.Stake
		}
		if snap.Serving != nil {
			w.Serving = *snap.Serving
		}
		if snap.Load != nil {
			w.Load = *snap.Load
		}
		if snap.Capacity != nil {
			w.Capacity = *snap.Capacity
		}
		if snap.Performance != nil {
			w.Performance = *snap.Performance
		}
		if len(snap.Specialization) > 0 {
			w.Specialization = append([]string(nil), snap.Specialization...)
		}
		if reportedAt.After(w.LastSeen) {
			w.LastSeen = reportedAt
		}
		w.ReportedBy = appendUnique(w.ReportedBy, verifierID)
	})
}

func (i *StatusIngestor) enqueueStatus(ctx context.Context, verifierID string, epoch int64, snap types.WorkerSnapshot, reportedAt time.Time) error {
	payload, err := json.Marshal(types.VerifierReport{
		VerifierID: verifierID,
		WorkerID:   snap.ID,
		Epoch:      epoch,
		Timestamp:  reportedAt,
		Snapshot:   snap,
	})
	if err != nil {
		return err
	}
	return i.buffer.Enqueue(ctx, types.WriteOperation{
		Key:        uuid.New().String(),
		Class:      types.OpWrite,
		Entity:     statusEntity,
		EntityID:   snap.ID,
		Payload:    payload,
		EnqueuedAt: i.clk.Now(),
	})
}

func validate(snap types.WorkerSnapshot) error {
	if snap.ID == "" {
		return types.ErrInvalidSnapshot
	}
	if snap.Stake != nil && *snap.Stake < 0 {
		return types.ErrInvalidSnapshot
	}
	if snap.Load != nil && *snap.Load < 0 {
		return types.ErrInvalidSnapshot
	}
	if snap.Capacity != nil && *snap.Capacity < 0 {
		return types.ErrInvalidSnapshot
	}
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
