package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/attestnet/coordinator/internal/coordinator/scoring"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/types"
)

type handler struct {
	deps   Deps
	clk    clock.Clock
	logger logging.Logger
}

func newHandler(deps Deps, logger logging.Logger) *handler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &handler{deps: deps, clk: clk, logger: logger}
}

type statusRequest struct {
	VerifierID string                 `json:"verifier_id" binding:"required"`
	Epoch      int64                  `json:"epoch"`
	Workers    []types.WorkerSnapshot `json:"workers"`
}

func (h *handler) handleReportStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ack, err := h.deps.Ingestor.Ingest(c.Request.Context(), req.VerifierID, req.Epoch, req.Workers)
	if err != nil {
		h.logger.Errorf("Status ingest failed for verifier %s: %v", req.VerifierID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.ObserveIngest(ack.Accepted, ack.Skipped)
	}
	c.JSON(http.StatusOK, ack)
}

func (h *handler) handleGetConsensus(c *gin.Context) {
	workerID := c.Param("workerId")

	rec, err := h.deps.Consensus.GetConsensus(c.Request.Context(), workerID)
	if errors.Is(err, types.ErrWorkerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no consensus record for worker " + workerID})
		return
	}
	if err != nil {
		h.logger.Errorf("Consensus lookup failed for worker %s: %v", workerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) handleGetWorkers(c *gin.Context) {
	taskType := c.Query("type")
	now := h.clk.Now()
	params := scoring.DefaultParams()

	available := h.deps.Pool.Available(now)
	workers := make([]types.Worker, 0, len(available))
	scores := make(map[string]float64, len(available))
	for _, w := range available {
		if taskType != "" && !w.Specializes(taskType) {
			continue
		}
		scores[w.ID] = scoring.Score(w, now, params)
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool {
		si, sj := scores[workers[i].ID], scores[workers[j].ID]
		if si != sj {
			return si > sj
		}
		return workers[i].ID < workers[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

type submitWorkRequest struct {
	Type            string `json:"type" binding:"required"`
	Priority        int    `json:"priority"`
	RequiredWorkers int    `json:"required_workers"`
	// Assign requests immediate worker assignment on submit.
	Assign bool `json:"assign"`
}

func (h *handler) handleSubmitWork(c *gin.Context) {
	var req submitWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	unit, err := h.deps.Ledger.Submit(c.Request.Context(), req.Type, req.Priority, req.RequiredWorkers)
	if err != nil {
		h.logger.Errorf("Work submit failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.WorkUnitsTotal.WithLabelValues(string(unit.Status)).Inc()
	}

	var workers []types.Worker
	if req.Assign {
		workers, err = h.deps.Ledger.Assign(c.Request.Context(), unit.ID)
		if err != nil {
			// The unit stays pending; report it instead of failing the
			// submission.
			h.logger.Warnf("Assignment deferred for task %s: %v", unit.ID, err)
		} else if h.deps.Metrics != nil {
			h.deps.Metrics.SelectionsTotal.WithLabelValues(unit.Type).Inc()
		}
		unit, _ = h.deps.Ledger.Get(unit.ID)
	}

	c.JSON(http.StatusOK, gin.H{"work_unit": unit, "workers": workers})
}

func (h *handler) handleGetWork(c *gin.Context) {
	unit, err := h.deps.Ledger.Get(c.Param("taskId"))
	if errors.Is(err, types.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, unit)
}

type workStatusRequest struct {
	Status types.WorkStatus `json:"status" binding:"required"`
}

func (h *handler) handleUpdateWorkStatus(c *gin.Context) {
	taskID := c.Param("taskId")

	var req workStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Status {
	case types.WorkStatusInProgress:
		err = h.deps.Ledger.Start(ctx, taskID)
	case types.WorkStatusCompleted:
		err = h.deps.Ledger.Complete(ctx, taskID)
	case types.WorkStatusFailed:
		err = h.deps.Ledger.Fail(ctx, taskID)
	case types.WorkStatusCancelled:
		err = h.deps.Ledger.Cancel(ctx, taskID)
	case types.WorkStatusPending:
		err = h.deps.Ledger.Requeue(ctx, taskID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported status " + string(req.Status)})
		return
	}

	switch {
	case errors.Is(err, types.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, types.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	default:
		if h.deps.Metrics != nil {
			h.deps.Metrics.WorkUnitsTotal.WithLabelValues(string(req.Status)).Inc()
		}
		unit, _ := h.deps.Ledger.Get(taskID)
		c.JSON(http.StatusOK, unit)
	}
}

type evaluationRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	VerifierID string `json:"verifier_id" binding:"required"`
}

func (h *handler) handleRecordEvaluation(c *gin.Context) {
	var req evaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.deps.Ledger.RecordEvaluation(c.Request.Context(), req.TaskID, req.VerifierID)
	switch {
	case errors.Is(err, types.ErrAlreadyEvaluated):
		// Idempotent repeat, not a failure.
		if h.deps.Metrics != nil {
			h.deps.Metrics.EvaluationsTotal.WithLabelValues("duplicate").Inc()
		}
		c.JSON(http.StatusOK, gin.H{"recorded": false, "already_evaluated": true})
	case err != nil:
		h.logger.Errorf("Evaluation record failed for task %s: %v", req.TaskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
	default:
		if h.deps.Metrics != nil {
			h.deps.Metrics.EvaluationsTotal.WithLabelValues("recorded").Inc()
		}
		c.JSON(http.StatusOK, gin.H{"recorded": true, "already_evaluated": false})
	}
}

func (h *handler) handleCommitGate(c *gin.Context) {
	verifierID := c.Param("verifierId")
	ok, reason := h.deps.Ledger.CanCommit(verifierID)
	c.JSON(http.StatusOK, gin.H{
		"verifier_id": verifierID,
		"can_commit":  ok,
		"reason":      reason,
	})
}

func (h *handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "Coordinator",
		"status":    "running",
		"workers":   h.deps.Pool.Count(),
		"verifiers": h.deps.Pool.VerifierCount(),
		"timestamp": h.clk.Now().UTC().Format(time.RFC3339),
	})
}
