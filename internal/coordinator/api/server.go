package api

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/attestnet/coordinator/internal/coordinator/consensus"
	"github.com/attestnet/coordinator/internal/coordinator/ingest"
	"github.com/attestnet/coordinator/internal/coordinator/ledger"
	"github.com/attestnet/coordinator/internal/coordinator/metrics"
	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/pkg/logging"
)

// Server is the coordinator's HTTP surface.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger logging.Logger
}

// Deps carries everything the handlers need.
type Deps struct {
	Ingestor  *ingest.StatusIngestor
	Consensus *consensus.Engine
	Pool      *pool.Store
	Ledger    *ledger.TaskLedger
	Metrics   *metrics.Metrics

	// MetricsHandler serves the Prometheus registry. Optional.
	MetricsHandler http.Handler

	// Clock drives time-dependent responses; wall clock when nil.
	Clock clock.Clock
}

func NewServer(port string, deps Deps, logger logging.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	if deps.Metrics != nil {
		router.Use(MetricsMiddleware(deps.Metrics))
	}

	h := newHandler(deps, logger)

	router.GET("/health", h.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/status", h.handleReportStatus)
		apiGroup.GET("/consensus/:workerId", h.handleGetConsensus)
		apiGroup.GET("/workers", h.handleGetWorkers)
		apiGroup.POST("/work", h.handleSubmitWork)
		apiGroup.GET("/work/:taskId", h.handleGetWork)
		apiGroup.PUT("/work/:taskId/status", h.handleUpdateWorkStatus)
		apiGroup.POST("/evaluations", h.handleRecordEvaluation)
		apiGroup.GET("/commit-gate/:verifierId", h.handleCommitGate)
	}

	return &Server{
		router: router,
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Infof("API server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
