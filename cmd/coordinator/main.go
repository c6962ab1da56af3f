package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/attestnet/coordinator/internal/cache"
	"github.com/attestnet/coordinator/internal/coordinator/api"
	"github.com/attestnet/coordinator/internal/coordinator/config"
	"github.com/attestnet/coordinator/internal/coordinator/consensus"
	"github.com/attestnet/coordinator/internal/coordinator/ingest"
	"github.com/attestnet/coordinator/internal/coordinator/ledger"
	coordmetrics "github.com/attestnet/coordinator/internal/coordinator/metrics"
	"github.com/attestnet/coordinator/internal/coordinator/pool"
	"github.com/attestnet/coordinator/internal/coordinator/scoring"
	"github.com/attestnet/coordinator/internal/coordinator/selector"
	"github.com/attestnet/coordinator/internal/coordinator/writebuffer"
	"github.com/attestnet/coordinator/pkg/database"
	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/metrics"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	shutdownTimeout   = 30 * time.Second
	gaugeScrapePeriod = 15 * time.Second
)

func main() {
	app := &cli.App{
		Name:   "coordinator",
		Usage:  "Worker coordination service: report ingest, consensus, selection and the task ledger",
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	if err := logging.InitServiceLogger(logging.LoggerConfig{
		ProcessName:   logging.CoordinatorProcess,
		IsDevelopment: config.IsDevMode(),
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := logging.GetServiceLogger()

	logger.Info("Starting coordinator service...",
		"mode", config.IsDevMode(),
		"port", config.GetAPIPort(),
		"database_enabled", config.IsDatabaseEnabled(),
	)

	clk := clock.New()

	collector := metrics.NewCollector("coordinator")
	collector.Start()
	defer collector.Stop()
	m := coordmetrics.New(collector.Registry())

	backend, closeBackend, err := newBackend(logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	limits, err := config.LoadQuotaLimits(config.GetQuotaFile())
	if err != nil {
		return fmt.Errorf("failed to load quota limits: %w", err)
	}

	monitor := writebuffer.NewQuotaMonitor(clk, logger, writebuffer.WithLimits(limits))
	buffer := writebuffer.NewWriteBuffer(backend, monitor, clk, logger,
		writebuffer.WithFlushThreshold(config.GetFlushThreshold()),
		writebuffer.WithFlushInterval(config.GetFlushInterval()),
	)
	buffer.Start()

	store := pool.NewStore(logger, pool.WithStalenessTimeout(config.GetStalenessTimeout()))
	reaper := pool.NewStalenessReaper(store, clk, logger,
		pool.WithReapInterval(config.GetReapInterval()),
		pool.WithRemovalGrace(config.GetRemovalGrace()),
	)
	reaper.Start()

	engine := consensus.NewEngine(store, buffer, newCache(logger), clk, logger,
		consensus.WithWindowDuration(config.GetConsensusWindow()),
		consensus.WithMinVerifiers(config.GetMinVerifiers()),
		consensus.WithFinalizeHook(func(rec types.ConsensusRecord) {
			m.ObserveFinalized(rec.Confidence, len(rec.ConflictFields))
		}),
	)

	ingestor := ingest.NewStatusIngestor(store, engine, buffer, clk, logger)
	tracker := scoring.NewTracker()
	sel := selector.NewWorkSelector(store, tracker, clk, logger,
		selector.WithAssignmentTimeout(config.GetAssignmentTimeout()),
	)
	led := ledger.NewTaskLedger(sel, backend, buffer, tracker, clk, logger,
		ledger.WithCommitCooldown(config.GetCommitCooldown()),
	)

	srv := api.NewServer(config.GetAPIPort(), api.Deps{
		Ingestor:       ingestor,
		Consensus:      engine,
		Pool:           store,
		Ledger:         led,
		Metrics:        m,
		MetricsHandler: collector.Handler(),
	}, logger)

	// The collector handler is always mounted on the API router; a separate
	// listener is for deployments that scrape on an internal-only port.
	var metricsSrv *http.Server
	if port := config.GetMetricsPort(); port != "" {
		metricsSrv = &http.Server{
			Addr:              ":" + port,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Standalone metrics listener starting", "port", port)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scrapeGauges(ctx, clk, m, store, engine, buffer, monitor)

	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErrors <- err
		}
	}()

	logger.Info("Coordinator service ready",
		"api_port", config.GetAPIPort(),
		"min_verifiers", config.GetMinVerifiers(),
		"consensus_window", config.GetConsensusWindow(),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error received", "error", err)
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	performGracefulShutdown(cancel, srv, metricsSrv, reaper, buffer, logger)
	return nil
}

// persistenceBackend is what the write buffer and the ledger together need
// from storage. Both the ScyllaDB store and the in-memory backend satisfy it.
type persistenceBackend interface {
	CommitBatch(ctx context.Context, ops []types.WriteOperation) error
	InsertEvaluation(ctx context.Context, rec types.EvaluationRecord) error
	HasEvaluation(ctx context.Context, taskID, verifierID string) (bool, error)
}

// newBackend picks the persistence backend. With the database disabled the
// coordinator runs on an in-memory backend, which loses the ledger on
// restart but keeps the full API surface working.
func newBackend(logger logging.Logger) (persistenceBackend, func(), error) {
	if !config.IsDatabaseEnabled() {
		logger.Warn("Database disabled, using in-memory backend")
		return database.NewMemBackend(), func() {}, nil
	}

	dbConfig := database.NewConfig("", "").
		WithHosts(config.GetDatabaseHosts()).
		WithKeyspace(config.GetDatabaseKeyspace())
	conn, err := database.NewConnection(dbConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database at %v: %w", config.GetDatabaseHosts(), err)
	}
	if err := conn.EnsureSchema(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}
	store := database.NewStore(conn, logger)
	return store, store.Close, nil
}

// newCache prefers Redis when an address is configured and falls back to the
// in-process cache otherwise.
func newCache(logger logging.Logger) cache.Cache {
	addr := config.GetRedisAddr()
	if addr == "" {
		logger.Info("Redis not configured, using in-memory consensus cache")
		return cache.NewMemoryCache()
	}

	redisCache, err := cache.NewRedisCache(addr, config.GetRedisPassword(), config.GetRedisDB(), logger)
	if err != nil {
		logger.Warnf("Redis unavailable at %s, falling back to in-memory cache: %v", addr, err)
		return cache.NewMemoryCache()
	}
	logger.Info("Redis consensus cache initialized", "addr", addr)
	return redisCache
}

// scrapeGauges refreshes the gauges that mirror live state rather than
// counting events.
func scrapeGauges(ctx context.Context, clk clock.Clock, m *coordmetrics.Metrics, store *pool.Store, engine *consensus.Engine, buffer *writebuffer.WriteBuffer, monitor *writebuffer.QuotaMonitor) {
	ticker := clk.Ticker(gaugeScrapePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.WorkersTracked.Set(float64(store.Count()))
			m.WorkersAvailable.Set(float64(len(store.Available(now))))
			m.ConsensusWindows.Set(float64(engine.PendingWindows()))
			m.ThrottleMultiplier.Set(monitor.Multiplier())
			for _, class := range []types.OpClass{types.OpWrite, types.OpRead, types.OpDelete} {
				m.BufferedOperations.WithLabelValues(string(class)).Set(float64(buffer.ClassSize(class)))
			}
		}
	}
}

func performGracefulShutdown(cancel context.CancelFunc, srv *api.Server, metricsSrv *http.Server, reaper *pool.StalenessReaper, buffer *writebuffer.WriteBuffer, logger logging.Logger) {
	logger.Info("Initiating graceful shutdown...")
	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer ctxCancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}

	reaper.Stop()

	// Drain whatever the buffer still holds before the backend goes away.
	if err := buffer.Close(); err != nil {
		logger.Error("Write buffer drain error", "error", err)
	}

	logger.Info("Shutdown complete")
	logging.Shutdown()
}
