package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/attestnet/coordinator/pkg/env"
)

type Config struct {
	devMode bool

	// HTTP API port
	apiPort string

	// ScyllaDB hosts and keyspace for the persistence backend
	databaseHosts    []string
	databaseKeyspace string
	databaseEnabled  bool

	// Redis cache; empty address falls back to the in-memory cache
	redisAddr     string
	redisPassword string
	redisDB       int

	// Consensus tunables
	consensusWindow time.Duration
	minVerifiers    int

	// Pool tunables
	stalenessTimeout time.Duration
	reapInterval     time.Duration
	removalGrace     time.Duration

	// Selection and ledger tunables
	assignmentTimeout time.Duration
	commitCooldown    time.Duration

	// Write buffer tunables
	flushThreshold int
	flushInterval  time.Duration
	quotaFile      string

	// Metrics port; empty disables the standalone metrics listener
	metricsPort string
}

var cfg Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		// Missing .env is fine in containerized deployments; everything
		// has a default or comes from real environment variables.
		fmt.Println("No .env file found, using environment defaults")
	}
	cfg = Config{
		devMode:           env.GetEnvBool("DEV_MODE", false),
		apiPort:           env.GetEnvString("COORDINATOR_API_PORT", "9010"),
		databaseHosts:     splitHosts(env.GetEnvString("DATABASE_HOSTS", "localhost:9042")),
		databaseKeyspace:  env.GetEnvString("DATABASE_KEYSPACE", "coordinator"),
		databaseEnabled:   env.GetEnvBool("DATABASE_ENABLED", true),
		redisAddr:         env.GetEnvString("REDIS_ADDR", ""),
		redisPassword:     env.GetEnvString("REDIS_PASSWORD", ""),
		redisDB:           env.GetEnvInt("REDIS_DB", 0),
		consensusWindow:   env.GetEnvDuration("CONSENSUS_WINDOW", 5*time.Minute),
		minVerifiers:      env.GetEnvInt("MIN_CONSENSUS_VERIFIERS", 2),
		stalenessTimeout:  env.GetEnvDuration("STALENESS_TIMEOUT", 15*time.Minute),
		reapInterval:      env.GetEnvDuration("REAP_INTERVAL", 5*time.Minute),
		removalGrace:      env.GetEnvDuration("REMOVAL_GRACE", 10*time.Minute),
		assignmentTimeout: env.GetEnvDuration("ASSIGNMENT_TIMEOUT", 30*time.Minute),
		commitCooldown:    env.GetEnvDuration("COMMIT_COOLDOWN", 600*time.Second),
		flushThreshold:    env.GetEnvInt("FLUSH_THRESHOLD", 100),
		flushInterval:     env.GetEnvDuration("FLUSH_INTERVAL", 30*time.Second),
		quotaFile:         env.GetEnvString("QUOTA_FILE", ""),
		metricsPort:       env.GetEnvString("METRICS_PORT", ""),
	}
	if err := validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.devMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

func validateConfig() error {
	if cfg.minVerifiers < 1 {
		return fmt.Errorf("MIN_CONSENSUS_VERIFIERS must be >= 1, got %d", cfg.minVerifiers)
	}
	if cfg.consensusWindow <= 0 {
		return fmt.Errorf("CONSENSUS_WINDOW must be positive, got %v", cfg.consensusWindow)
	}
	if cfg.stalenessTimeout <= 0 {
		return fmt.Errorf("STALENESS_TIMEOUT must be positive, got %v", cfg.stalenessTimeout)
	}
	if cfg.flushThreshold < 1 {
		return fmt.Errorf("FLUSH_THRESHOLD must be >= 1, got %d", cfg.flushThreshold)
	}
	if cfg.databaseEnabled && len(cfg.databaseHosts) == 0 {
		return fmt.Errorf("DATABASE_HOSTS must not be empty when the database is enabled")
	}
	return nil
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetAPIPort() string {
	return cfg.apiPort
}

func GetDatabaseHosts() []string {
	return cfg.databaseHosts
}

func GetDatabaseKeyspace() string {
	return cfg.databaseKeyspace
}

func IsDatabaseEnabled() bool {
	return cfg.databaseEnabled
}

func GetRedisAddr() string {
	return cfg.redisAddr
}

func GetRedisPassword() string {
	return cfg.redisPassword
}

func GetRedisDB() int {
	return cfg.redisDB
}

func GetConsensusWindow() time.Duration {
	return cfg.consensusWindow
}

func GetMinVerifiers() int {
	return cfg.minVerifiers
}

func GetStalenessTimeout() time.Duration {
	return cfg.stalenessTimeout
}

func GetReapInterval() time.Duration {
	return cfg.reapInterval
}

func GetRemovalGrace() time.Duration {
	return cfg.removalGrace
}

func GetAssignmentTimeout() time.Duration {
	return cfg.assignmentTimeout
}

func GetCommitCooldown() time.Duration {
	return cfg.commitCooldown
}

func GetFlushThreshold() int {
	return cfg.flushThreshold
}

func GetFlushInterval() time.Duration {
	return cfg.flushInterval
}

func GetQuotaFile() string {
	return cfg.quotaFile
}

func GetMetricsPort() string {
	return cfg.metricsPort
}
