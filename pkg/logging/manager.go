package logging

import (
	"fmt"
	"sync"
)

var (
	serviceMu     sync.Mutex
	serviceLogger Logger
)

// InitServiceLogger builds the process-wide logger. The first successful call
// wins; later calls are no-ops.
func InitServiceLogger(config LoggerConfig) error {
	serviceMu.Lock()
	defer serviceMu.Unlock()

	if serviceLogger != nil {
		return nil
	}
	logger, err := NewZapLogger(config)
	if err != nil {
		return fmt.Errorf("init service logger for %s: %w", config.ProcessName, err)
	}
	serviceLogger = logger
	return nil
}

// GetServiceLogger returns the process-wide logger. It panics when called
// before InitServiceLogger.
func GetServiceLogger() Logger {
	serviceMu.Lock()
	defer serviceMu.Unlock()

	if serviceLogger == nil {
		panic("service logger not initialized")
	}
	return serviceLogger
}

// Shutdown flushes buffered log entries. Sync errors on stdout are expected
// and ignored.
func Shutdown() {
	serviceMu.Lock()
	defer serviceMu.Unlock()

	if zl, ok := serviceLogger.(*ZapLogger); ok && zl != nil {
		_ = zl.logger.Sync()
	}
}
