package logging

const (
	BaseDataDir = "data"
	LogsDir     = "logs"
)

// ProcessName type to ensure valid process names
type ProcessName string

const (
	CoordinatorProcess ProcessName = "coordinator"
	IngestProcess      ProcessName = "ingest"
	SelectorProcess    ProcessName = "selector"
	LedgerProcess      ProcessName = "ledger"
)

type LoggerConfig struct {
	ProcessName   ProcessName
	IsDevelopment bool
}
