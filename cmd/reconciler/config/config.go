package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/arbiter"
	"multisource-reconciliation-engine/internal/index"
	"multisource-reconciliation-engine/internal/ledger"
	"multisource-reconciliation-engine/internal/matcher"
	"multisource-reconciliation-engine/internal/reporter"
	"multisource-reconciliation-engine/pkg/logger"
)

// CreateMatchingConfig creates a matching configuration with the CLI
// tolerance overrides applied.
func CreateMatchingConfig(windowDays int, amountToleranceAbs, amountTolerancePct float64) *matcher.MatchingConfig {
	config := matcher.DefaultMatchingConfig()

	config.WindowDays = windowDays
	config.Tolerance = index.AmountTolerance{
		Absolute: decimal.NewFromFloat(amountToleranceAbs),
		Percent:  amountTolerancePct,
	}

	return config
}

// CreateArbiterConfig creates the arbitration-oracle call parameters.
func CreateArbiterConfig(timeoutSeconds, maxRetries int) *arbiter.Config {
	config := arbiter.DefaultConfig()

	if timeoutSeconds > 0 {
		config.Timeout = time.Duration(timeoutSeconds) * time.Second
	}
	if maxRetries >= 0 {
		config.MaxRetries = maxRetries
	}

	return config
}

// CreateReportConfig creates a report configuration for the specified output
// format.
func CreateReportConfig(format string) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()

	switch format {
	case "console":
		config.Format = reporter.FormatConsole
	case "json":
		config.Format = reporter.FormatJSON
	case "csv":
		config.Format = reporter.FormatCSV
		config.CSVHeaders = true
		config.CSVDelimiter = ','
	default:
		return nil, fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", format)
	}

	return config, nil
}

// CreateLoggerConfig creates the logger configuration for CLI usage. Verbose
// runs log the per-record pipeline decisions.
func CreateLoggerConfig(verbose bool) *logger.Config {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return &logger.Config{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
	}
}

// OpenLedgerStore opens the match ledger backing store. An empty path selects
// the in-memory store, useful for dry runs; otherwise the SQLite file is
// created on first use. The returned closer is a no-op for the memory store.
func OpenLedgerStore(path string) (ledger.Store, func() error, error) {
	if path == "" {
		return ledger.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := ledger.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}
	return store, store.Close, nil
}
