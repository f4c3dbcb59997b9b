package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"multisource-reconciliation-engine/cmd/reconciler/config"
	"multisource-reconciliation-engine/internal/arbiter"
	"multisource-reconciliation-engine/internal/ingest"
	"multisource-reconciliation-engine/internal/ledger"
	"multisource-reconciliation-engine/internal/models"
	"multisource-reconciliation-engine/internal/priors"
	"multisource-reconciliation-engine/internal/reconciler"
	"multisource-reconciliation-engine/internal/reporter"
	"multisource-reconciliation-engine/pkg/logger"
)

// Flags for the reconcile command
var (
	recordsFiles       []string
	ledgerPath         string
	outputFormat       string
	outputFile         string
	windowDays         int
	amountToleranceAbs float64
	amountTolerancePct float64
	oracleTimeout      int
	oracleRetries      int
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile expense, bank and fiscal invoice records",
	Long: `Reconcile runs the layered matching pipeline over the records in the
given export files. Each file carries the three source streams (expenses,
bank transactions, fiscal invoices); tenants are reconciled in parallel and
every accepted or review-flagged match is appended to the ledger.

Re-running over the same records is safe: records with open matches are
skipped and review decisions taken since the last run are picked up first.

Examples:
  # Basic run against a SQLite ledger
  reconciler reconcile --records-files export.json --ledger matches.db

  # Several export files, JSON report to a file
  reconciler reconcile --records-files a.json,b.json \
    --output-format json --output-file report.json

  # Wider candidate search
  reconciler reconcile --records-files export.json --ledger matches.db \
    --window-days 10 --amount-tolerance 25.0 --amount-tolerance-pct 1.0`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringSliceVarP(&recordsFiles, "records-files", "r", []string{}, "comma-separated paths to record export files (required)")
	reconcileCmd.Flags().StringVarP(&ledgerPath, "ledger", "l", "", "path to the SQLite match ledger (default: in-memory, dry run)")

	reconcileCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	reconcileCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")

	reconcileCmd.Flags().IntVarP(&windowDays, "window-days", "w", 5, "candidate date window in days")
	reconcileCmd.Flags().Float64VarP(&amountToleranceAbs, "amount-tolerance", "a", 10.0, "absolute amount tolerance in base currency")
	reconcileCmd.Flags().Float64Var(&amountTolerancePct, "amount-tolerance-pct", 0.0, "relative amount tolerance percentage (0.0-100.0)")

	reconcileCmd.Flags().IntVar(&oracleTimeout, "oracle-timeout", 30, "arbitration oracle call timeout in seconds")
	reconcileCmd.Flags().IntVar(&oracleRetries, "oracle-retries", 2, "arbitration oracle retries after the first attempt")

	reconcileCmd.MarkFlagRequired("records-files")

	viper.BindPFlag("records-files", reconcileCmd.Flags().Lookup("records-files"))
	viper.BindPFlag("ledger", reconcileCmd.Flags().Lookup("ledger"))
	viper.BindPFlag("output-format", reconcileCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("output-file", reconcileCmd.Flags().Lookup("output-file"))
	viper.BindPFlag("window-days", reconcileCmd.Flags().Lookup("window-days"))
	viper.BindPFlag("amount-tolerance", reconcileCmd.Flags().Lookup("amount-tolerance"))
	viper.BindPFlag("amount-tolerance-pct", reconcileCmd.Flags().Lookup("amount-tolerance-pct"))
	viper.BindPFlag("oracle-timeout", reconcileCmd.Flags().Lookup("oracle-timeout"))
	viper.BindPFlag("oracle-retries", reconcileCmd.Flags().Lookup("oracle-retries"))
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	// Viper values win so config-file settings can override defaults.
	recordsFiles = viper.GetStringSlice("records-files")
	ledgerPath = viper.GetString("ledger")
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output-file")
	windowDays = viper.GetInt("window-days")
	amountToleranceAbs = viper.GetFloat64("amount-tolerance")
	amountTolerancePct = viper.GetFloat64("amount-tolerance-pct")
	oracleTimeout = viper.GetInt("oracle-timeout")
	oracleRetries = viper.GetInt("oracle-retries")

	if len(recordsFiles) == 0 {
		return fmt.Errorf("at least one records-file is required")
	}
	for i, file := range recordsFiles {
		if err := validateFileExists(file, fmt.Sprintf("records file %d", i+1)); err != nil {
			return err
		}
	}

	validFormats := map[string]bool{"console": true, "json": true, "csv": true}
	if !validFormats[outputFormat] {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", outputFormat)
	}

	if windowDays < 0 {
		return fmt.Errorf("window days cannot be negative")
	}
	if amountToleranceAbs < 0 {
		return fmt.Errorf("amount tolerance cannot be negative")
	}
	if amountTolerancePct < 0.0 || amountTolerancePct > 100.0 {
		return fmt.Errorf("amount tolerance percentage must be between 0.0 and 100.0")
	}

	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	// Interrupt cancels between records; committed matches stay intact.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New(config.CreateLoggerConfig(viper.GetBool("verbose")))

	if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Starting reconciliation...\n")
		fmt.Fprintf(os.Stderr, "Records files: %s\n", strings.Join(recordsFiles, ", "))
		if ledgerPath == "" {
			fmt.Fprintf(os.Stderr, "Ledger: in-memory (dry run)\n")
		} else {
			fmt.Fprintf(os.Stderr, "Ledger: %s\n", ledgerPath)
		}
	}

	records, err := ingest.LoadFiles(recordsFiles)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no records found in the given files")
	}

	store, closeStore, err := config.OpenLedgerStore(ledgerPath)
	if err != nil {
		return err
	}
	defer closeStore()

	matchLedger := ledger.New(store, log)
	prior := priors.NewMemoryProvider()

	orchestrator, err := reconciler.New(reconciler.Options{
		Config:   config.CreateMatchingConfig(windowDays, amountToleranceAbs, amountTolerancePct),
		Priors:   prior,
		Recorder: prior,
		Arbiter:  arbiter.New(nil, config.CreateArbiterConfig(oracleTimeout, oracleRetries), log),
		Ledger:   matchLedger,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	reports := orchestrator.ReconcileAll(ctx, records)

	// Collect the review queue across the batch's tenants for the report.
	var reviews []*models.Match
	for tenant := range reports {
		pending, err := matchLedger.ListPendingReviews(ctx, tenant)
		if err != nil {
			return fmt.Errorf("failed to list pending reviews: %w", err)
		}
		reviews = append(reviews, pending...)
	}

	reportConfig, err := config.CreateReportConfig(outputFormat)
	if err != nil {
		return err
	}
	reportGenerator, err := reporter.NewReportGenerator(reportConfig)
	if err != nil {
		return fmt.Errorf("failed to create report generator: %w", err)
	}

	output := os.Stdout
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}

	if err := reportGenerator.GenerateReport(reports, reviews, output); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if viper.GetBool("verbose") {
		var processed, accepted, pending int
		for _, report := range reports {
			processed += report.Processed
			accepted += report.Accepted
			pending += report.PendingReview
		}
		fmt.Fprintf(os.Stderr, "\nReconciliation completed.\n")
		fmt.Fprintf(os.Stderr, "Processed %d records across %d tenants: %d accepted, %d pending review.\n",
			processed, len(reports), accepted, pending)
	}

	return nil
}
