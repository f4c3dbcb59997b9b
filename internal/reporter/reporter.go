// Package reporter renders reconciliation batch results for operators.
//
// Supported output formats:
//   - Console: human-readable summary for terminal display
//   - JSON: structured output for programmatic consumption
//   - CSV: one row per pending-review match for spreadsheet triage
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"multisource-reconciliation-engine/internal/models"
	"multisource-reconciliation-engine/internal/reconciler"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported.
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation.
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	IncludeRecordErrors   bool `json:"include_record_errors" mapstructure:"include_record_errors"`
	IncludePendingReviews bool `json:"include_pending_reviews" mapstructure:"include_pending_reviews"`

	// CSV options.
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration.
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                FormatConsole,
		IncludeRecordErrors:   true,
		IncludePendingReviews: true,
		CSVDelimiter:          ',',
		CSVHeaders:            true,
	}
}

// Validate validates the report configuration.
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	return nil
}

// ReportGenerator renders batch reports in the configured format.
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a report generator with the given configuration.
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateReport renders the per-tenant batch reports, plus the pending-review
// queue when configured, to the writer.
func (rg *ReportGenerator) GenerateReport(reports map[string]*reconciler.Report, reviews []*models.Match, writer io.Writer) error {
	if reports == nil {
		return fmt.Errorf("batch reports cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(reports, reviews, writer)
	case FormatJSON:
		return rg.generateJSONReport(reports, reviews, writer)
	case FormatCSV:
		return rg.generateCSVReport(reviews, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) generateConsoleReport(reports map[string]*reconciler.Report, reviews []*models.Match, writer io.Writer) error {
	fmt.Fprintf(writer, "RECONCILIATION REPORT\n")
	fmt.Fprintf(writer, "Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	for _, tenant := range sortedTenants(reports) {
		report := reports[tenant]
		fmt.Fprintf(writer, "=== TENANT %s ===\n", tenant)
		fmt.Fprintf(writer, "Duration:        %v\n", report.Duration)
		fmt.Fprintf(writer, "Processed:       %d\n", report.Processed)
		fmt.Fprintf(writer, "Skipped:         %d\n", report.Skipped)
		fmt.Fprintf(writer, "Accepted:        %d (%.1f%%)\n",
			report.Accepted, percentage(report.Accepted, report.Processed))
		fmt.Fprintf(writer, "Pending Review:  %d (%.1f%%)\n",
			report.PendingReview, percentage(report.PendingReview, report.Processed))
		fmt.Fprintf(writer, "Unmatched:       %d (%.1f%%)\n",
			report.Unmatched, percentage(report.Unmatched, report.Processed))
		fmt.Fprintf(writer, "Oracle Declines: %d\n", report.Declined)
		if report.Cancelled {
			fmt.Fprintf(writer, "Status:          CANCELLED (remainder skipped)\n")
		}
		fmt.Fprintf(writer, "\n")

		if rg.config.IncludeRecordErrors && report.HasErrors() {
			fmt.Fprintf(writer, "Record Errors (%d):\n", len(report.RecordErrors))
			rg.printRecordErrors(report.RecordErrors, writer)
			fmt.Fprintf(writer, "\n")
		}
	}

	if rg.config.IncludePendingReviews && len(reviews) > 0 {
		fmt.Fprintf(writer, "=== PENDING REVIEWS ===\n")
		rg.printPendingReviews(reviews, writer)
	}

	return nil
}

func (rg *ReportGenerator) generateJSONReport(reports map[string]*reconciler.Report, reviews []*models.Match, writer io.Writer) error {
	output := map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"tenants":      reports,
	}
	if rg.config.IncludePendingReviews && reviews != nil {
		output["pending_reviews"] = reviews
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// generateCSVReport writes one row per pending-review match, the unit of work
// for a reviewer triaging in a spreadsheet.
func (rg *ReportGenerator) generateCSVReport(reviews []*models.Match, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter
	defer csvWriter.Flush()

	if rg.config.CSVHeaders {
		headers := []string{
			"Match_ID",
			"Tenant",
			"Layer",
			"Confidence",
			"Created_At",
			"Records",
			"Allocated",
			"Reasons",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, match := range reviews {
		ids := make([]string, 0, len(match.Records))
		allocated := make([]string, 0, len(match.Records))
		for _, ref := range match.Records {
			ids = append(ids, fmt.Sprintf("%s:%s", ref.SourceType, ref.RecordID))
			allocated = append(allocated, ref.Allocated.StringFixed(2))
		}
		row := []string{
			match.ID,
			match.TenantID,
			string(match.Layer),
			fmt.Sprintf("%.2f", match.Confidence),
			match.CreatedAt.Format(time.RFC3339),
			strings.Join(ids, "; "),
			strings.Join(allocated, "; "),
			strings.Join(match.Reasons, "; "),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write review record: %w", err)
		}
	}

	return nil
}

func (rg *ReportGenerator) printRecordErrors(errs []reconciler.RecordError, writer io.Writer) {
	for i, re := range errs {
		fmt.Fprintf(writer, "  %d. [%s] %s: %s\n", i+1, re.Category, re.RecordID, re.Message)
		if i >= 9 && len(errs) > 10 {
			fmt.Fprintf(writer, "  ... and %d more\n", len(errs)-10)
			break
		}
	}
}

func (rg *ReportGenerator) printPendingReviews(reviews []*models.Match, writer io.Writer) {
	fmt.Fprintf(writer, "Total Pending Reviews: %d\n\n", len(reviews))
	for i, match := range reviews {
		ids := make([]string, 0, len(match.Records))
		for _, ref := range match.Records {
			ids = append(ids, ref.RecordID)
		}
		fmt.Fprintf(writer, "  %d. %s [%s] confidence %.2f: %s\n",
			i+1, match.ID, match.Layer, match.Confidence, strings.Join(ids, " + "))
		for _, reason := range match.Reasons {
			fmt.Fprintf(writer, "     - %s\n", reason)
		}
		if i >= 9 && len(reviews) > 10 {
			fmt.Fprintf(writer, "  ... and %d more\n", len(reviews)-10)
			break
		}
	}
}

func sortedTenants(reports map[string]*reconciler.Report) []string {
	tenants := make([]string, 0, len(reports))
	for tenant := range reports {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}
