package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"multisource-reconciliation-engine/cmd/reconciler/config"
	"multisource-reconciliation-engine/internal/ledger"
	"multisource-reconciliation-engine/pkg/logger"
)

// Flags for the reviews subcommands
var (
	reviewsLedgerPath string
	reviewsTenant     string
	reviewMatchID     string
	reviewDecision    string
	reviewerID        string
)

// reviewsCmd groups the human-review workflow commands.
var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect and resolve matches awaiting human review",
	Long: `Reviews works the pending-review queue of the match ledger. Every
match the engine could not accept autonomously (ambiguous candidates,
anomalous key matches, arbitration outcomes) waits here until a reviewer
accepts or rejects it. A rejected match frees its records for the next
reconciliation run.`,
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's pending reviews",
	Long: `List prints the tenant's pending-review matches, oldest first.

Example:
  reconciler reviews list --ledger matches.db --tenant acme`,
	PreRunE: validateReviewsListFlags,
	RunE:    runReviewsList,
}

var reviewsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Accept or reject a pending match",
	Long: `Resolve applies a reviewer decision to one pending match.

Examples:
  reconciler reviews resolve --ledger matches.db --match 4f1c... --decision accept --reviewer ops
  reconciler reviews resolve --ledger matches.db --match 4f1c... --decision reject --reviewer ops`,
	PreRunE: validateReviewsResolveFlags,
	RunE:    runReviewsResolve,
}

func init() {
	rootCmd.AddCommand(reviewsCmd)
	reviewsCmd.AddCommand(reviewsListCmd)
	reviewsCmd.AddCommand(reviewsResolveCmd)

	reviewsCmd.PersistentFlags().StringVarP(&reviewsLedgerPath, "ledger", "l", "", "path to the SQLite match ledger (required)")

	reviewsListCmd.Flags().StringVarP(&reviewsTenant, "tenant", "t", "", "tenant whose review queue to list (required)")

	reviewsResolveCmd.Flags().StringVarP(&reviewMatchID, "match", "m", "", "match ID to resolve (required)")
	reviewsResolveCmd.Flags().StringVarP(&reviewDecision, "decision", "d", "", "review decision: accept or reject (required)")
	reviewsResolveCmd.Flags().StringVar(&reviewerID, "reviewer", "", "reviewer identifier recorded on the match (required)")
}

func validateReviewsListFlags(cmd *cobra.Command, args []string) error {
	if reviewsLedgerPath == "" {
		return fmt.Errorf("ledger path is required")
	}
	if reviewsTenant == "" {
		return fmt.Errorf("tenant is required")
	}
	return validateFileExists(reviewsLedgerPath, "ledger database")
}

func validateReviewsResolveFlags(cmd *cobra.Command, args []string) error {
	if reviewsLedgerPath == "" {
		return fmt.Errorf("ledger path is required")
	}
	if reviewMatchID == "" {
		return fmt.Errorf("match ID is required")
	}
	if reviewerID == "" {
		return fmt.Errorf("reviewer identifier is required")
	}
	switch strings.ToLower(reviewDecision) {
	case "accept", "reject":
	default:
		return fmt.Errorf("invalid decision '%s'. Valid decisions: accept, reject", reviewDecision)
	}
	return validateFileExists(reviewsLedgerPath, "ledger database")
}

func runReviewsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := logger.New(config.CreateLoggerConfig(viper.GetBool("verbose")))

	store, closeStore, err := config.OpenLedgerStore(reviewsLedgerPath)
	if err != nil {
		return err
	}
	defer closeStore()

	matchLedger := ledger.New(store, log)
	reviews, err := matchLedger.ListPendingReviews(ctx, reviewsTenant)
	if err != nil {
		return fmt.Errorf("failed to list pending reviews: %w", err)
	}

	if len(reviews) == 0 {
		fmt.Fprintf(os.Stdout, "No pending reviews for tenant %s.\n", reviewsTenant)
		return nil
	}

	fmt.Fprintf(os.Stdout, "Pending reviews for tenant %s (%d):\n\n", reviewsTenant, len(reviews))
	for i, match := range reviews {
		ids := make([]string, 0, len(match.Records))
		for _, ref := range match.Records {
			ids = append(ids, fmt.Sprintf("%s:%s (%s)", ref.SourceType, ref.RecordID, ref.Allocated.StringFixed(2)))
		}
		fmt.Fprintf(os.Stdout, "%d. %s\n", i+1, match.ID)
		fmt.Fprintf(os.Stdout, "   Layer: %s, Confidence: %.2f, Created: %s\n",
			match.Layer, match.Confidence, match.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(os.Stdout, "   Records: %s\n", strings.Join(ids, ", "))
		for _, reason := range match.Reasons {
			fmt.Fprintf(os.Stdout, "   - %s\n", reason)
		}
		fmt.Fprintf(os.Stdout, "\n")
	}

	return nil
}

func runReviewsResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := logger.New(config.CreateLoggerConfig(viper.GetBool("verbose")))

	store, closeStore, err := config.OpenLedgerStore(reviewsLedgerPath)
	if err != nil {
		return err
	}
	defer closeStore()

	matchLedger := ledger.New(store, log)

	decision := ledger.ReviewAccept
	if strings.ToLower(reviewDecision) == "reject" {
		decision = ledger.ReviewReject
	}

	match, err := matchLedger.ResolveReview(ctx, reviewMatchID, decision, reviewerID)
	if err != nil {
		return fmt.Errorf("failed to resolve review: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Match %s %s by %s.\n", match.ID, match.Status, reviewerID)
	fmt.Fprintf(os.Stdout, "Record statuses converge on the next reconcile run over this tenant.\n")
	return nil
}
