// Package arbiter implements Layer 3 of the matching pipeline: final-resort
// disambiguation through an external reasoning oracle.
//
// The oracle is a black box (in production an LLM-backed service) that is
// handed the record summary and the surviving candidates with their computed
// signals, and returns a ranked choice with a rationale or explicitly
// declines. The engine never assumes identical answers across retries and
// never lets an oracle decision become fully autonomous: every Layer 3 match
// is flagged for human review.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

// ConfidenceCeiling is the hard cap applied to oracle-stated confidence.
// It sits below the auto-accept threshold of the earlier layers so a
// model-driven decision always carries accountability.
const ConfidenceCeiling = 0.90

// Signals carries the per-candidate evidence computed by the earlier layers.
type Signals struct {
	HeuristicScore float64 `json:"heuristic_score"`
	AmountScore    float64 `json:"amount_score"`
	DateScore      float64 `json:"date_score"`
	IdentityScore  float64 `json:"identity_score"`
	Similarity     float64 `json:"similarity,omitempty"`
}

// Candidate is one surviving candidate with its signals, ranked best first
// in the request.
type Candidate struct {
	Record  models.SourceRecord
	Signals Signals
}

// Request is the payload handed to the oracle.
type Request struct {
	RecordSummary string      `json:"record_summary"`
	Candidates    []Candidate `json:"-"`
}

// Result is the oracle's answer. An empty ChosenID is an explicit decline.
type Result struct {
	ChosenID   string  `json:"chosen_id"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// Oracle is the boundary to the external disambiguation capability.
type Oracle interface {
	Arbitrate(ctx context.Context, req Request) (Result, error)
}

// Config holds the Layer 3 call parameters.
type Config struct {
	// Timeout bounds a single oracle call. The ledger is never locked
	// while waiting.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// RetryBackoff is the base delay between attempts.
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

// DefaultConfig returns the documented Layer 3 defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Outcome is the Layer 3 result handed back to the orchestrator.
type Outcome struct {
	// Match is the pending, review-flagged match. Nil when the oracle
	// declined, or when it failed and no fallback candidate existed.
	Match *models.Match

	// Declined is true when the oracle explicitly chose no candidate.
	// This is a normal, non-error batch outcome.
	Declined bool

	// OracleFailed is true when retries were exhausted and the outcome is
	// the review fallback rather than an oracle decision.
	OracleFailed bool
}

// Arbiter drives the oracle with bounded retries and produces review-flagged
// matches.
type Arbiter struct {
	oracle Oracle
	config *Config
	log    logger.Logger
}

// New creates a Layer 3 arbiter.
func New(oracle Oracle, config *Config, log logger.Logger) *Arbiter {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Arbiter{oracle: oracle, config: config, log: log.WithComponent("arbiter")}
}

// Arbitrate asks the oracle to pick among the candidates (best-ranked
// first). Failure semantics: after MaxRetries the engine falls back to a
// pending, review-flagged match referencing the best prior candidate — the
// record is never silently discarded.
func (a *Arbiter) Arbitrate(ctx context.Context, rec models.SourceRecord, candidates []Candidate) Outcome {
	if len(candidates) == 0 {
		return Outcome{Declined: true}
	}
	if a.oracle == nil {
		return a.fallback(rec, candidates, "no arbitration oracle configured")
	}

	req := Request{
		RecordSummary: summarize(rec),
		Candidates:    candidates,
	}

	result, err := a.callWithRetry(ctx, req)
	if err != nil {
		a.log.WithError(err).WithField("record", rec.RecordID()).Warn("arbitration oracle unavailable, falling back to review")
		return a.fallback(rec, candidates, "oracle unavailable: "+err.Error())
	}

	if result.ChosenID == "" {
		return Outcome{Declined: true}
	}

	chosen, ok := findCandidate(candidates, result.ChosenID)
	if !ok {
		// A choice outside the offered set is a malformed response.
		a.log.WithField("chosen", result.ChosenID).Warn("oracle chose a record outside the candidate set")
		return a.fallback(rec, candidates, "oracle returned unknown candidate "+result.ChosenID)
	}

	confidence := result.Confidence
	if confidence > ConfidenceCeiling {
		confidence = ConfidenceCeiling
	}
	if confidence < 0 {
		confidence = 0
	}

	return Outcome{Match: &models.Match{
		ID:         uuid.NewString(),
		TenantID:   rec.TenantID(),
		Layer:      models.Layer3LLM,
		Confidence: confidence,
		Reasons:    []string{"arbitration: " + result.Rationale},
		Status:     models.MatchPending,
		// Accountability for model-driven decisions: review is mandatory
		// even when the oracle states high confidence.
		RequiresReview: true,
		Records: []models.RecordRef{
			{RecordID: rec.RecordID(), SourceType: rec.Source()},
			{RecordID: chosen.Record.RecordID(), SourceType: chosen.Record.Source()},
		},
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}}
}

func (a *Arbiter) callWithRetry(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, apperrors.Wrap(ctx.Err(), apperrors.CategoryTransient, apperrors.CodeOracleTimeout, "arbitration cancelled")
			case <-time.After(a.config.RetryBackoff * time.Duration(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		result, err := a.oracle.Arbitrate(callCtx, req)
		cancel()
		if err == nil {
			if result.Confidence < 0 || result.Confidence > 1 {
				lastErr = apperrors.Newf(apperrors.CategoryTransient, apperrors.CodeOracleMalformed,
					"oracle confidence %f outside [0,1]", result.Confidence)
				continue
			}
			return result, nil
		}
		lastErr = err
	}
	return Result{}, apperrors.Wrap(lastErr, apperrors.CategoryTransient, apperrors.CodeOracleUnavailable,
		"arbitration oracle failed after retries")
}

// fallback builds the review-path outcome used when the oracle cannot
// decide: a pending match on the single best prior candidate.
func (a *Arbiter) fallback(rec models.SourceRecord, candidates []Candidate, reason string) Outcome {
	best := candidates[0]
	return Outcome{
		OracleFailed: true,
		Match: &models.Match{
			ID:             uuid.NewString(),
			TenantID:       rec.TenantID(),
			Layer:          models.Layer3LLM,
			Confidence:     best.Signals.HeuristicScore,
			Reasons:        []string{reason, "best prior candidate queued for review"},
			Status:         models.MatchPending,
			RequiresReview: true,
			Records: []models.RecordRef{
				{RecordID: rec.RecordID(), SourceType: rec.Source()},
				{RecordID: best.Record.RecordID(), SourceType: best.Record.Source()},
			},
			CreatedAt: time.Now().UTC(),
			CreatedBy: "engine",
		},
	}
}

func findCandidate(candidates []Candidate, recordID string) (Candidate, bool) {
	for _, c := range candidates {
		if c.Record.RecordID() == recordID {
			return c, true
		}
	}
	return Candidate{}, false
}

func summarize(rec models.SourceRecord) string {
	return fmt.Sprintf("%s %s: %s %s on %s, counterparty %q, %q",
		rec.Source(), rec.RecordID(),
		rec.Money().Amount.StringFixed(2), rec.Money().Currency,
		rec.EventDate().Format("2006-01-02"),
		rec.Party().Name, rec.Text())
}
