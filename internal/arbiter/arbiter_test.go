package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

var testDate = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

type stubOracle struct {
	fn    func(req Request) (Result, error)
	calls int
}

func (s *stubOracle) Arbitrate(_ context.Context, req Request) (Result, error) {
	s.calls++
	return s.fn(req)
}

func money(amount float64) models.Money {
	return models.Money{Amount: decimal.NewFromFloat(amount), Currency: "MXN", ExchangeRate: decimal.NewFromInt(1)}
}

func testRecord(id string) models.SourceRecord {
	return models.NewBankTransaction(id, "tenant-a", money(1000), testDate,
		models.Counterparty{TaxID: "XAXX010101000", Name: "ACME"}, "transfer", "", "")
}

func testCandidates() []Candidate {
	return []Candidate{
		{
			Record:  models.NewFiscalInvoice("F1", "tenant-a", "FID-1", money(1000), testDate, models.Counterparty{}, "invoice one"),
			Signals: Signals{HeuristicScore: 0.80},
		},
		{
			Record:  models.NewFiscalInvoice("F2", "tenant-a", "FID-2", money(1000), testDate, models.Counterparty{}, "invoice two"),
			Signals: Signals{HeuristicScore: 0.78},
		},
	}
}

func fastConfig() *Config {
	return &Config{Timeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func TestArbitrateEmptyCandidates(t *testing.T) {
	a := New(&stubOracle{}, fastConfig(), logger.NewNop())
	outcome := a.Arbitrate(context.Background(), testRecord("B1"), nil)
	if !outcome.Declined || outcome.Match != nil {
		t.Errorf("empty candidate set must decline, got %+v", outcome)
	}
}

func TestArbitrateNilOracleFallsBack(t *testing.T) {
	a := New(nil, fastConfig(), logger.NewNop())
	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if !outcome.OracleFailed {
		t.Error("nil oracle must report failure")
	}
	if outcome.Match == nil {
		t.Fatal("fallback must queue the best prior candidate for review")
	}
	if !outcome.Match.References("F1") {
		t.Error("fallback must reference the best-ranked candidate")
	}
	if !outcome.Match.RequiresReview || outcome.Match.Status != models.MatchPending {
		t.Error("fallback match must be pending and review-flagged")
	}
}

func TestArbitrateDecline(t *testing.T) {
	oracle := &stubOracle{fn: func(Request) (Result, error) {
		return Result{ChosenID: "", Rationale: "no plausible pairing"}, nil
	}}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if !outcome.Declined {
		t.Error("explicit decline must be a declined outcome")
	}
	if outcome.Match != nil {
		t.Error("a decline creates no match")
	}
}

func TestArbitrateChoiceCapsConfidence(t *testing.T) {
	oracle := &stubOracle{fn: func(Request) (Result, error) {
		return Result{ChosenID: "F2", Rationale: "memo wording matches", Confidence: 0.99}, nil
	}}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if outcome.Match == nil {
		t.Fatal("expected a match")
	}
	if !outcome.Match.References("F2") {
		t.Error("wrong candidate chosen")
	}
	if outcome.Match.Confidence != ConfidenceCeiling {
		t.Errorf("confidence = %f, want capped at %f", outcome.Match.Confidence, ConfidenceCeiling)
	}
	if !outcome.Match.RequiresReview {
		t.Error("oracle decisions are never autonomous")
	}
	if outcome.Match.Layer != models.Layer3LLM {
		t.Errorf("layer = %s, want %s", outcome.Match.Layer, models.Layer3LLM)
	}
}

func TestArbitrateUnknownChoiceFallsBack(t *testing.T) {
	oracle := &stubOracle{fn: func(Request) (Result, error) {
		return Result{ChosenID: "F9", Confidence: 0.8}, nil
	}}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if !outcome.OracleFailed || outcome.Match == nil {
		t.Fatal("choice outside the candidate set must fall back to review")
	}
	if !outcome.Match.References("F1") {
		t.Error("fallback must reference the best prior candidate")
	}
}

func TestArbitrateRetriesThenSucceeds(t *testing.T) {
	failures := 2
	oracle := &stubOracle{}
	oracle.fn = func(Request) (Result, error) {
		if failures > 0 {
			failures--
			return Result{}, apperrors.Transient(apperrors.CodeOracleUnavailable, "flaky")
		}
		return Result{ChosenID: "F1", Confidence: 0.8}, nil
	}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if outcome.OracleFailed || outcome.Match == nil {
		t.Fatalf("expected success after retries, got %+v", outcome)
	}
	if oracle.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", oracle.calls)
	}
}

func TestArbitrateExhaustedRetriesFallsBack(t *testing.T) {
	oracle := &stubOracle{fn: func(Request) (Result, error) {
		return Result{}, apperrors.Transient(apperrors.CodeOracleUnavailable, "down")
	}}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if !outcome.OracleFailed {
		t.Error("exhausted retries must report oracle failure")
	}
	if outcome.Match == nil || !outcome.Match.RequiresReview {
		t.Error("the record is never silently discarded: review fallback expected")
	}
	if oracle.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", oracle.calls)
	}
}

func TestArbitrateMalformedConfidenceRetried(t *testing.T) {
	oracle := &stubOracle{fn: func(Request) (Result, error) {
		return Result{ChosenID: "F1", Confidence: 1.5}, nil
	}}
	a := New(oracle, fastConfig(), logger.NewNop())

	outcome := a.Arbitrate(context.Background(), testRecord("B1"), testCandidates())
	if !outcome.OracleFailed {
		t.Error("persistently malformed responses must fall back")
	}
	if oracle.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", oracle.calls)
	}
}
