package matcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"multisource-reconciliation-engine/internal/models"
)

// Exact-key confidence levels. A clean single hit on a strong key is fully
// trusted; duplicate key hits are a data anomaly and must never be silently
// over-trusted downstream.
const (
	ExactConfidence        = 1.00
	AnomalousKeyConfidence = 0.60
)

// ExactMatcher resolves matches where a strong shared key exists: the fiscal
// document identifier appearing in a bank transaction's memo or reference,
// or an expense record carrying an upstream-asserted invoice link.
type ExactMatcher struct{}

// NewExactMatcher creates a Layer 0 matcher.
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{}
}

// MatchExact returns a match when rec shares a strong key with exactly one
// candidate, or an anomaly-flagged match when several candidates share the
// key. Returns nil when no candidate carries the key.
//
// Tie-break on duplicate keys: the candidate with the closest normalized
// amount wins, confidence drops to AnomalousKeyConfidence and the match is
// flagged for review regardless of the key hit.
func (m *ExactMatcher) MatchExact(rec models.SourceRecord, candidates []models.SourceRecord) *models.Match {
	var hits []models.SourceRecord
	var reason string

	for _, cand := range candidates {
		if key := sharedKey(rec, cand); key != "" {
			hits = append(hits, cand)
			reason = key
		}
	}

	if len(hits) == 0 {
		return nil
	}

	chosen := hits[0]
	confidence := ExactConfidence
	review := false
	reasons := []string{reason}

	if len(hits) > 1 {
		chosen = closestAmount(rec, hits)
		confidence = AnomalousKeyConfidence
		review = true
		reasons = append(reasons, fmt.Sprintf("duplicate strong key across %d candidates, chose closest amount", len(hits)))
	}

	return &models.Match{
		ID:             uuid.NewString(),
		TenantID:       rec.TenantID(),
		Layer:          models.Layer0Exact,
		Confidence:     confidence,
		Reasons:        reasons,
		Status:         models.MatchPending,
		RequiresReview: review,
		Records: []models.RecordRef{
			{RecordID: rec.RecordID(), SourceType: rec.Source()},
			{RecordID: chosen.RecordID(), SourceType: chosen.Source()},
		},
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}
}

// sharedKey reports the strong key linking the two records, or "" when none
// exists. The pairing is direction-agnostic.
func sharedKey(a, b models.SourceRecord) string {
	if key := strongKeyBetween(a, b); key != "" {
		return key
	}
	return strongKeyBetween(b, a)
}

func strongKeyBetween(a, b models.SourceRecord) string {
	invoice, ok := a.(*models.FiscalInvoice)
	if !ok {
		return ""
	}
	fiscalID := strings.TrimSpace(invoice.FiscalID)
	if fiscalID == "" {
		return ""
	}

	switch other := b.(type) {
	case *models.BankTransaction:
		if containsToken(other.Memo, fiscalID) || strings.EqualFold(strings.TrimSpace(other.Reference), fiscalID) {
			return "fiscal ID " + fiscalID + " referenced by bank transaction"
		}
	case *models.ExpenseRecord:
		if strings.EqualFold(strings.TrimSpace(other.InvoiceRef), fiscalID) {
			return "expense carries invoice reference " + fiscalID
		}
	}
	return ""
}

// containsToken performs a case-insensitive whole-token search so short
// fiscal IDs do not match inside longer unrelated identifiers.
func containsToken(text, token string) bool {
	if text == "" || token == "" {
		return false
	}
	upper := strings.ToUpper(text)
	target := strings.ToUpper(token)
	for _, field := range strings.FieldsFunc(upper, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';' || r == ':' || r == '/'
	}) {
		if field == target {
			return true
		}
	}
	return false
}

func closestAmount(rec models.SourceRecord, hits []models.SourceRecord) models.SourceRecord {
	target := rec.Money().Normalized()
	best := hits[0]
	bestDiff := best.Money().Normalized().Sub(target).Abs()
	for _, cand := range hits[1:] {
		diff := cand.Money().Normalized().Sub(target).Abs()
		if diff.LessThan(bestDiff) || (diff.Equal(bestDiff) && cand.RecordID() < best.RecordID()) {
			best = cand
			bestDiff = diff
		}
	}
	return best
}
