// Package allocation computes how amounts are split across the records of a
// match, including partial and many-to-many settlements (one invoice paid in
// several bank movements, or one movement covering several invoices).
//
// The source system kept allocated totals in sync through database triggers;
// here the recomputation is an explicit function invoked after every ledger
// write so the conservation invariant is directly unit-testable.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// Allocation is the portion of one record's total attributed to a match.
type Allocation struct {
	RecordID   string            `json:"record_id"`
	SourceType models.SourceType `json:"source_type"`
	Amount     decimal.Decimal   `json:"amount"`
}

// Allocate splits value between the primary record and its matched
// counterparts.
//
// For the 1:1 case the allocated amount is min(primary, match) on each side;
// any residual stays open on whichever side has leftover and surfaces as a
// partially_matched status. For N:1 and 1:N the matched side is allocated
// proportionally to each record's stated total, with an exact-fit correction:
// the last allocation (in record-ID order) absorbs the rounding remainder and
// is never negative.
//
// The result is deterministic for unchanged inputs: counterparts are
// processed in record-ID order.
func Allocate(primary models.SourceRecord, matched []models.SourceRecord) ([]Allocation, error) {
	if len(matched) == 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "allocation requires at least one matched record")
	}

	counterparts := make([]models.SourceRecord, len(matched))
	copy(counterparts, matched)
	sort.Slice(counterparts, func(i, j int) bool {
		return counterparts[i].RecordID() < counterparts[j].RecordID()
	})

	primaryTotal := primary.Money().Normalized()
	matchedTotal := decimal.Zero
	for _, rec := range counterparts {
		matchedTotal = matchedTotal.Add(rec.Money().Normalized())
	}
	if primaryTotal.LessThanOrEqual(decimal.Zero) || matchedTotal.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.Validation(apperrors.CodeInvalidRequest, "allocation requires positive amounts on both sides")
	}

	// Value moved by this match: the lesser of the two sides.
	settled := decimal.Min(primaryTotal, matchedTotal)

	allocations := make([]Allocation, 0, len(counterparts)+1)
	allocations = append(allocations, Allocation{
		RecordID:   primary.RecordID(),
		SourceType: primary.Source(),
		Amount:     settled,
	})

	remaining := settled
	for i, rec := range counterparts {
		var share decimal.Decimal
		if i == len(counterparts)-1 {
			// Exact-fit correction: the last allocation absorbs the
			// rounding remainder.
			share = remaining
		} else {
			share = rec.Money().Normalized().Div(matchedTotal).Mul(settled).Round(2)
			if share.GreaterThan(remaining) {
				share = remaining
			}
		}
		if share.IsNegative() {
			return nil, apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeConservationViolated,
				"negative allocation computed for record %s", rec.RecordID())
		}
		allocations = append(allocations, Allocation{
			RecordID:   rec.RecordID(),
			SourceType: rec.Source(),
			Amount:     share,
		})
		remaining = remaining.Sub(share)
	}

	if err := checkConservation(primary, allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

// ApplyToMatch writes the computed allocations into the match's record refs.
// Every referenced record must receive an allocation.
func ApplyToMatch(match *models.Match, allocations []Allocation) error {
	byRecord := make(map[string]decimal.Decimal, len(allocations))
	for _, alloc := range allocations {
		byRecord[alloc.RecordID] = alloc.Amount
	}
	for i := range match.Records {
		amount, ok := byRecord[match.Records[i].RecordID]
		if !ok {
			return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeUnexpected,
				"no allocation computed for record %s", match.Records[i].RecordID)
		}
		match.Records[i].Allocated = amount
	}
	return match.CheckConservation()
}

// checkConservation verifies that the primary side equals the counterpart
// side. A violation here is a programming error surfaced as fatal, never a
// retryable condition and never silently adjusted.
func checkConservation(primary models.SourceRecord, allocations []Allocation) error {
	var primarySide, matchedSide decimal.Decimal
	for _, alloc := range allocations {
		if alloc.RecordID == primary.RecordID() {
			primarySide = primarySide.Add(alloc.Amount)
		} else {
			matchedSide = matchedSide.Add(alloc.Amount)
		}
	}
	if primarySide.Sub(matchedSide).Abs().GreaterThan(models.AllocationEpsilon) {
		return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeConservationViolated,
			"allocation sides do not balance: primary=%s matched=%s",
			primarySide.String(), matchedSide.String())
	}
	return nil
}

// AllocatedTotal sums the record's allocations across non-superseded
// accepted matches.
func AllocatedTotal(recordID string, matches []*models.Match) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		if m.Status != models.MatchAccepted {
			continue
		}
		if ref, ok := m.RefFor(recordID); ok {
			total = total.Add(ref.Allocated)
		}
	}
	return total
}

// DeriveStatus maps a record's allocated total onto its lifecycle status.
func DeriveStatus(recordTotal, allocated decimal.Decimal) models.ReconStatus {
	switch {
	case allocated.LessThanOrEqual(decimal.Zero):
		return models.StatusUnmatched
	case recordTotal.Sub(allocated).Abs().LessThanOrEqual(models.AllocationEpsilon),
		allocated.GreaterThan(recordTotal):
		return models.StatusMatched
	default:
		return models.StatusPartiallyMatched
	}
}

// Recompute recalculates a record's allocated total and derived status from
// the full set of its matches. It rejects over-allocation beyond the
// rounding epsilon as a fatal consistency error instead of adjusting
// amounts.
func Recompute(rec models.SourceRecord, matches []*models.Match) (models.ReconStatus, error) {
	allocated := AllocatedTotal(rec.RecordID(), matches)
	total := rec.Money().Normalized()
	if allocated.Sub(total).GreaterThan(models.AllocationEpsilon) {
		return "", apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeOverAllocation,
			"record %s allocated %s exceeds total %s",
			rec.RecordID(), allocated.String(), total.String())
	}
	return DeriveStatus(total, allocated), nil
}
