package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// Layer tags which pipeline stage produced a match. Each layer is
// progressively more expensive and less deterministic than the previous one.
type Layer string

const (
	Layer0Exact     Layer = "layer0_exact"
	Layer1Heuristic Layer = "layer1_heuristic"
	Layer2Semantic  Layer = "layer2_semantic"
	Layer3LLM       Layer = "layer3_llm"
)

// MatchStatus is the lifecycle status of a persisted match.
type MatchStatus string

const (
	MatchPending    MatchStatus = "pending"
	MatchAccepted   MatchStatus = "accepted"
	MatchRejected   MatchStatus = "rejected"
	MatchSuperseded MatchStatus = "superseded"
)

// IsValid checks if the match status is a known lifecycle state.
func (s MatchStatus) IsValid() bool {
	switch s {
	case MatchPending, MatchAccepted, MatchRejected, MatchSuperseded:
		return true
	}
	return false
}

// IsTerminal reports whether the match can still change state. Only pending
// matches accept review decisions; accepted matches can only be superseded.
func (s MatchStatus) IsTerminal() bool {
	return s == MatchRejected || s == MatchSuperseded
}

// AllocationEpsilon is the rounding tolerance, in base currency, applied to
// the conservation invariant and to over-allocation checks.
var AllocationEpsilon = decimal.NewFromFloat(0.01)

// RecordRef ties a source record into a match with the portion of the
// record's total attributed to this match.
type RecordRef struct {
	RecordID   string          `json:"record_id"`
	SourceType SourceType      `json:"source_type"`
	Allocated  decimal.Decimal `json:"allocated"`
}

// Match is the persisted unit of the match ledger: a decision that two or
// more source records (of at least two distinct source types) represent the
// same or related economic event.
type Match struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Layer      Layer       `json:"layer"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons,omitempty"`
	Status     MatchStatus `json:"status"`

	RequiresReview bool        `json:"requires_review"`
	Records        []RecordRef `json:"records"`

	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	ReviewedAt   time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy   string    `json:"reviewed_by,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
}

// RefFor returns the record reference for the given record ID.
func (m *Match) RefFor(recordID string) (RecordRef, bool) {
	for _, ref := range m.Records {
		if ref.RecordID == recordID {
			return ref, true
		}
	}
	return RecordRef{}, false
}

// References reports whether the match includes the given record.
func (m *Match) References(recordID string) bool {
	_, ok := m.RefFor(recordID)
	return ok
}

// SideTotals sums allocations grouped by source type.
func (m *Match) SideTotals() map[SourceType]decimal.Decimal {
	totals := make(map[SourceType]decimal.Decimal)
	for _, ref := range m.Records {
		totals[ref.SourceType] = totals[ref.SourceType].Add(ref.Allocated)
	}
	return totals
}

// Validate enforces the structural invariants of a match: at least two
// records from at least two distinct source types, confidence in [0,1],
// non-negative allocations, and conservation of value across sides.
func (m *Match) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "match ID is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "match tenant ID is required")
	}
	if len(m.Records) < 2 {
		return apperrors.Validation(apperrors.CodeInvalidRecord, "a match must reference at least two records")
	}
	types := make(map[SourceType]bool)
	seen := make(map[string]bool)
	for _, ref := range m.Records {
		if seen[ref.RecordID] {
			return apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRecord,
				"record %s referenced twice in one match", ref.RecordID)
		}
		seen[ref.RecordID] = true
		types[ref.SourceType] = true
		if ref.Allocated.IsNegative() {
			return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeOverAllocation,
				"negative allocation for record %s", ref.RecordID)
		}
	}
	if len(types) < 2 {
		return apperrors.Validation(apperrors.CodeInvalidRecord, "a match must span at least two source types")
	}
	if m.Confidence < 0.0 || m.Confidence > 1.0 {
		return apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRecord,
			"confidence %f outside [0,1]", m.Confidence)
	}
	if !m.Status.IsValid() {
		return apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRecord,
			"unknown match status %q", m.Status)
	}
	return m.CheckConservation()
}

// CheckConservation verifies that allocated value balances across the sides
// of the match within AllocationEpsilon. A violation is a fatal consistency
// error, never retryable.
func (m *Match) CheckConservation() error {
	totals := m.SideTotals()
	if len(totals) < 2 {
		return nil
	}
	sides := make([]SourceType, 0, len(totals))
	for st := range totals {
		sides = append(sides, st)
	}
	sort.Slice(sides, func(i, j int) bool { return sides[i] < sides[j] })

	first := totals[sides[0]]
	for _, st := range sides[1:] {
		if first.Sub(totals[st]).Abs().GreaterThan(AllocationEpsilon) {
			return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeConservationViolated,
				"allocation sides do not balance: %s=%s %s=%s",
				sides[0], first.String(), st, totals[st].String())
		}
	}
	return nil
}
