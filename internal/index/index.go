// Package index maintains queryable in-memory indexes over the unmatched
// records of each source type, bounding candidate generation without scanning
// the full unmatched population.
package index

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
)

// AmountTolerance expresses how far a candidate's normalized amount may
// deviate from the probe record's. Absolute and relative tolerance are both
// supported; when both are set the wider bound wins.
type AmountTolerance struct {
	Absolute decimal.Decimal
	Percent  float64 // 0.0 to 100.0
}

// Bounds computes the inclusive [min,max] normalized-amount window around
// the given amount.
func (t AmountTolerance) Bounds(amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	tol := t.Absolute
	if t.Percent > 0 {
		rel := amount.Abs().Mul(decimal.NewFromFloat(t.Percent / 100.0))
		if rel.GreaterThan(tol) {
			tol = rel
		}
	}
	return amount.Sub(tol), amount.Add(tol)
}

// FullScanThreshold is the record count below which a tenant's candidate
// lookup may fall back to a full scan instead of indexed access.
const FullScanThreshold = 200

// CandidateIndex indexes the records of one tenant for candidate lookup.
// It is read-shared across concurrent lookups; writes (Add) must be done
// before lookups begin or be externally serialized.
type CandidateIndex struct {
	tenant string

	byTaxID    map[string][]models.SourceRecord
	byDateKey  map[string][]models.SourceRecord
	amountsAsc []amountEntry
	all        []models.SourceRecord
}

type amountEntry struct {
	normalized decimal.Decimal
	record     models.SourceRecord
}

// New builds a candidate index over the given records. Records from other
// tenants are ignored so a lookup can never cross tenant boundaries.
func New(tenant string, records []models.SourceRecord) *CandidateIndex {
	idx := &CandidateIndex{
		tenant:    tenant,
		byTaxID:   make(map[string][]models.SourceRecord),
		byDateKey: make(map[string][]models.SourceRecord),
	}
	for _, rec := range records {
		idx.Add(rec)
	}
	return idx
}

// Add indexes a single record.
func (idx *CandidateIndex) Add(rec models.SourceRecord) {
	if rec.TenantID() != idx.tenant {
		return
	}
	idx.all = append(idx.all, rec)

	if taxID := rec.Party().TaxID; taxID != "" {
		idx.byTaxID[taxID] = append(idx.byTaxID[taxID], rec)
	}
	key := dateKey(rec.EventDate())
	idx.byDateKey[key] = append(idx.byDateKey[key], rec)

	entry := amountEntry{normalized: rec.Money().Normalized(), record: rec}
	pos := sort.Search(len(idx.amountsAsc), func(i int) bool {
		return idx.amountsAsc[i].normalized.GreaterThanOrEqual(entry.normalized)
	})
	idx.amountsAsc = append(idx.amountsAsc, amountEntry{})
	copy(idx.amountsAsc[pos+1:], idx.amountsAsc[pos:])
	idx.amountsAsc[pos] = entry
}

// Size returns the number of indexed records.
func (idx *CandidateIndex) Size() int {
	return len(idx.all)
}

// FindCandidates returns records of the other source types whose event date
// falls within +-windowDays of the probe's date and whose normalized amount
// is within tolerance, restricted to unmatched/partially_matched status.
//
// The result is deterministic for fixed inputs and stable index state:
// candidates are returned ordered by record ID. An empty list is a valid,
// non-error outcome.
func (idx *CandidateIndex) FindCandidates(rec models.SourceRecord, windowDays int, tolerance AmountTolerance) []models.SourceRecord {
	if windowDays < 0 {
		windowDays = 0
	}
	minAmount, maxAmount := tolerance.Bounds(rec.Money().Normalized())

	var pool []models.SourceRecord
	if len(idx.all) <= FullScanThreshold {
		pool = idx.all
	} else {
		pool = idx.amountRange(minAmount, maxAmount)
	}

	var out []models.SourceRecord
	for _, cand := range pool {
		if !idx.eligible(rec, cand, windowDays, minAmount, maxAmount) {
			continue
		}
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out
}

// FindByParty returns open records of other source types sharing the
// probe's counterparty tax ID within the date window, without any amount
// bound. The allocation-candidate path uses this to see split-settlement
// counterparts whose individual amounts fall outside the tolerance.
func (idx *CandidateIndex) FindByParty(rec models.SourceRecord, windowDays int) []models.SourceRecord {
	taxID := rec.Party().TaxID
	if taxID == "" {
		return nil
	}
	if windowDays < 0 {
		windowDays = 0
	}
	var out []models.SourceRecord
	for _, cand := range idx.byTaxID[taxID] {
		if cand.Source() == rec.Source() || cand.RecordID() == rec.RecordID() {
			continue
		}
		switch cand.Status() {
		case models.StatusUnmatched, models.StatusPartiallyMatched:
		default:
			continue
		}
		if !withinWindow(rec.EventDate(), cand.EventDate(), windowDays) {
			continue
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out
}

// Get returns the indexed record with the given ID.
func (idx *CandidateIndex) Get(recordID string) (models.SourceRecord, bool) {
	for _, rec := range idx.all {
		if rec.RecordID() == recordID {
			return rec, true
		}
	}
	return nil, false
}

func (idx *CandidateIndex) eligible(rec, cand models.SourceRecord, windowDays int, minAmount, maxAmount decimal.Decimal) bool {
	if cand.RecordID() == rec.RecordID() || cand.Source() == rec.Source() {
		return false
	}
	switch cand.Status() {
	case models.StatusUnmatched, models.StatusPartiallyMatched:
	default:
		return false
	}
	normalized := cand.Money().Normalized()
	if normalized.LessThan(minAmount) || normalized.GreaterThan(maxAmount) {
		return false
	}
	return withinWindow(rec.EventDate(), cand.EventDate(), windowDays)
}

// amountRange returns records whose normalized amount lies in [min,max],
// using binary search over the sorted amount index.
func (idx *CandidateIndex) amountRange(minAmount, maxAmount decimal.Decimal) []models.SourceRecord {
	start := sort.Search(len(idx.amountsAsc), func(i int) bool {
		return idx.amountsAsc[i].normalized.GreaterThanOrEqual(minAmount)
	})
	var out []models.SourceRecord
	for i := start; i < len(idx.amountsAsc); i++ {
		if idx.amountsAsc[i].normalized.GreaterThan(maxAmount) {
			break
		}
		out = append(out, idx.amountsAsc[i].record)
	}
	return out
}

func withinWindow(a, b time.Time, windowDays int) bool {
	da := truncateDay(a)
	db := truncateDay(b)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(windowDays)*24*time.Hour
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
