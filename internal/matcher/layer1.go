package matcher

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	"multisource-reconciliation-engine/internal/priors"
)

// multipleEpsilon is the relative tolerance used when deciding whether a
// candidate amount is a clean multiple or fraction of the record amount.
var multipleEpsilon = decimal.NewFromFloat(0.005)

// maxAllocationFactor bounds how large a clean multiple is still considered
// an allocation candidate (one invoice paid in up to this many movements).
const maxAllocationFactor = 12

// ScoredCandidate pairs a candidate with its Layer 1 score and the
// per-signal breakdown used for explanations and oracle escalation.
type ScoredCandidate struct {
	Candidate models.SourceRecord
	Score     float64

	AmountScore   float64
	DateScore     float64
	IdentityScore float64
}

// DecisionKind classifies the outcome of the Layer 1 decision policy.
type DecisionKind int

const (
	// DecisionAccept means exactly one candidate cleared the accept
	// threshold with a sufficient gap to the runner-up.
	DecisionAccept DecisionKind = iota

	// DecisionNoMatch means no candidate cleared the consider threshold;
	// the record stays unmatched and no match is created.
	DecisionNoMatch

	// DecisionEscalate means multiple close candidates or a best candidate
	// in the ambiguous band; the narrowed set goes to the semantic layer.
	DecisionEscalate

	// DecisionAllocate means a candidate looks like a partial-settlement
	// counterpart (clean multiple or fraction) and is routed to the
	// allocation path instead of being scored down.
	DecisionAllocate
)

// Decision is the result of running the Layer 1 policy over a candidate set.
type Decision struct {
	Kind DecisionKind

	// Accepted is set for DecisionAccept.
	Accepted *models.Match

	// Escalated holds the narrowed candidate set for DecisionEscalate,
	// bounded by MaxEscalation, best first.
	Escalated []ScoredCandidate

	// AllocationSet holds the allocation-path counterparts for
	// DecisionAllocate.
	AllocationSet []models.SourceRecord
}

// HeuristicMatcher is the Layer 1 scorer. The prior-knowledge provider is an
// explicit dependency that may bias identity scoring from confirmed history.
type HeuristicMatcher struct {
	config *MatchingConfig
	priors priors.Provider
}

// NewHeuristicMatcher creates a Layer 1 matcher. A nil provider disables
// prior-knowledge biasing.
func NewHeuristicMatcher(config *MatchingConfig, prior priors.Provider) *HeuristicMatcher {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if prior == nil {
		prior = priors.NopProvider{}
	}
	return &HeuristicMatcher{config: config, priors: prior}
}

// ScoreCandidates scores each candidate against the record, highest first.
// Candidates below the consider threshold are dropped. Ties are broken by
// record ID so the ordering is deterministic.
func (m *HeuristicMatcher) ScoreCandidates(rec models.SourceRecord, candidates []models.SourceRecord) []ScoredCandidate {
	var scored []ScoredCandidate
	for _, cand := range candidates {
		sc := m.score(rec, cand)
		if sc.Score >= m.config.ConsiderThreshold {
			scored = append(scored, sc)
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Candidate.RecordID() < scored[j].Candidate.RecordID()
	})
	return scored
}

// Decide applies the Layer 1 decision policy.
//
// An unambiguous high-confidence single match wins outright. Failing that,
// candidates whose amount is a clean multiple or clean fraction of the
// record's amount are likely partial settlements (advance plus final invoice,
// or one invoice paid in several movements) and are routed to the allocation
// path instead of being penalized for the amount mismatch.
func (m *HeuristicMatcher) Decide(rec models.SourceRecord, candidates []models.SourceRecord) Decision {
	scored := m.ScoreCandidates(rec, candidates)

	if len(scored) > 0 {
		best := scored[0]
		if best.Score >= m.config.AcceptThreshold {
			if len(scored) == 1 || best.Score-scored[1].Score >= m.config.Margin {
				return Decision{Kind: DecisionAccept, Accepted: m.buildMatch(rec, best)}
			}
		}
	}

	if allocSet := m.allocationCandidates(rec, candidates); len(allocSet) > 0 {
		return Decision{Kind: DecisionAllocate, AllocationSet: allocSet}
	}

	if len(scored) == 0 {
		return Decision{Kind: DecisionNoMatch}
	}

	escalated := scored
	if len(escalated) > m.config.MaxEscalation {
		escalated = escalated[:m.config.MaxEscalation]
	}
	return Decision{Kind: DecisionEscalate, Escalated: escalated}
}

func (m *HeuristicMatcher) score(rec, cand models.SourceRecord) ScoredCandidate {
	amount := m.amountScore(rec.Money().Normalized(), cand.Money().Normalized())
	date := m.dateScore(rec.EventDate(), cand.EventDate())
	identity := m.identityScore(rec, cand)

	w := m.config.Weights
	return ScoredCandidate{
		Candidate:     cand,
		Score:         amount*w.Amount + date*w.Date + identity*w.Identity,
		AmountScore:   amount,
		DateScore:     date,
		IdentityScore: identity,
	}
}

// amountScore is 1.0 at exact equality and decays linearly to 0 at the
// tolerance boundary.
func (m *HeuristicMatcher) amountScore(a, b decimal.Decimal) float64 {
	if a.Equal(b) {
		return 1.0
	}
	minBound, maxBound := m.config.Tolerance.Bounds(a)
	tol := maxBound.Sub(minBound).Div(decimal.NewFromInt(2))
	if tol.IsZero() {
		return 0.0
	}
	diff := a.Sub(b).Abs()
	if diff.GreaterThan(tol) {
		return 0.0
	}
	ratio, _ := diff.Div(tol).Float64()
	return 1.0 - ratio
}

// dateScore decays linearly from 1.0 at the same day to 0 at the window
// boundary.
func (m *HeuristicMatcher) dateScore(a, b time.Time) float64 {
	diff := truncateDay(a).Sub(truncateDay(b))
	if diff < 0 {
		diff = -diff
	}
	if m.config.WindowDays == 0 {
		if diff == 0 {
			return 1.0
		}
		return 0.0
	}
	window := m.config.WindowDuration()
	if diff > window {
		return 0.0
	}
	return 1.0 - float64(diff)/float64(window)
}

// identityScore is 1.0 on an exact tax-ID match, a fuzzy name similarity
// otherwise, and a neutral 0.5 when neither side carries identity. The
// prior-knowledge bias is additive and the result is clamped to [0,1].
func (m *HeuristicMatcher) identityScore(rec, cand models.SourceRecord) float64 {
	a, b := rec.Party(), cand.Party()

	var score float64
	switch {
	case a.TaxID != "" && b.TaxID != "":
		if strings.EqualFold(a.TaxID, b.TaxID) {
			score = 1.0
		} else {
			score = 0.0
		}
	case a.Name != "" && b.Name != "":
		score = nameSimilarity(a.Name, b.Name)
	default:
		score = 0.5
	}

	score += m.priors.IdentityBias(rec.TenantID(), cand.Party())
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}

// nameSimilarity maps Levenshtein edit distance onto [0,1] relative to the
// longer name.
func nameSimilarity(a, b string) float64 {
	na := normalizeName(a)
	nb := normalizeName(b)
	if na == "" || nb == "" {
		return 0.5
	}
	if na == nb {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0.0
	}
	sim := 1.0 - float64(dist)/float64(longest)
	if sim < 0 {
		return 0.0
	}
	return sim
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func normalizeName(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, suffix := range []string{" S.A. DE C.V.", " SA DE CV", " S.A.", " SA", " INC.", " INC", " LLC", " LTD"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.Join(strings.Fields(s), " ")
}

// allocationCandidates returns candidates whose amount is a clean integer
// multiple or fraction of the record's amount within multipleEpsilon,
// restricted to the same counterparty when identity is available on both
// sides. These are partial-settlement counterparts, not scoring failures.
func (m *HeuristicMatcher) allocationCandidates(rec models.SourceRecord, candidates []models.SourceRecord) []models.SourceRecord {
	recAmount := rec.Money().Normalized()
	if recAmount.IsZero() {
		return nil
	}

	var out []models.SourceRecord
	for _, cand := range candidates {
		candAmount := cand.Money().Normalized()
		if candAmount.IsZero() || candAmount.Equal(recAmount) {
			continue
		}
		if !sameIdentityIfKnown(rec, cand) {
			continue
		}
		if isCleanFactor(recAmount, candAmount) || isCleanFactor(candAmount, recAmount) {
			out = append(out, cand)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out
}

func sameIdentityIfKnown(rec, cand models.SourceRecord) bool {
	a, b := rec.Party(), cand.Party()
	if a.TaxID != "" && b.TaxID != "" {
		return strings.EqualFold(a.TaxID, b.TaxID)
	}
	return true
}

// isCleanFactor reports whether big is an integer multiple of small within
// the relative epsilon, for factors 2..maxAllocationFactor.
func isCleanFactor(big, small decimal.Decimal) bool {
	if big.LessThanOrEqual(small) {
		return false
	}
	ratio := big.Div(small)
	for factor := 2; factor <= maxAllocationFactor; factor++ {
		f := decimal.NewFromInt(int64(factor))
		if ratio.Sub(f).Abs().LessThanOrEqual(multipleEpsilon.Mul(f)) {
			return true
		}
	}
	return false
}

func (m *HeuristicMatcher) buildMatch(rec models.SourceRecord, best ScoredCandidate) *models.Match {
	return &models.Match{
		ID:         uuid.NewString(),
		TenantID:   rec.TenantID(),
		Layer:      models.Layer1Heuristic,
		Confidence: best.Score,
		Reasons: []string{
			fmt.Sprintf("amount score %.2f, date score %.2f, identity score %.2f",
				best.AmountScore, best.DateScore, best.IdentityScore),
		},
		Status: models.MatchPending,
		Records: []models.RecordRef{
			{RecordID: rec.RecordID(), SourceType: rec.Source()},
			{RecordID: best.Candidate.RecordID(), SourceType: best.Candidate.Source()},
		},
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}
}

// BuildAllocationMatch assembles a pending N-ary match between the record and
// its partial-settlement counterparts. The amount signal is taken as fully
// satisfied (the split itself is the amount evidence); date and identity are
// averaged over the counterparts so a split paid at the window edge or with a
// weaker identity still lands below the review line.
func (m *HeuristicMatcher) BuildAllocationMatch(rec models.SourceRecord, counterparts []models.SourceRecord) *models.Match {
	if len(counterparts) == 0 {
		return nil
	}

	var dateSum, identitySum float64
	for _, cand := range counterparts {
		dateSum += m.dateScore(rec.EventDate(), cand.EventDate())
		identitySum += m.identityScore(rec, cand)
	}
	n := float64(len(counterparts))
	avgDate := dateSum / n
	avgIdentity := identitySum / n

	w := m.config.Weights
	confidence := 1.0*w.Amount + avgDate*w.Date + avgIdentity*w.Identity

	records := []models.RecordRef{{RecordID: rec.RecordID(), SourceType: rec.Source()}}
	for _, cand := range counterparts {
		records = append(records, models.RecordRef{RecordID: cand.RecordID(), SourceType: cand.Source()})
	}

	return &models.Match{
		ID:         uuid.NewString(),
		TenantID:   rec.TenantID(),
		Layer:      models.Layer1Heuristic,
		Confidence: confidence,
		Reasons: []string{
			fmt.Sprintf("split settlement across %d counterparts, date score %.2f, identity score %.2f",
				len(counterparts), avgDate, avgIdentity),
		},
		Status:    models.MatchPending,
		Records:   records,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}
}
