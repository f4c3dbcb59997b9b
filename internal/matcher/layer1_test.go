package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/index"
	"multisource-reconciliation-engine/internal/models"
	"multisource-reconciliation-engine/internal/priors"
)

func testConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.Tolerance = index.AmountTolerance{Absolute: decimal.NewFromInt(10)}
	return config
}

func bankTx(id string, amount float64, date time.Time) *models.BankTransaction {
	return models.NewBankTransaction(id, "tenant-a", money(amount), date, testParty, "transfer "+id, "", "")
}

func TestScoreCandidates(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 1000, testDate)

	exact := bankTx("B1", 1000, testDate)
	close := bankTx("B2", 1005, testDate)
	far := bankTx("B3", 5000, testDate.AddDate(0, 0, 10)) // below consider, dropped

	scored := m.ScoreCandidates(inv, []models.SourceRecord{far, close, exact})
	if len(scored) != 2 {
		t.Fatalf("expected 2 candidates above the consider threshold, got %d", len(scored))
	}
	if scored[0].Candidate.RecordID() != "B1" {
		t.Errorf("best candidate = %s, want B1", scored[0].Candidate.RecordID())
	}
	if scored[0].Score != 1.0 {
		t.Errorf("exact candidate score = %f, want 1.0", scored[0].Score)
	}
	// B2: amount decays to 0.5 at half the tolerance, date and identity full.
	if got := scored[1].Score; got < 0.74 || got > 0.76 {
		t.Errorf("close candidate score = %f, want 0.75", got)
	}
}

func TestDecideAccept(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 1000, testDate)
	tx := bankTx("B1", 1000, testDate)

	decision := m.Decide(inv, []models.SourceRecord{tx})
	if decision.Kind != DecisionAccept {
		t.Fatalf("kind = %v, want DecisionAccept", decision.Kind)
	}
	match := decision.Accepted
	if match == nil || match.Confidence != 1.0 {
		t.Fatalf("accepted match = %+v", match)
	}
	if match.Layer != models.Layer1Heuristic || match.Status != models.MatchPending {
		t.Errorf("layer=%s status=%s", match.Layer, match.Status)
	}
}

func TestDecideEscalateOnNarrowMargin(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 1000, testDate)
	a := bankTx("B1", 1000, testDate)
	b := bankTx("B2", 1000, testDate)

	decision := m.Decide(inv, []models.SourceRecord{a, b})
	if decision.Kind != DecisionEscalate {
		t.Fatalf("kind = %v, want DecisionEscalate", decision.Kind)
	}
	if len(decision.Escalated) != 2 {
		t.Errorf("escalated = %d candidates, want 2", len(decision.Escalated))
	}
}

func TestDecideEscalateAmbiguousBand(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 1000, testDate)
	tx := bankTx("B1", 1005, testDate) // score 0.75: above consider, below accept

	decision := m.Decide(inv, []models.SourceRecord{tx})
	if decision.Kind != DecisionEscalate {
		t.Fatalf("kind = %v, want DecisionEscalate", decision.Kind)
	}
}

func TestDecideNoMatch(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 1000, testDate)
	tx := bankTx("B1", 5417, testDate.AddDate(0, 0, 10))

	decision := m.Decide(inv, []models.SourceRecord{tx})
	if decision.Kind != DecisionNoMatch {
		t.Fatalf("kind = %v, want DecisionNoMatch", decision.Kind)
	}
}

func TestDecideEscalationBounded(t *testing.T) {
	config := testConfig()
	config.MaxEscalation = 3
	m := NewHeuristicMatcher(config, nil)
	inv := invoice("F1", "FID-1", 1000, testDate)

	candidates := []models.SourceRecord{
		bankTx("B1", 1000, testDate),
		bankTx("B2", 1000, testDate),
		bankTx("B3", 1000, testDate),
		bankTx("B4", 1000, testDate),
		bankTx("B5", 1000, testDate),
	}
	decision := m.Decide(inv, candidates)
	if decision.Kind != DecisionEscalate {
		t.Fatalf("kind = %v, want DecisionEscalate", decision.Kind)
	}
	if len(decision.Escalated) != 3 {
		t.Errorf("escalated = %d, want MaxEscalation (3)", len(decision.Escalated))
	}
}

func TestDecideAllocationCandidates(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 3000, testDate)
	half1 := bankTx("B1", 1500, testDate)
	half2 := bankTx("B2", 1500, testDate)

	decision := m.Decide(inv, []models.SourceRecord{half2, half1})
	if decision.Kind != DecisionAllocate {
		t.Fatalf("kind = %v, want DecisionAllocate", decision.Kind)
	}
	if len(decision.AllocationSet) != 2 {
		t.Fatalf("allocation set = %d, want 2", len(decision.AllocationSet))
	}
	if decision.AllocationSet[0].RecordID() != "B1" {
		t.Error("allocation set must be ordered by record ID")
	}
}

func TestDecidePrefersExactOverAllocation(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 3000, testDate)
	exact := bankTx("B1", 3000, testDate)
	half := bankTx("B2", 1500, testDate)

	decision := m.Decide(inv, []models.SourceRecord{exact, half})
	if decision.Kind != DecisionAccept {
		t.Fatalf("kind = %v, want DecisionAccept when an unambiguous exact-amount candidate exists", decision.Kind)
	}
	if !decision.Accepted.References("B1") {
		t.Error("expected the exact-amount candidate to win")
	}
}

func TestAllocationCandidatesRequireSameIdentity(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 3000, testDate)
	other := models.NewBankTransaction("B1", "tenant-a", money(1500), testDate,
		models.Counterparty{TaxID: "ZZZ990101ZZZ"}, "", "", "")

	decision := m.Decide(inv, []models.SourceRecord{other})
	if decision.Kind == DecisionAllocate {
		t.Error("clean fraction from a different counterparty must not enter the allocation path")
	}
}

func TestIsCleanFactor(t *testing.T) {
	tests := []struct {
		big, small float64
		want       bool
	}{
		{3000, 1500, true},
		{3000, 1000, true},
		{36000, 3000, true}, // factor 12
		{3000, 1700, false},
		{3000, 130, false}, // factor beyond the bound
		{1500, 3000, false},
	}
	for _, tt := range tests {
		got := isCleanFactor(decimal.NewFromFloat(tt.big), decimal.NewFromFloat(tt.small))
		if got != tt.want {
			t.Errorf("isCleanFactor(%v, %v) = %v, want %v", tt.big, tt.small, got, tt.want)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"ACME SA DE CV", "ACME", 1.0, 1.0},
		{"Acme  S.A.", "ACME", 1.0, 1.0},
		{"ACME", "ACMF", 0.7, 0.8},
		{"ACME", "ZENITH CORP", 0.0, 0.3},
		{"", "ACME", 0.5, 0.5},
	}
	for _, tt := range tests {
		got := nameSimilarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("nameSimilarity(%q, %q) = %f, want in [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestIdentityScoreWithPriors(t *testing.T) {
	prior := priors.NewMemoryProvider()
	prior.Observe("tenant-a", testParty, false)
	m := NewHeuristicMatcher(testConfig(), prior)

	inv := invoice("F1", "FID-1", 1000, testDate)
	tx := bankTx("B1", 1000, testDate)

	scored := m.ScoreCandidates(inv, []models.SourceRecord{tx})
	if len(scored) != 1 {
		t.Fatal("expected one scored candidate")
	}
	// Exact tax-ID identity of 1.0 pulled down by the full negative bias.
	if got := scored[0].IdentityScore; got < 0.89 || got > 0.91 {
		t.Errorf("identity score with negative prior = %f, want 0.90", got)
	}
}

func TestBuildAllocationMatch(t *testing.T) {
	m := NewHeuristicMatcher(testConfig(), nil)
	inv := invoice("F1", "FID-1", 3000, testDate)
	counterparts := []models.SourceRecord{
		bankTx("B1", 1500, testDate),
		bankTx("B2", 1500, testDate),
	}

	match := m.BuildAllocationMatch(inv, counterparts)
	if match == nil {
		t.Fatal("expected a match")
	}
	if len(match.Records) != 3 {
		t.Errorf("records = %d, want 3", len(match.Records))
	}
	if match.Layer != models.Layer1Heuristic || match.Status != models.MatchPending {
		t.Errorf("layer=%s status=%s", match.Layer, match.Status)
	}
	// Same-day, same-party split: all signals at full strength.
	if match.Confidence < 0.99 {
		t.Errorf("confidence = %f, want ~1.0", match.Confidence)
	}

	if m.BuildAllocationMatch(inv, nil) != nil {
		t.Error("no counterparts must yield no match")
	}
}
