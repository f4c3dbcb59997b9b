package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

var testCreated = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func pendingMatch(id string, requiresReview bool, created time.Time) *models.Match {
	return &models.Match{
		ID:             id,
		TenantID:       "tenant-a",
		Layer:          models.Layer1Heuristic,
		Confidence:     0.9,
		Reasons:        []string{"amount and date aligned"},
		Status:         models.MatchPending,
		RequiresReview: requiresReview,
		CreatedAt:      created,
		CreatedBy:      "system",
		Records: []models.RecordRef{
			{RecordID: "F-" + id, SourceType: models.SourceFiscalInvoice, Allocated: decimal.NewFromInt(100)},
			{RecordID: "B-" + id, SourceType: models.SourceBankTransaction, Allocated: decimal.NewFromInt(100)},
		},
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore(), logger.NewNop())
}

func TestAppendValidates(t *testing.T) {
	l := newTestLedger(t)
	bad := pendingMatch("m-1", false, testCreated)
	bad.Records = bad.Records[:1]

	if err := l.Append(context.Background(), bad); err == nil {
		t.Fatal("a match with a single record must not be appended")
	}
	if _, err := l.Get(context.Background(), "m-1"); err == nil {
		t.Error("rejected match must not be stored")
	}
}

func TestAppendAndQuery(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.Append(ctx, pendingMatch("m-1", false, testCreated)); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TenantID != "tenant-a" || len(got.Records) != 2 {
		t.Errorf("stored match = %+v", got)
	}

	matches, err := l.MatchesForRecord(ctx, "tenant-a", "F-m-1")
	if err != nil {
		t.Fatalf("matches for record: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("matches for F-m-1 = %d, want 1", len(matches))
	}

	if matches, _ := l.MatchesForRecord(ctx, "tenant-b", "F-m-1"); len(matches) != 0 {
		t.Error("tenant scoping leaked a match")
	}
}

func TestOpenMatchesExcludeResolved(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	keep := pendingMatch("m-keep", true, testCreated)
	drop := pendingMatch("m-drop", true, testCreated)
	drop.Records[0].RecordID = "F-shared"
	keep.Records[0].RecordID = "F-shared"
	if err := l.Append(ctx, keep); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, drop); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reject(ctx, "m-drop", "reviewer-1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	open, err := l.OpenMatchesForRecord(ctx, "tenant-a", "F-shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "m-keep" {
		t.Errorf("open matches = %+v, want only m-keep", open)
	}
}

func TestResolveReviewAccept(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-1", true, testCreated)); err != nil {
		t.Fatal(err)
	}

	resolved, err := l.ResolveReview(ctx, "m-1", ReviewAccept, "reviewer-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != models.MatchAccepted {
		t.Errorf("status = %s, want accepted", resolved.Status)
	}
	if resolved.ReviewedBy != "reviewer-1" || resolved.ReviewedAt.IsZero() {
		t.Error("review metadata not recorded")
	}

	stored, _ := l.Get(ctx, "m-1")
	if stored.Status != models.MatchAccepted {
		t.Error("resolution not persisted")
	}
}

func TestResolveReviewReject(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-1", true, testCreated)); err != nil {
		t.Fatal(err)
	}

	resolved, err := l.ResolveReview(ctx, "m-1", ReviewReject, "reviewer-1")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != models.MatchRejected {
		t.Errorf("status = %s, want rejected", resolved.Status)
	}
}

func TestResolveReviewUnknownDecision(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.ResolveReview(context.Background(), "m-1", ReviewDecision("maybe"), "r"); err == nil {
		t.Error("unknown decision must error")
	}
}

func TestDoubleResolveIsConsistencyError(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-1", true, testCreated)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Accept(ctx, "m-1", "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	_, err := l.Accept(ctx, "m-1", "reviewer-2")
	if err == nil {
		t.Fatal("second resolution must fail")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryConsistency) {
		t.Errorf("expected consistency category, got %v", err)
	}

	stored, _ := l.Get(ctx, "m-1")
	if stored.ReviewedBy != "reviewer-1" {
		t.Error("failed resolution must not overwrite the first reviewer")
	}
}

func TestSupersede(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-old", false, testCreated)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Accept(ctx, "m-old", "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	replacement := pendingMatch("m-new", true, testCreated.Add(time.Hour))
	if err := l.Supersede(ctx, "m-old", replacement); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	old, _ := l.Get(ctx, "m-old")
	if old.Status != models.MatchSuperseded || old.SupersededBy != "m-new" {
		t.Errorf("old match = status %s superseded_by %q", old.Status, old.SupersededBy)
	}
	if _, err := l.Get(ctx, "m-new"); err != nil {
		t.Errorf("replacement not appended: %v", err)
	}
}

func TestSupersedeRequiresAccepted(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-old", false, testCreated)); err != nil {
		t.Fatal(err)
	}

	err := l.Supersede(ctx, "m-old", pendingMatch("m-new", false, testCreated))
	if err == nil {
		t.Fatal("superseding a pending match must fail")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryConsistency) {
		t.Errorf("expected consistency category, got %v", err)
	}
}

func TestSupersedeIsAtomic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-old", false, testCreated)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Accept(ctx, "m-old", "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	// Replacement collides with an existing ID, so the insert half fails and
	// the status change must roll back with it.
	if err := l.Supersede(ctx, "m-old", pendingMatch("m-old", false, testCreated)); err == nil {
		t.Fatal("expected insert conflict")
	}
	old, _ := l.Get(ctx, "m-old")
	if old.Status != models.MatchAccepted {
		t.Errorf("old match status = %s after failed supersede, want accepted", old.Status)
	}
}

func TestAcceptWithGuardRollsBack(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Append(ctx, pendingMatch("m-1", true, testCreated)); err != nil {
		t.Fatal(err)
	}

	var sawPending bool
	_, err := l.AcceptWithGuard(ctx, "m-1", "reviewer-1", func(_ context.Context, _ Store, m *models.Match) error {
		sawPending = m.Status == models.MatchPending
		return apperrors.Consistency(apperrors.CodeOverAllocation, "would over-allocate")
	})
	if err == nil {
		t.Fatal("a failing guard must fail the accept")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryConsistency) {
		t.Errorf("expected consistency category, got %v", err)
	}
	if !sawPending {
		t.Error("guard must observe the match while it is still pending")
	}

	got, err := l.Get(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.MatchPending || got.ReviewedBy != "" {
		t.Errorf("match = %s/%q after failed accept, want pending and unreviewed", got.Status, got.ReviewedBy)
	}

	resolved, err := l.AcceptWithGuard(ctx, "m-1", "reviewer-1", func(context.Context, Store, *models.Match) error { return nil })
	if err != nil {
		t.Fatalf("accept with passing guard: %v", err)
	}
	if resolved.Status != models.MatchAccepted {
		t.Errorf("status = %s, want accepted", resolved.Status)
	}
}

func TestWithinTxReadsSeeStagedInserts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(s Store) error {
		if err := s.Insert(ctx, pendingMatch("m-1", true, testCreated)); err != nil {
			return err
		}
		forRecord, err := s.ForRecord(ctx, "tenant-a", "F-m-1")
		if err != nil {
			return err
		}
		if len(forRecord) != 1 {
			t.Errorf("in-tx ForRecord = %d matches, want the staged insert visible", len(forRecord))
		}
		reviews, err := s.PendingReviews(ctx, "tenant-a")
		if err != nil {
			return err
		}
		if len(reviews) != 1 {
			t.Errorf("in-tx PendingReviews = %d, want the staged insert visible", len(reviews))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := store.Get(ctx, "m-1"); err != nil {
		t.Errorf("staged insert must commit with the transaction: %v", err)
	}
}

func TestPendingReviewsFilterAndOrder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	newer := pendingMatch("m-newer", true, testCreated.Add(time.Hour))
	older := pendingMatch("m-older", true, testCreated)
	noReview := pendingMatch("m-auto", false, testCreated)
	foreign := pendingMatch("m-foreign", true, testCreated)
	foreign.TenantID = "tenant-b"

	for _, m := range []*models.Match{newer, older, noReview, foreign} {
		if err := l.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	resolved := pendingMatch("m-done", true, testCreated)
	if err := l.Append(ctx, resolved); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Accept(ctx, "m-done", "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	reviews, err := l.ListPendingReviews(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 2 {
		t.Fatalf("pending reviews = %d, want 2", len(reviews))
	}
	if reviews[0].ID != "m-older" || reviews[1].ID != "m-newer" {
		t.Errorf("order = [%s %s], want oldest first", reviews[0].ID, reviews[1].ID)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	l := New(store, logger.NewNop())
	ctx := context.Background()

	match := pendingMatch("m-1", true, testCreated)
	match.Records[0].Allocated = decimal.NewFromFloat(1234.56)
	match.Records[1].Allocated = decimal.NewFromFloat(1234.56)
	if err := l.Append(ctx, match); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Layer != models.Layer1Heuristic || got.Confidence != 0.9 || !got.RequiresReview {
		t.Errorf("round-tripped match = %+v", got)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != "amount and date aligned" {
		t.Errorf("reasons = %v", got.Reasons)
	}
	if !got.Records[0].Allocated.Equal(decimal.NewFromFloat(1234.56)) {
		t.Errorf("allocated = %s, want 1234.56", got.Records[0].Allocated)
	}

	reviews, err := l.ListPendingReviews(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 {
		t.Fatalf("pending reviews = %d, want 1", len(reviews))
	}

	if _, err := l.ResolveReview(ctx, "m-1", ReviewAccept, "reviewer-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	accepted, _ := l.Get(ctx, "m-1")
	if accepted.Status != models.MatchAccepted || accepted.ReviewedBy != "reviewer-1" {
		t.Errorf("resolved match = %+v", accepted)
	}
	if _, err := l.Accept(ctx, "m-1", "reviewer-2"); err == nil {
		t.Error("double accept must fail through the sqlite store too")
	}

	replacement := pendingMatch("m-2", true, testCreated.Add(time.Hour))
	if err := l.Supersede(ctx, "m-1", replacement); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	old, _ := l.Get(ctx, "m-1")
	if old.Status != models.MatchSuperseded || old.SupersededBy != "m-2" {
		t.Errorf("superseded match = %+v", old)
	}
}
