// Package reconciler drives the reconciliation pipeline end to end for a
// batch of records: candidate lookup, Layers 0-3 with early exit on
// acceptance, allocation, and ledger writes.
//
// Batches from different tenants run in parallel; within one tenant all
// matching and ledger writes are strictly serial so allocations on the same
// records can never race.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"multisource-reconciliation-engine/internal/allocation"
	"multisource-reconciliation-engine/internal/arbiter"
	"multisource-reconciliation-engine/internal/index"
	"multisource-reconciliation-engine/internal/ledger"
	"multisource-reconciliation-engine/internal/matcher"
	"multisource-reconciliation-engine/internal/models"
	"multisource-reconciliation-engine/internal/priors"
	"multisource-reconciliation-engine/internal/semantic"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

// Orchestrator wires the matching layers, the allocation engine and the
// match ledger into the per-record pipeline.
type Orchestrator struct {
	config    *matcher.MatchingConfig
	exact     *matcher.ExactMatcher
	heuristic *matcher.HeuristicMatcher
	semantic  *semantic.Matcher
	arbiter   *arbiter.Arbiter
	ledger    *ledger.Ledger
	recorder  priors.Recorder
	log       logger.Logger
}

// Options carries the orchestrator's collaborators. Ledger and Config are
// required; Semantic and Arbiter may be nil, in which case their layers
// degrade exactly as if the external provider were unavailable. Recorder is
// optional prior-knowledge feedback.
type Options struct {
	Config   *matcher.MatchingConfig
	Priors   priors.Provider
	Recorder priors.Recorder
	Semantic *semantic.Matcher
	Arbiter  *arbiter.Arbiter
	Ledger   *ledger.Ledger
	Logger   logger.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Ledger == nil {
		return nil, apperrors.Validation(apperrors.CodeMissingField, "orchestrator requires a match ledger")
	}
	config := opts.Config
	if config == nil {
		config = matcher.DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryValidation, apperrors.CodeInvalidConfig, "invalid matching configuration")
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	arb := opts.Arbiter
	if arb == nil {
		arb = arbiter.New(nil, nil, log)
	}
	return &Orchestrator{
		config:    config,
		exact:     matcher.NewExactMatcher(),
		heuristic: matcher.NewHeuristicMatcher(config, opts.Priors),
		semantic:  opts.Semantic,
		arbiter:   arb,
		ledger:    opts.Ledger,
		recorder:  opts.Recorder,
		log:       log.WithComponent("orchestrator"),
	}, nil
}

// ReconcileAll groups records by tenant and reconciles the tenants in
// parallel, serially within each tenant. The returned map holds one report
// per tenant.
func (o *Orchestrator) ReconcileAll(ctx context.Context, records []models.SourceRecord) map[string]*Report {
	byTenant := make(map[string][]models.SourceRecord)
	for _, rec := range records {
		byTenant[rec.TenantID()] = append(byTenant[rec.TenantID()], rec)
	}

	reports := make(map[string]*Report, len(byTenant))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for tenant, tenantRecords := range byTenant {
		wg.Add(1)
		go func(tenant string, tenantRecords []models.SourceRecord) {
			defer wg.Done()
			report, err := o.ReconcileBatch(ctx, tenantRecords)
			if err != nil {
				report = newReport(tenant)
				report.recordError("", err)
			}
			mu.Lock()
			reports[tenant] = report
			mu.Unlock()
		}(tenant, tenantRecords)
	}
	wg.Wait()
	return reports
}

// ReconcileBatch reconciles one tenant's batch. Records are processed oldest
// event date first so older open items settle before newer ones; each record
// runs its full match-decide-allocate-write cycle before the next record
// starts.
//
// The batch is cancellable between records, never mid-record: on
// cancellation the already-committed matches stay intact and the report
// marks the remainder as skipped, safely resumable by re-invoking on the
// still-unmatched records.
func (o *Orchestrator) ReconcileBatch(ctx context.Context, records []models.SourceRecord) (*Report, error) {
	if len(records) == 0 {
		return newReport(""), nil
	}

	tenant := records[0].TenantID()
	report := newReport(tenant)
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	valid := make([]models.SourceRecord, 0, len(records))
	for _, rec := range records {
		if rec.TenantID() != tenant {
			return nil, apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRequest,
				"batch mixes tenants %s and %s", tenant, rec.TenantID())
		}
		if err := rec.Validate(); err != nil {
			report.recordError(rec.RecordID(), err)
			continue
		}
		valid = append(valid, rec)
	}

	// Pick up review decisions and earlier runs before matching anew. A
	// record whose ledger state is inconsistent is reported and dropped; it
	// never aborts the rest of the batch.
	refreshed := valid[:0]
	for _, rec := range valid {
		if err := o.RefreshStatuses(ctx, []models.SourceRecord{rec}); err != nil {
			report.recordError(rec.RecordID(), err)
			continue
		}
		refreshed = append(refreshed, rec)
	}
	valid = refreshed

	idx := index.New(tenant, valid)

	ordered := make([]models.SourceRecord, len(valid))
	copy(ordered, valid)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].EventDate().Equal(ordered[j].EventDate()) {
			return ordered[i].EventDate().Before(ordered[j].EventDate())
		}
		return ordered[i].RecordID() < ordered[j].RecordID()
	})

	for pos, rec := range ordered {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.Skipped += len(ordered) - pos
			o.log.WithField("tenant", tenant).Warn("batch cancelled, remaining records skipped")
			return report, nil
		}
		o.processRecord(ctx, idx, rec, report)
	}
	return report, nil
}

// processRecord runs Layers 0-3 for one record and commits the outcome.
// Failures are recorded on the report; they never propagate to the batch.
func (o *Orchestrator) processRecord(ctx context.Context, idx *index.CandidateIndex, rec models.SourceRecord, report *Report) {
	switch rec.Status() {
	case models.StatusUnmatched, models.StatusPartiallyMatched:
	default:
		report.Skipped++
		return
	}

	// Idempotence: a record with an open match from an earlier run is not
	// re-proposed.
	open, err := o.ledger.OpenMatchesForRecord(ctx, rec.TenantID(), rec.RecordID())
	if err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}
	if len(open) > 0 {
		report.Skipped++
		return
	}

	report.Processed++
	log := o.log.WithField("record", rec.RecordID())

	candidates := idx.FindCandidates(rec, o.config.WindowDays, o.config.Tolerance)
	partyCandidates := idx.FindByParty(rec, o.config.WindowDays)
	combined, err := o.withoutOpenMatches(ctx, mergeCandidates(candidates, partyCandidates))
	if err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}

	if len(combined) == 0 {
		report.Unmatched++
		return
	}

	// Layer 0: strong keys resolve without scoring.
	if match := o.exact.MatchExact(rec, combined); match != nil {
		o.commit(ctx, rec, match, idx, report, log)
		return
	}

	// Layer 1: weighted heuristic scoring.
	decision := o.heuristic.Decide(rec, combined)
	switch decision.Kind {
	case matcher.DecisionAccept:
		o.commit(ctx, rec, decision.Accepted, idx, report, log)
		return
	case matcher.DecisionNoMatch:
		report.Unmatched++
		return
	case matcher.DecisionAllocate:
		match, err := o.buildAllocationMatch(rec, decision.AllocationSet)
		if err != nil {
			report.recordError(rec.RecordID(), err)
			return
		}
		o.commit(ctx, rec, match, idx, report, log)
		return
	}

	// Layer 2: semantic disambiguation over the narrowed set.
	escalated := decision.Escalated
	var ranked []semantic.RankedCandidate
	if o.semantic != nil {
		semDecision, err := o.semantic.Decide(ctx, rec, escalated)
		switch {
		case err == nil && semDecision.Accepted != nil:
			o.commit(ctx, rec, semDecision.Accepted, idx, report, log)
			return
		case err == nil:
			ranked = semDecision.Ranked
		default:
			// Provider unavailable: degrade straight to arbitration,
			// never skip the record.
			log.WithError(err).Warn("semantic layer unavailable, degrading to arbitration")
		}
	}

	// Layer 3: arbitration oracle, then review fallback.
	outcome := o.arbiter.Arbitrate(ctx, rec, toArbiterCandidates(escalated, ranked))
	switch {
	case outcome.Declined:
		report.Declined++
		report.Unmatched++
	case outcome.Match != nil:
		o.commit(ctx, rec, outcome.Match, idx, report, log)
	default:
		report.Unmatched++
	}
}

// commit allocates, persists and applies one match decision as a single
// logical unit for the record. High-confidence matches without a review flag
// are accepted immediately; everything else stays pending for review.
func (o *Orchestrator) commit(ctx context.Context, rec models.SourceRecord, match *models.Match, idx *index.CandidateIndex, report *Report, log logger.Logger) {
	counterparts, err := o.resolveCounterparts(match, rec, idx)
	if err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}

	allocs, err := allocation.Allocate(rec, counterparts)
	if err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}
	if err := allocation.ApplyToMatch(match, allocs); err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}

	autoAccept := !match.RequiresReview &&
		match.Layer != models.Layer3LLM &&
		match.Confidence >= o.acceptFloor(match.Layer)
	if autoAccept {
		match.Status = models.MatchAccepted
	} else {
		match.Status = models.MatchPending
		match.RequiresReview = true
	}

	// Over-allocation is checked before the write so a violation leaves the
	// ledger untouched and the record in its prior status.
	involved := append([]models.SourceRecord{rec}, counterparts...)
	if match.Status == models.MatchAccepted {
		if err := o.checkAllocatable(ctx, involved, match); err != nil {
			report.recordError(rec.RecordID(), err)
			return
		}
	}

	if err := o.ledger.Append(ctx, match); err != nil {
		report.recordError(rec.RecordID(), err)
		return
	}

	if match.Status == models.MatchAccepted {
		if err := o.RefreshStatuses(ctx, involved); err != nil {
			report.recordError(rec.RecordID(), err)
			return
		}
		if o.recorder != nil {
			o.recorder.Observe(rec.TenantID(), rec.Party(), true)
		}
		report.Accepted++
		log.WithFields(logger.Fields{"match": match.ID, "layer": match.Layer, "confidence": match.Confidence}).
			Debug("match accepted")
		return
	}

	report.PendingReview++
	log.WithFields(logger.Fields{"match": match.ID, "layer": match.Layer}).Debug("match pending review")
}

// acceptFloor is the minimum confidence for automatic acceptance per layer.
// Layer 2 acceptance was already gated on its similarity floor and margin.
func (o *Orchestrator) acceptFloor(layer models.Layer) float64 {
	switch layer {
	case models.Layer0Exact:
		return matcher.ExactConfidence
	case models.Layer2Semantic:
		return 0.7
	default:
		return o.config.AcceptThreshold
	}
}

// checkAllocatable verifies the prospective allocations fit within each
// record's remaining unallocated amount.
func (o *Orchestrator) checkAllocatable(ctx context.Context, records []models.SourceRecord, match *models.Match) error {
	for _, rec := range records {
		ref, ok := match.RefFor(rec.RecordID())
		if !ok {
			continue
		}
		existing, err := o.ledger.MatchesForRecord(ctx, rec.TenantID(), rec.RecordID())
		if err != nil {
			return err
		}
		already := allocation.AllocatedTotal(rec.RecordID(), existing)
		total := rec.Money().Normalized()
		if already.Add(ref.Allocated).Sub(total).GreaterThan(models.AllocationEpsilon) {
			return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeOverAllocation,
				"accepting match %s would over-allocate record %s", match.ID, rec.RecordID())
		}
	}
	return nil
}

// allocationGuard verifies, against the acceptance transaction's view of the
// store, that the match being accepted keeps every supplied record within its
// total. The match itself is still pending in that view, so AllocatedTotal
// counts only the other accepted matches.
func (o *Orchestrator) allocationGuard(records []models.SourceRecord) ledger.AcceptGuard {
	return func(ctx context.Context, store ledger.Store, match *models.Match) error {
		for _, rec := range records {
			ref, ok := match.RefFor(rec.RecordID())
			if !ok {
				continue
			}
			existing, err := store.ForRecord(ctx, rec.TenantID(), rec.RecordID())
			if err != nil {
				return err
			}
			already := allocation.AllocatedTotal(rec.RecordID(), existing)
			total := rec.Money().Normalized()
			if already.Add(ref.Allocated).Sub(total).GreaterThan(models.AllocationEpsilon) {
				return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeOverAllocation,
					"accepting match %s would over-allocate record %s", match.ID, rec.RecordID())
			}
		}
		return nil
	}
}

// RefreshStatuses recomputes each record's allocated total and lifecycle
// status from the ledger. Supersession is the one path that may legally move
// a status backwards.
func (o *Orchestrator) RefreshStatuses(ctx context.Context, records []models.SourceRecord) error {
	for _, rec := range records {
		if rec.Status() == models.StatusExcluded {
			continue
		}
		matches, err := o.ledger.MatchesForRecord(ctx, rec.TenantID(), rec.RecordID())
		if err != nil {
			return err
		}
		status, err := allocation.Recompute(rec, matches)
		if err != nil {
			return err
		}
		if status != rec.Status() {
			rec.SetStatus(status)
		}
	}
	return nil
}

// ResolveReview applies a reviewer decision and, when record state is
// supplied, immediately recomputes the affected statuses. Without records
// the statuses converge on the next batch run.
//
// An accept is guarded inside the ledger transaction: if it would push any
// supplied record past its total, the resolution rolls back in full and the
// match stays pending.
func (o *Orchestrator) ResolveReview(ctx context.Context, matchID string, decision ledger.ReviewDecision, reviewerID string, records []models.SourceRecord) (*models.Match, error) {
	var match *models.Match
	var err error
	if decision == ledger.ReviewAccept && len(records) > 0 {
		match, err = o.ledger.AcceptWithGuard(ctx, matchID, reviewerID, o.allocationGuard(records))
	} else {
		match, err = o.ledger.ResolveReview(ctx, matchID, decision, reviewerID)
	}
	if err != nil {
		return nil, err
	}
	if o.recorder != nil {
		for _, rec := range records {
			if match.References(rec.RecordID()) {
				o.recorder.Observe(match.TenantID, rec.Party(), decision == ledger.ReviewAccept)
				break
			}
		}
	}
	if len(records) > 0 {
		if err := o.RefreshStatuses(ctx, records); err != nil {
			return nil, err
		}
	}
	return match, nil
}

// Supersede atomically replaces an accepted match with a corrected one and
// recomputes the affected records' allocations. No intermediate state with
// double-counted or negative-remaining allocation becomes visible.
func (o *Orchestrator) Supersede(ctx context.Context, oldID string, replacement *models.Match, records []models.SourceRecord) error {
	if err := o.ledger.Supersede(ctx, oldID, replacement); err != nil {
		return err
	}
	return o.RefreshStatuses(ctx, records)
}

// buildAllocationMatch builds the partial-settlement match for the
// allocation-candidate path: one record settled by several counterparts (or
// a counterpart covering part of the record).
func (o *Orchestrator) buildAllocationMatch(rec models.SourceRecord, counterparts []models.SourceRecord) (*models.Match, error) {
	if len(counterparts) == 0 {
		return nil, apperrors.Internal(apperrors.CodeUnexpected, "allocation decision without counterparts")
	}
	return o.heuristic.BuildAllocationMatch(rec, counterparts), nil
}

func (o *Orchestrator) resolveCounterparts(match *models.Match, rec models.SourceRecord, idx *index.CandidateIndex) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	for _, ref := range match.Records {
		if ref.RecordID == rec.RecordID() {
			continue
		}
		counterpart, ok := idx.Get(ref.RecordID)
		if !ok {
			return nil, apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeUnexpected,
				"match %s references unknown record %s", match.ID, ref.RecordID)
		}
		out = append(out, counterpart)
	}
	return out, nil
}

// withoutOpenMatches drops candidates with a pending proposal, so a later
// record in the batch cannot compete for a counterpart an earlier record just
// sent to review. Accepted partial allocations do not exclude a candidate;
// its remaining amount is still matchable.
func (o *Orchestrator) withoutOpenMatches(ctx context.Context, candidates []models.SourceRecord) ([]models.SourceRecord, error) {
	out := candidates[:0]
	for _, cand := range candidates {
		open, err := o.ledger.OpenMatchesForRecord(ctx, cand.TenantID(), cand.RecordID())
		if err != nil {
			return nil, err
		}
		pending := false
		for _, m := range open {
			if m.Status == models.MatchPending {
				pending = true
				break
			}
		}
		if !pending {
			out = append(out, cand)
		}
	}
	return out, nil
}

func mergeCandidates(a, b []models.SourceRecord) []models.SourceRecord {
	seen := make(map[string]bool, len(a))
	out := make([]models.SourceRecord, 0, len(a)+len(b))
	for _, rec := range a {
		seen[rec.RecordID()] = true
		out = append(out, rec)
	}
	for _, rec := range b {
		if !seen[rec.RecordID()] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out
}

func toArbiterCandidates(escalated []matcher.ScoredCandidate, ranked []semantic.RankedCandidate) []arbiter.Candidate {
	if len(ranked) > 0 {
		out := make([]arbiter.Candidate, 0, len(ranked))
		for _, rc := range ranked {
			out = append(out, arbiter.Candidate{
				Record: rc.Scored.Candidate,
				Signals: arbiter.Signals{
					HeuristicScore: rc.Scored.Score,
					AmountScore:    rc.Scored.AmountScore,
					DateScore:      rc.Scored.DateScore,
					IdentityScore:  rc.Scored.IdentityScore,
					Similarity:     rc.Similarity,
				},
			})
		}
		return out
	}
	out := make([]arbiter.Candidate, 0, len(escalated))
	for _, sc := range escalated {
		out = append(out, arbiter.Candidate{
			Record: sc.Candidate,
			Signals: arbiter.Signals{
				HeuristicScore: sc.Score,
				AmountScore:    sc.AmountScore,
				DateScore:      sc.DateScore,
				IdentityScore:  sc.IdentityScore,
			},
		})
	}
	return out
}
