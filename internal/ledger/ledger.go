// Package ledger persists match decisions as an append-only audit trail.
//
// The ledger exclusively owns Match records. Matches are never hard-deleted:
// rejected and superseded matches are retained indefinitely, and the only
// external mutation into a pending match is a review resolution.
package ledger

import (
	"context"
	"time"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

// ReviewDecision is a reviewer's verdict on a pending match.
type ReviewDecision string

const (
	ReviewAccept ReviewDecision = "accept"
	ReviewReject ReviewDecision = "reject"
)

// Store is the persistence boundary of the ledger. Implementations must
// treat rows as append-only: Update may change lifecycle and review fields
// but never allocations or references, and nothing is ever deleted.
type Store interface {
	Insert(ctx context.Context, match *models.Match) error
	Update(ctx context.Context, match *models.Match) error
	Get(ctx context.Context, id string) (*models.Match, error)
	ForRecord(ctx context.Context, tenant, recordID string) ([]*models.Match, error)
	PendingReviews(ctx context.Context, tenant string) ([]*models.Match, error)

	// WithinTx runs fn atomically; either every write inside commits or
	// none do. Implementations without real transactions may serialize.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// Ledger layers the match lifecycle rules over a Store.
type Ledger struct {
	store Store
	log   logger.Logger
}

// New creates a ledger over the given store.
func New(store Store, log logger.Logger) *Ledger {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Ledger{store: store, log: log.WithComponent("match_ledger")}
}

// Append validates and persists a new match in whatever status it carries.
func (l *Ledger) Append(ctx context.Context, match *models.Match) error {
	if err := match.Validate(); err != nil {
		return err
	}
	if match.CreatedAt.IsZero() {
		match.CreatedAt = time.Now().UTC()
	}
	return l.store.Insert(ctx, match)
}

// Get returns the match with the given ID.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Match, error) {
	return l.store.Get(ctx, id)
}

// MatchesForRecord returns every match referencing the record, including
// rejected and superseded ones (audit surface).
func (l *Ledger) MatchesForRecord(ctx context.Context, tenant, recordID string) ([]*models.Match, error) {
	return l.store.ForRecord(ctx, tenant, recordID)
}

// OpenMatchesForRecord returns the record's pending and accepted matches.
// The orchestrator uses this to keep reconciliation idempotent: a record
// with an open match is not re-proposed.
func (l *Ledger) OpenMatchesForRecord(ctx context.Context, tenant, recordID string) ([]*models.Match, error) {
	all, err := l.store.ForRecord(ctx, tenant, recordID)
	if err != nil {
		return nil, err
	}
	var open []*models.Match
	for _, m := range all {
		if m.Status == models.MatchPending || m.Status == models.MatchAccepted {
			open = append(open, m)
		}
	}
	return open, nil
}

// ListPendingReviews returns the tenant's pending matches flagged for
// review, the query surface of the review boundary.
func (l *Ledger) ListPendingReviews(ctx context.Context, tenant string) ([]*models.Match, error) {
	return l.store.PendingReviews(ctx, tenant)
}

// AcceptGuard runs inside the acceptance transaction, against the
// transaction's view of the store, before the status change commits. The
// match is still pending in that view. An error rolls the acceptance back in
// full.
type AcceptGuard func(ctx context.Context, store Store, match *models.Match) error

// Accept promotes a pending match to accepted. Double-accepting the same
// match is caught here; double-counting a record across matches is the
// guard's concern (see AcceptWithGuard).
func (l *Ledger) Accept(ctx context.Context, matchID, acceptedBy string) (*models.Match, error) {
	return l.resolve(ctx, matchID, models.MatchAccepted, acceptedBy, nil)
}

// AcceptWithGuard promotes a pending match to accepted only if the guard
// passes within the same transaction. A guard failure leaves the match
// pending and the store untouched.
func (l *Ledger) AcceptWithGuard(ctx context.Context, matchID, acceptedBy string, guard AcceptGuard) (*models.Match, error) {
	return l.resolve(ctx, matchID, models.MatchAccepted, acceptedBy, guard)
}

// Reject marks a pending match rejected. Rejected matches never affect
// record status.
func (l *Ledger) Reject(ctx context.Context, matchID, rejectedBy string) (*models.Match, error) {
	return l.resolve(ctx, matchID, models.MatchRejected, rejectedBy, nil)
}

// ResolveReview applies a reviewer decision to a pending match. This is the
// only mutation entry point exposed to external callers.
func (l *Ledger) ResolveReview(ctx context.Context, matchID string, decision ReviewDecision, reviewerID string) (*models.Match, error) {
	switch decision {
	case ReviewAccept:
		return l.Accept(ctx, matchID, reviewerID)
	case ReviewReject:
		return l.Reject(ctx, matchID, reviewerID)
	default:
		return nil, apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRequest,
			"unknown review decision %q", decision)
	}
}

func (l *Ledger) resolve(ctx context.Context, matchID string, status models.MatchStatus, by string, guard AcceptGuard) (*models.Match, error) {
	var resolved *models.Match
	err := l.store.WithinTx(ctx, func(s Store) error {
		match, err := s.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if match.Status != models.MatchPending {
			return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeDoubleAccept,
				"match %s is %s, only pending matches can be resolved", matchID, match.Status)
		}
		if guard != nil {
			if err := guard(ctx, s, match); err != nil {
				return err
			}
		}
		match.Status = status
		match.ReviewedAt = time.Now().UTC()
		match.ReviewedBy = by
		if err := s.Update(ctx, match); err != nil {
			return err
		}
		resolved = match
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logger.Fields{"match": matchID, "status": status, "by": by}).Debug("match resolved")
	return resolved, nil
}

// Supersede atomically marks an accepted match superseded and appends its
// replacement. No intermediate state where both matches count toward a
// record's allocation is ever visible to readers.
func (l *Ledger) Supersede(ctx context.Context, oldID string, replacement *models.Match) error {
	if err := replacement.Validate(); err != nil {
		return err
	}
	return l.store.WithinTx(ctx, func(s Store) error {
		old, err := s.Get(ctx, oldID)
		if err != nil {
			return err
		}
		if old.Status != models.MatchAccepted {
			return apperrors.Newf(apperrors.CategoryConsistency, apperrors.CodeSupersedeConflict,
				"match %s is %s, only accepted matches can be superseded", oldID, old.Status)
		}
		old.Status = models.MatchSuperseded
		old.SupersededBy = replacement.ID
		if err := s.Update(ctx, old); err != nil {
			return err
		}
		return s.Insert(ctx, replacement)
	})
}
