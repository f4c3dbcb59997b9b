package ledger

import (
	"context"
	"sort"
	"sync"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and small tenants. A single
// mutex serializes all access, which also makes WithinTx atomic with respect
// to concurrent readers.
type MemoryStore struct {
	mu      sync.RWMutex
	matches map[string]*models.Match
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{matches: make(map[string]*models.Match)}
}

// Insert appends a new match.
func (s *MemoryStore) Insert(_ context.Context, match *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(match)
}

func (s *MemoryStore) insertLocked(match *models.Match) error {
	if _, exists := s.matches[match.ID]; exists {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s already exists", match.ID)
	}
	cp := cloneMatch(match)
	s.matches[match.ID] = cp
	s.order = append(s.order, match.ID)
	return nil
}

// Update replaces the lifecycle/review fields of an existing match.
func (s *MemoryStore) Update(_ context.Context, match *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(match)
}

func (s *MemoryStore) updateLocked(match *models.Match) error {
	existing, ok := s.matches[match.ID]
	if !ok {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s not found", match.ID)
	}
	existing.Status = match.Status
	existing.ReviewedAt = match.ReviewedAt
	existing.ReviewedBy = match.ReviewedBy
	existing.SupersededBy = match.SupersededBy
	return nil
}

// Get returns a copy of the match with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (*models.Match, error) {
	match, ok := s.matches[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s not found", id)
	}
	return cloneMatch(match), nil
}

// ForRecord returns all matches referencing the record, in append order.
func (s *MemoryStore) ForRecord(_ context.Context, tenant, recordID string) ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Match
	for _, id := range s.order {
		m := s.matches[id]
		if m.TenantID == tenant && m.References(recordID) {
			out = append(out, cloneMatch(m))
		}
	}
	return out, nil
}

// PendingReviews returns the tenant's pending review-flagged matches,
// oldest first.
func (s *MemoryStore) PendingReviews(_ context.Context, tenant string) ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingReviewsLocked(tenant), nil
}

func (s *MemoryStore) pendingReviewsLocked(tenant string) []*models.Match {
	var out []*models.Match
	for _, id := range s.order {
		m := s.matches[id]
		if m.TenantID == tenant && m.Status == models.MatchPending && m.RequiresReview {
			out = append(out, cloneMatch(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WithinTx runs fn under the store lock. Writes apply to a staged view and
// are committed only when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s, staged: make(map[string]*models.Match)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx stages writes against the already-locked base store.
type memoryTx struct {
	base    *MemoryStore
	staged  map[string]*models.Match
	inserts []string
}

func (tx *memoryTx) Insert(_ context.Context, match *models.Match) error {
	if _, exists := tx.base.matches[match.ID]; exists {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s already exists", match.ID)
	}
	if _, exists := tx.staged[match.ID]; exists {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s already staged", match.ID)
	}
	tx.staged[match.ID] = cloneMatch(match)
	tx.inserts = append(tx.inserts, match.ID)
	return nil
}

func (tx *memoryTx) Update(_ context.Context, match *models.Match) error {
	if _, ok := tx.staged[match.ID]; ok {
		tx.staged[match.ID] = cloneMatch(match)
		return nil
	}
	if _, ok := tx.base.matches[match.ID]; !ok {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage,
			"match %s not found", match.ID)
	}
	tx.staged[match.ID] = cloneMatch(match)
	return nil
}

func (tx *memoryTx) Get(_ context.Context, id string) (*models.Match, error) {
	if m, ok := tx.staged[id]; ok {
		return cloneMatch(m), nil
	}
	return tx.base.getLocked(id)
}

// visibleIDs is the transaction's read view: the committed append order
// followed by this transaction's own inserts, matching what a sqliteTx read
// would see.
func (tx *memoryTx) visibleIDs() []string {
	ids := make([]string, 0, len(tx.base.order)+len(tx.inserts))
	ids = append(ids, tx.base.order...)
	ids = append(ids, tx.inserts...)
	return ids
}

func (tx *memoryTx) lookup(id string) *models.Match {
	if m, ok := tx.staged[id]; ok {
		return m
	}
	return tx.base.matches[id]
}

func (tx *memoryTx) ForRecord(_ context.Context, tenant, recordID string) ([]*models.Match, error) {
	var out []*models.Match
	for _, id := range tx.visibleIDs() {
		m := tx.lookup(id)
		if m.TenantID == tenant && m.References(recordID) {
			out = append(out, cloneMatch(m))
		}
	}
	return out, nil
}

func (tx *memoryTx) PendingReviews(_ context.Context, tenant string) ([]*models.Match, error) {
	var out []*models.Match
	for _, id := range tx.visibleIDs() {
		m := tx.lookup(id)
		if m.TenantID == tenant && m.Status == models.MatchPending && m.RequiresReview {
			out = append(out, cloneMatch(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryTx) WithinTx(ctx context.Context, fn func(Store) error) error {
	// Nested transactions share the outer one.
	return fn(tx)
}

func (tx *memoryTx) commit() error {
	for _, id := range tx.inserts {
		tx.base.order = append(tx.base.order, id)
	}
	for id, m := range tx.staged {
		tx.base.matches[id] = m
	}
	return nil
}

func cloneMatch(m *models.Match) *models.Match {
	cp := *m
	cp.Reasons = append([]string(nil), m.Reasons...)
	cp.Records = append([]models.RecordRef(nil), m.Records...)
	return &cp
}
