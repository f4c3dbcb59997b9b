package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// schema is created on open. Matches are append-only rows; record references
// live in a child table so ForRecord stays an indexed lookup. There is
// deliberately no DELETE path anywhere in this file.
const schema = `
CREATE TABLE IF NOT EXISTS matches (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    layer           TEXT NOT NULL,
    confidence      REAL NOT NULL,
    reasons         TEXT NOT NULL DEFAULT '[]',
    status          TEXT NOT NULL,
    requires_review INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    created_by      TEXT NOT NULL DEFAULT '',
    reviewed_at     TEXT,
    reviewed_by     TEXT,
    superseded_by   TEXT
);

CREATE TABLE IF NOT EXISTS match_records (
    match_id    TEXT NOT NULL REFERENCES matches(id),
    record_id   TEXT NOT NULL,
    source_type TEXT NOT NULL,
    allocated   TEXT NOT NULL,
    PRIMARY KEY (match_id, record_id)
);

CREATE INDEX IF NOT EXISTS idx_match_records_record ON match_records(record_id);
CREATE INDEX IF NOT EXISTS idx_matches_tenant_status ON matches(tenant_id, status);
`

// SQLiteStore persists the ledger in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// OpenSQLite opens (creating if necessary) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "open ledger database")
	}
	// A single writer keeps per-record write cycles serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "create ledger schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert appends a new match row plus its record references.
func (s *SQLiteStore) Insert(ctx context.Context, match *models.Match) error {
	return insertMatch(ctx, s.db, match)
}

// Update rewrites the lifecycle/review fields of an existing row.
func (s *SQLiteStore) Update(ctx context.Context, match *models.Match) error {
	return updateMatch(ctx, s.db, match)
}

// Get loads a match by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Match, error) {
	return getMatch(ctx, s.db, id)
}

// ForRecord returns all matches referencing the record, in creation order.
func (s *SQLiteStore) ForRecord(ctx context.Context, tenant, recordID string) ([]*models.Match, error) {
	return queryMatches(ctx, s.db, `
		SELECT m.id FROM matches m
		JOIN match_records r ON r.match_id = m.id
		WHERE m.tenant_id = ? AND r.record_id = ?
		ORDER BY m.created_at, m.id`, tenant, recordID)
}

// PendingReviews returns the tenant's pending review-flagged matches.
func (s *SQLiteStore) PendingReviews(ctx context.Context, tenant string) ([]*models.Match, error) {
	return queryMatches(ctx, s.db, `
		SELECT id FROM matches
		WHERE tenant_id = ? AND status = ? AND requires_review = 1
		ORDER BY created_at, id`, tenant, string(models.MatchPending))
}

// WithinTx runs fn inside one database transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "begin ledger transaction")
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "commit ledger transaction")
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Insert(ctx context.Context, match *models.Match) error {
	return insertMatch(ctx, t.tx, match)
}

func (t *sqliteTx) Update(ctx context.Context, match *models.Match) error {
	return updateMatch(ctx, t.tx, match)
}

func (t *sqliteTx) Get(ctx context.Context, id string) (*models.Match, error) {
	return getMatch(ctx, t.tx, id)
}

func (t *sqliteTx) ForRecord(ctx context.Context, tenant, recordID string) ([]*models.Match, error) {
	return queryMatches(ctx, t.tx, `
		SELECT m.id FROM matches m
		JOIN match_records r ON r.match_id = m.id
		WHERE m.tenant_id = ? AND r.record_id = ?
		ORDER BY m.created_at, m.id`, tenant, recordID)
}

func (t *sqliteTx) PendingReviews(ctx context.Context, tenant string) ([]*models.Match, error) {
	return queryMatches(ctx, t.tx, `
		SELECT id FROM matches
		WHERE tenant_id = ? AND status = ? AND requires_review = 1
		ORDER BY created_at, id`, tenant, string(models.MatchPending))
}

func (t *sqliteTx) WithinTx(ctx context.Context, fn func(Store) error) error {
	// Already inside a transaction.
	return fn(t)
}

func insertMatch(ctx context.Context, q querier, match *models.Match) error {
	reasons, err := json.Marshal(match.Reasons)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "encode match reasons")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO matches (id, tenant_id, layer, confidence, reasons, status, requires_review, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		match.ID, match.TenantID, string(match.Layer), match.Confidence, string(reasons),
		string(match.Status), boolToInt(match.RequiresReview),
		match.CreatedAt.UTC().Format(time.RFC3339Nano), match.CreatedBy)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "insert match")
	}
	for _, ref := range match.Records {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO match_records (match_id, record_id, source_type, allocated)
			VALUES (?, ?, ?, ?)`,
			match.ID, ref.RecordID, string(ref.SourceType), ref.Allocated.String()); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "insert match record")
		}
	}
	return nil
}

func updateMatch(ctx context.Context, q querier, match *models.Match) error {
	var reviewedAt interface{}
	if !match.ReviewedAt.IsZero() {
		reviewedAt = match.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE matches SET status = ?, reviewed_at = ?, reviewed_by = ?, superseded_by = ?
		WHERE id = ?`,
		string(match.Status), reviewedAt, nullable(match.ReviewedBy), nullable(match.SupersededBy), match.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "update match")
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperrors.Newf(apperrors.CategoryInternal, apperrors.CodeStorage, "match %s not found", match.ID)
	}
	return nil
}

func getMatch(ctx context.Context, q querier, id string) (*models.Match, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, layer, confidence, reasons, status, requires_review,
		       created_at, created_by, reviewed_at, reviewed_by, superseded_by
		FROM matches WHERE id = ?`, id)
	match, err := scanMatch(row)
	if err != nil {
		return nil, err
	}
	if err := loadRecords(ctx, q, match); err != nil {
		return nil, err
	}
	return match, nil
}

func queryMatches(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.Match, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "query matches")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "scan match id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "iterate matches")
	}

	out := make([]*models.Match, 0, len(ids))
	for _, id := range ids {
		match, err := getMatch(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, match)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(row rowScanner) (*models.Match, error) {
	var (
		match      models.Match
		layer      string
		reasons    string
		status     string
		review     int
		createdAt  string
		reviewedAt sql.NullString
		reviewedBy sql.NullString
		superseded sql.NullString
	)
	err := row.Scan(&match.ID, &match.TenantID, &layer, &match.Confidence, &reasons,
		&status, &review, &createdAt, &match.CreatedBy, &reviewedAt, &reviewedBy, &superseded)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.CategoryInternal, apperrors.CodeStorage, "match not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "scan match")
	}
	match.Layer = models.Layer(layer)
	match.Status = models.MatchStatus(status)
	match.RequiresReview = review != 0
	if err := json.Unmarshal([]byte(reasons), &match.Reasons); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "decode match reasons")
	}
	if match.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "parse match created_at")
	}
	if reviewedAt.Valid {
		if match.ReviewedAt, err = time.Parse(time.RFC3339Nano, reviewedAt.String); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "parse match reviewed_at")
		}
	}
	match.ReviewedBy = reviewedBy.String
	match.SupersededBy = superseded.String
	return &match, nil
}

func loadRecords(ctx context.Context, q querier, match *models.Match) error {
	rows, err := q.QueryContext(ctx, `
		SELECT record_id, source_type, allocated FROM match_records
		WHERE match_id = ? ORDER BY record_id`, match.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "query match records")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref        models.RecordRef
			sourceType string
			allocated  string
		)
		if err := rows.Scan(&ref.RecordID, &sourceType, &allocated); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "scan match record")
		}
		ref.SourceType = models.SourceType(sourceType)
		if ref.Allocated, err = parseDecimal(allocated); err != nil {
			return err
		}
		match.Records = append(match.Records, ref)
	}
	return rows.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeStorage, "parse allocated amount")
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
