package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/statute/internal/model"
)

// Dialect selects placeholder style and driver
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// tsLayout is fixed-width so text columns sort chronologically
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

// SQL is a Repository over database/sql. Records are stored as JSON documents
// next to the indexed columns each lookup needs.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects, pings and migrates. dsn is a postgres URL or a sqlite file path.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	driver := "pgx"
	if dialect == SQLite {
		driver = "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := &SQL{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		chain_key TEXT,
		fetched_at TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS evidence_source_idx ON evidence (source_id, fetched_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS evidence_chain_idx ON evidence (chain_key)`,
	`CREATE TABLE IF NOT EXISTS source_checks (
		source_id TEXT NOT NULL,
		evidence_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		changed INTEGER NOT NULL,
		checked_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS source_checks_evidence_idx ON source_checks (evidence_id, checked_at)`,
	`CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		dedupe_key TEXT NOT NULL UNIQUE,
		evidence_id TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS claims_evidence_idx ON claims (evidence_id)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		rule_key TEXT NOT NULL UNIQUE,
		concept_id TEXT NOT NULL,
		status TEXT NOT NULL,
		revision BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rules_concept_idx ON rules (concept_id, status)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		conflict_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		revision BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS releases (
		version BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		released_at TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
}

// Migrate creates missing tables
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

// DB exposes the handle for health checks
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres
func (s *SQL) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) exec(ctx context.Context, q execer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	return string(data), err
}

func (s *SQL) getDoc(ctx context.Context, out any, what, query string, args ...any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return json.Unmarshal([]byte(doc), out)
}

func listDocs[T any](ctx context.Context, s *SQL, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(doc), v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQL) CreateSource(ctx context.Context, src *model.Source) error {
	doc, err := marshal(src)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO sources (id, url, active, doc) VALUES (?, ?, ?, ?)`,
		src.ID, src.URL, boolInt(src.Active), doc)
	if err != nil {
		return fmt.Errorf("create source %s: %w", src.ID, err)
	}
	return nil
}

func (s *SQL) GetSource(ctx context.Context, id string) (*model.Source, error) {
	out := new(model.Source)
	return out, s.getDoc(ctx, out, "source "+id, `SELECT doc FROM sources WHERE id = ?`, id)
}

func (s *SQL) ListSources(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
	if activeOnly {
		return listDocs[model.Source](ctx, s, `SELECT doc FROM sources WHERE active = 1 ORDER BY id`)
	}
	return listDocs[model.Source](ctx, s, `SELECT doc FROM sources ORDER BY id`)
}

func (s *SQL) UpdateSource(ctx context.Context, src *model.Source) error {
	doc, err := marshal(src)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, s.db, `UPDATE sources SET active = ?, doc = ? WHERE id = ?`, boolInt(src.Active), doc, src.ID)
	if err != nil {
		return fmt.Errorf("update source %s: %w", src.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("source %s: %w", src.ID, ErrNotFound)
	}
	return nil
}

func (s *SQL) CreateEvidence(ctx context.Context, e *model.Evidence) error {
	doc, err := marshal(e)
	if err != nil {
		return err
	}
	var chain sql.NullString
	if key := e.ChainKey(); key != "" {
		chain = sql.NullString{String: key, Valid: true}
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO evidence (id, source_id, chain_key, fetched_at, doc) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, chain, ts(e.FetchedAt), doc)
	if err != nil {
		return fmt.Errorf("create evidence %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQL) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	out := new(model.Evidence)
	return out, s.getDoc(ctx, out, "evidence "+id, `SELECT doc FROM evidence WHERE id = ?`, id)
}

func (s *SQL) LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error) {
	out := new(model.Evidence)
	return out, s.getDoc(ctx, out, "evidence for source "+sourceID,
		`SELECT doc FROM evidence WHERE source_id = ? ORDER BY fetched_at DESC LIMIT 1`, sourceID)
}

func (s *SQL) RecordCheck(ctx context.Context, c model.SourceCheck) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO source_checks (source_id, evidence_id, hash, changed, checked_at) VALUES (?, ?, ?, ?, ?)`,
		c.SourceID, c.EvidenceID, c.Hash, boolInt(c.Changed), ts(c.CheckedAt))
	if err != nil {
		return fmt.Errorf("record check for source %s: %w", c.SourceID, err)
	}
	return nil
}

func (s *SQL) LastConfirmed(ctx context.Context, evidenceID string) (time.Time, error) {
	e, err := s.GetEvidence(ctx, evidenceID)
	if err != nil {
		return time.Time{}, err
	}
	var last sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT MAX(checked_at) FROM source_checks WHERE evidence_id = ?`), evidenceID).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last check for evidence %s: %w", evidenceID, err)
	}
	confirmed := e.FetchedAt
	if last.Valid {
		if t, err := time.Parse(tsLayout, last.String); err == nil && t.After(confirmed) {
			confirmed = t
		}
	}
	return confirmed, nil
}

func (s *SQL) UpsertClaim(ctx context.Context, c *model.AtomicClaim) (bool, error) {
	doc, err := marshal(c)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, s.db,
		`INSERT INTO claims (id, dedupe_key, evidence_id, doc) VALUES (?, ?, ?, ?) ON CONFLICT (dedupe_key) DO NOTHING`,
		c.ID, c.DedupeKey, c.EvidenceID, doc)
	if err != nil {
		return false, fmt.Errorf("upsert claim %s: %w", c.ID, err)
	}
	if n > 0 {
		return true, nil
	}
	return false, s.getDoc(ctx, c, "claim by key", `SELECT doc FROM claims WHERE dedupe_key = ?`, c.DedupeKey)
}

func (s *SQL) GetClaim(ctx context.Context, id string) (*model.AtomicClaim, error) {
	out := new(model.AtomicClaim)
	return out, s.getDoc(ctx, out, "claim "+id, `SELECT doc FROM claims WHERE id = ?`, id)
}

func (s *SQL) ListClaimsByEvidence(ctx context.Context, evidenceID string) ([]*model.AtomicClaim, error) {
	return listDocs[model.AtomicClaim](ctx, s, `SELECT doc FROM claims WHERE evidence_id = ? ORDER BY id`, evidenceID)
}

func (s *SQL) UpsertRule(ctx context.Context, r *model.RegulatoryRule) (bool, error) {
	doc, err := marshal(r)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, s.db,
		`INSERT INTO rules (id, rule_key, concept_id, status, revision, doc) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (rule_key) DO NOTHING`,
		r.ID, r.Key, r.ConceptID, string(r.Status), r.Revision, doc)
	if err != nil {
		return false, fmt.Errorf("upsert rule %s: %w", r.ID, err)
	}
	if n > 0 {
		return true, nil
	}
	return false, s.getDoc(ctx, r, "rule by key", `SELECT doc FROM rules WHERE rule_key = ?`, r.Key)
}

func (s *SQL) GetRule(ctx context.Context, id string) (*model.RegulatoryRule, error) {
	out := new(model.RegulatoryRule)
	return out, s.getDoc(ctx, out, "rule "+id, `SELECT doc FROM rules WHERE id = ?`, id)
}

func (s *SQL) UpdateRule(ctx context.Context, r *model.RegulatoryRule) error {
	return s.updateRule(ctx, s.db, r)
}

func (s *SQL) updateRule(ctx context.Context, q execer, r *model.RegulatoryRule) error {
	expected := r.Revision
	next := *r
	next.Revision = expected + 1
	doc, err := marshal(&next)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, q, `UPDATE rules SET status = ?, revision = ?, doc = ? WHERE id = ? AND revision = ?`,
		string(next.Status), next.Revision, doc, r.ID, expected)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s revision %d: %w", r.ID, expected, ErrConflict)
	}
	r.Revision = next.Revision
	return nil
}

func (s *SQL) ListRules(ctx context.Context, f model.RuleFilter) ([]*model.RegulatoryRule, error) {
	query := `SELECT doc FROM rules`
	var (
		clauses []string
		args    []any
	)
	if len(f.ConceptIDs) > 0 {
		clauses = append(clauses, "concept_id IN ("+placeholders(len(f.ConceptIDs))+")")
		for _, c := range f.ConceptIDs {
			args = append(args, c)
		}
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return listDocs[model.RegulatoryRule](ctx, s, query+" ORDER BY id", args...)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQL) UpsertConflict(ctx context.Context, c *model.ConflictRecord) (bool, error) {
	doc, err := marshal(c)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, s.db,
		`INSERT INTO conflicts (id, conflict_key, status, created_at, revision, doc) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (conflict_key) DO NOTHING`,
		c.ID, c.Key, string(c.Status), ts(c.CreatedAt), c.Revision, doc)
	if err != nil {
		return false, fmt.Errorf("upsert conflict %s: %w", c.ID, err)
	}
	if n > 0 {
		return true, nil
	}
	return false, s.getDoc(ctx, c, "conflict by key", `SELECT doc FROM conflicts WHERE conflict_key = ?`, c.Key)
}

func (s *SQL) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	out := new(model.ConflictRecord)
	return out, s.getDoc(ctx, out, "conflict "+id, `SELECT doc FROM conflicts WHERE id = ?`, id)
}

func (s *SQL) UpdateConflict(ctx context.Context, c *model.ConflictRecord) error {
	expected := c.Revision
	next := *c
	next.Revision = expected + 1
	doc, err := marshal(&next)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, s.db, `UPDATE conflicts SET status = ?, revision = ?, doc = ? WHERE id = ? AND revision = ?`,
		string(next.Status), next.Revision, doc, c.ID, expected)
	if err != nil {
		return fmt.Errorf("update conflict %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s revision %d: %w", c.ID, expected, ErrConflict)
	}
	c.Revision = next.Revision
	return nil
}

func (s *SQL) ListConflicts(ctx context.Context, f model.ConflictFilter) ([]*model.ConflictRecord, error) {
	all, err := listDocs[model.ConflictRecord](ctx, s, `SELECT doc FROM conflicts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQL) LatestRelease(ctx context.Context) (*model.RuleRelease, error) {
	out := new(model.RuleRelease)
	return out, s.getDoc(ctx, out, "release", `SELECT doc FROM releases ORDER BY version DESC LIMIT 1`)
}

func (s *SQL) GetRelease(ctx context.Context, version int64) (*model.RuleRelease, error) {
	out := new(model.RuleRelease)
	return out, s.getDoc(ctx, out, fmt.Sprintf("release %d", version), `SELECT doc FROM releases WHERE version = ?`, version)
}

func (s *SQL) PublishRelease(ctx context.Context, rel *model.RuleRelease, promoted []*model.RegulatoryRule) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release %d: %w", rel.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	revisions := make([]int64, len(promoted))
	for i, r := range promoted {
		revisions[i] = r.Revision
		if err = s.updateRule(ctx, tx, r); err != nil {
			restore(promoted, revisions[:i])
			return err
		}
	}

	doc, err := marshal(rel)
	if err != nil {
		restore(promoted, revisions)
		return err
	}
	if _, err = s.exec(ctx, tx, `INSERT INTO releases (version, id, content_hash, released_at, doc) VALUES (?, ?, ?, ?, ?)`,
		rel.Version, rel.ID, rel.ContentHash, ts(rel.ReleasedAt), doc); err != nil {
		restore(promoted, revisions)
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("release %d: %w", rel.Version, ErrDuplicateVersion)
		}
		return fmt.Errorf("insert release %d: %w", rel.Version, err)
	}
	if err = tx.Commit(); err != nil {
		restore(promoted, revisions)
		return fmt.Errorf("commit release %d: %w", rel.Version, err)
	}
	return nil
}

// restore rolls in-memory revisions back after a failed transaction
func restore(rules []*model.RegulatoryRule, revisions []int64) {
	for i, rev := range revisions {
		rules[i].Revision = rev
	}
}
