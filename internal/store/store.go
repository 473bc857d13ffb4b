// Package store implements the embedded persistent store shared by the quota
// ledger and the response cache.
//
// The store is a single SQLite database in WAL mode with three tables:
// quota_ledger, cache_entries, and schema_version. Migrations run on open.
// An append that returns nil implies the row reached the write-ahead log; a
// crash before the next checkpoint may lose at most the trailing appends, an
// acceptable bound because the ledger is accounting, not state-of-record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// LedgerRow is one append-only accounting record, one per fulfilled request.
type LedgerRow struct {
	ID           int64
	Timestamp    time.Time
	Backend      string
	PromptHash   string
	TokensInput  int
	TokensOutput int
	CostEUR      float64
	CacheHit     bool
	LatencyMs    int64
	Metadata     string // JSON object, "" for none
}

// CacheRow is the persisted form of one cached response.
type CacheRow struct {
	CacheKey     string
	PromptHash   string
	Response     []byte // serialized response JSON
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
	SizeBytes    int64
}

// Health is the store's self-check result.
type Health struct {
	Healthy       bool   `json:"healthy"`
	SchemaVersion int    `json:"schema_version"`
	LedgerRows    int64  `json:"ledger_rows"`
	CacheRows     int64  `json:"cache_rows"`
	Error         string `json:"error,omitempty"`
}

// LedgerStats summarizes ledger activity over a window.
type LedgerStats struct {
	Rows         int64   `json:"rows"`
	CacheHits    int64   `json:"cache_hits"`
	TotalCostEUR float64 `json:"total_cost_eur"`
	TotalTokens  int64   `json:"total_tokens"`
}

var migrations = []string{
	// v1: initial schema
	`CREATE TABLE quota_ledger (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     INTEGER NOT NULL,
		backend       TEXT    NOT NULL,
		prompt_hash   TEXT    NOT NULL,
		tokens_input  INTEGER NOT NULL,
		tokens_output INTEGER NOT NULL,
		cost_eur      REAL    NOT NULL,
		cache_hit     INTEGER NOT NULL,
		latency_ms    INTEGER NOT NULL,
		metadata      TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_quota_ledger_timestamp ON quota_ledger(timestamp);
	CREATE TABLE cache_entries (
		cache_key     TEXT PRIMARY KEY,
		prompt_hash   TEXT    NOT NULL,
		response      BLOB    NOT NULL,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		access_count  INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL,
		size_bytes    INTEGER NOT NULL
	);
	CREATE INDEX idx_cache_entries_expires_at ON cache_entries(expires_at);`,
}

// Store wraps the SQLite handle and the hot-path prepared statements.
type Store struct {
	db          *sql.DB
	appendStmt  *sql.Stmt
	putStmt     *sql.Stmt
	getStmt     *sql.Stmt
	touchStmt   *sql.Stmt
	version     int
}

// Open opens (creating if needed) the database at path, enables WAL, and
// applies pending migrations.
func Open(path string) (*Store, error) {
	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite is a single-writer database; one connection avoids SQLITE_BUSY
	// churn under concurrent appends.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v+1, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", v+1, err)
		}
	}
	s.version = len(migrations)
	return nil
}

func (s *Store) prepare() error {
	var err error
	if s.appendStmt, err = s.db.Prepare(
		`INSERT INTO quota_ledger
			(timestamp, backend, prompt_hash, tokens_input, tokens_output,
			 cost_eur, cache_hit, latency_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("store: prepare append: %w", err)
	}
	if s.putStmt, err = s.db.Prepare(
		`INSERT INTO cache_entries
			(cache_key, prompt_hash, response, created_at, expires_at,
			 access_count, last_accessed, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			prompt_hash   = excluded.prompt_hash,
			response      = excluded.response,
			created_at    = excluded.created_at,
			expires_at    = excluded.expires_at,
			access_count  = excluded.access_count,
			last_accessed = excluded.last_accessed,
			size_bytes    = excluded.size_bytes`); err != nil {
		return fmt.Errorf("store: prepare cache put: %w", err)
	}
	if s.getStmt, err = s.db.Prepare(
		`SELECT cache_key, prompt_hash, response, created_at, expires_at,
			access_count, last_accessed, size_bytes
		 FROM cache_entries WHERE cache_key = ?`); err != nil {
		return fmt.Errorf("store: prepare cache get: %w", err)
	}
	if s.touchStmt, err = s.db.Prepare(
		`UPDATE cache_entries SET access_count = ?, last_accessed = ?
		 WHERE cache_key = ?`); err != nil {
		return fmt.Errorf("store: prepare cache touch: %w", err)
	}
	return nil
}

// Append writes one ledger row synchronously. On return the row is in the
// write-ahead log.
func (s *Store) Append(ctx context.Context, row *LedgerRow) error {
	res, err := s.appendStmt.ExecContext(ctx,
		row.Timestamp.UnixMilli(), row.Backend, row.PromptHash,
		row.TokensInput, row.TokensOutput, row.CostEUR,
		boolToInt(row.CacheHit), row.LatencyMs, row.Metadata)
	if err != nil {
		return fmt.Errorf("store: append ledger row: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		row.ID = id
	}
	return nil
}

// RecentEntries returns ledger rows newer than now-window, newest first.
func (s *Store) RecentEntries(ctx context.Context, window time.Duration) ([]LedgerRow, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, backend, prompt_hash, tokens_input, tokens_output,
			cost_eur, cache_hit, latency_ms, metadata
		 FROM quota_ledger WHERE timestamp >= ? ORDER BY timestamp DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query recent entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var r LedgerRow
		var ts int64
		var hit int
		if err := rows.Scan(&r.ID, &ts, &r.Backend, &r.PromptHash,
			&r.TokensInput, &r.TokensOutput, &r.CostEUR, &hit,
			&r.LatencyMs, &r.Metadata); err != nil {
			return nil, fmt.Errorf("store: scan ledger row: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.CacheHit = hit != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates ledger rows newer than now-window.
func (s *Store) Stats(ctx context.Context, window time.Duration) (LedgerStats, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var st LedgerStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(cache_hit), 0),
			COALESCE(SUM(cost_eur), 0),
			COALESCE(SUM(tokens_input + tokens_output), 0)
		 FROM quota_ledger WHERE timestamp >= ?`, cutoff).
		Scan(&st.Rows, &st.CacheHits, &st.TotalCostEUR, &st.TotalTokens)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("store: ledger stats: %w", err)
	}
	return st, nil
}

// PutCacheEntry upserts one cache row (last writer wins).
func (s *Store) PutCacheEntry(ctx context.Context, row *CacheRow) error {
	_, err := s.putStmt.ExecContext(ctx,
		row.CacheKey, row.PromptHash, row.Response,
		row.CreatedAt.UnixMilli(), row.ExpiresAt.UnixMilli(),
		row.AccessCount, row.LastAccessed.UnixMilli(), row.SizeBytes)
	if err != nil {
		return fmt.Errorf("store: put cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry returns the row for fingerprint, or (nil, nil) when absent.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheRow, error) {
	var r CacheRow
	var created, expires, accessed int64
	err := s.getStmt.QueryRowContext(ctx, fingerprint).Scan(
		&r.CacheKey, &r.PromptHash, &r.Response,
		&created, &expires, &r.AccessCount, &accessed, &r.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cache entry: %w", err)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.ExpiresAt = time.UnixMilli(expires)
	r.LastAccessed = time.UnixMilli(accessed)
	return &r, nil
}

// TouchCacheEntry persists updated access bookkeeping for one entry.
func (s *Store) TouchCacheEntry(ctx context.Context, fingerprint string, accessCount int64, lastAccessed time.Time) error {
	if _, err := s.touchStmt.ExecContext(ctx, accessCount, lastAccessed.UnixMilli(), fingerprint); err != nil {
		return fmt.Errorf("store: touch cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes one cache row. Deleting an absent key is not an
// error.
func (s *Store) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_key = ?`, fingerprint); err != nil {
		return fmt.Errorf("store: delete cache entry: %w", err)
	}
	return nil
}

// ClearCacheEntries removes all persisted cache rows.
func (s *Store) ClearCacheEntries(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("store: clear cache entries: %w", err)
	}
	return nil
}

// Cleanup prunes expired cache rows and ledger rows older than the retention
// window, then compacts the WAL.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("store: prune expired cache entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_ledger WHERE timestamp < ?`,
		now.Add(-retention).UnixMilli()); err != nil {
		return fmt.Errorf("store: prune ledger: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

// HealthCheck verifies the store answers queries and reports row counts.
func (s *Store) HealthCheck(ctx context.Context) Health {
	h := Health{SchemaVersion: s.version}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quota_ledger`).Scan(&h.LedgerRows); err != nil {
		h.Error = err.Error()
		return h
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries`).Scan(&h.CacheRows); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.appendStmt, s.putStmt, s.getStmt, s.touchStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
