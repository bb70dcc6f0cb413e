package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
	"assistantsync.app/pkg/utils"
)

// sqliteSchema is applied on Open. Timestamps are unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key                   TEXT PRIMARY KEY,
	subject                     TEXT NOT NULL,
	resource                    TEXT NOT NULL,
	window_id                   TEXT NOT NULL,
	payload                     BLOB NOT NULL,
	fingerprint                 TEXT NOT NULL,
	version                     INTEGER NOT NULL,
	item_count                  INTEGER NOT NULL DEFAULT 0,
	last_synced_at              INTEGER NOT NULL,
	expires_at                  INTEGER NOT NULL,
	last_full_sync              INTEGER NOT NULL DEFAULT 0,
	incremental_since_full_sync INTEGER NOT NULL DEFAULT 0,
	changes_since_last_sync     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_subject ON cache_entries(subject);

CREATE TABLE IF NOT EXISTS cache_versions (
	cache_key TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subject_stats (
	subject              TEXT PRIMARY KEY,
	hits                 INTEGER NOT NULL DEFAULT 0,
	misses               INTEGER NOT NULL DEFAULT 0,
	writes               INTEGER NOT NULL DEFAULT 0,
	total_items_cached   INTEGER NOT NULL DEFAULT 0,
	avg_response_time_ms REAL NOT NULL DEFAULT 0,
	last_update_type     TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL DEFAULT 0
);
`

// sqlitePragmas are applied by the modernc driver to every new connection.
const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// SQLiteStore persists cache lines on device. Payloads are zstd-compressed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + sqlitePragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads one line.
func (s *SQLiteStore) Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, fingerprint, version, item_count, last_synced_at, expires_at,
		       last_full_sync, incremental_since_full_sync, changes_since_last_sync
		FROM cache_entries WHERE cache_key = ?`, key.String())

	var (
		stored                    []byte
		synced, expires, lastFull int64
		entry                     = models.CacheEntry{Key: key}
	)
	err := row.Scan(
		&stored,
		&entry.Fingerprint,
		&entry.Version,
		&entry.ItemCount,
		&synced,
		&expires,
		&lastFull,
		&entry.Change.IncrementalUpdatesSinceFullSync,
		&entry.Change.ChangesSinceLastSync,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, synerr.ErrNotFound
	}
	if err != nil {
		return nil, synerr.NewStorageError("get", key.String(), err)
	}

	payload, err := utils.DecompressPayload(stored)
	if err != nil {
		return nil, synerr.NewStorageError("get", key.String(), err)
	}
	entry.Payload = payload
	entry.LastSyncedAt = fromNanos(synced)
	entry.ExpiresAt = fromNanos(expires)
	entry.Change.LastFullSync = fromNanos(lastFull)
	return &entry, nil
}

// Put bumps the version counter and replaces the line in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, key models.CacheKey, w models.Write) (*models.CacheEntry, error) {
	if err := validateWrite(key, w); err != nil {
		return nil, synerr.NewStorageError("put", key.String(), err)
	}
	k := key.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM cache_versions WHERE cache_key = ?`, k).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, synerr.NewStorageError("put", k, err)
	}

	entry := buildEntry(key, prev+1, w)
	stored, err := utils.CompressPayload(entry.Payload)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_versions (cache_key, version) VALUES (?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET version = excluded.version`,
		k, entry.Version,
	); err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (
			cache_key, subject, resource, window_id, payload, fingerprint, version, item_count,
			last_synced_at, expires_at, last_full_sync, incremental_since_full_sync, changes_since_last_sync
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			fingerprint = excluded.fingerprint,
			version = excluded.version,
			item_count = excluded.item_count,
			last_synced_at = excluded.last_synced_at,
			expires_at = excluded.expires_at,
			last_full_sync = excluded.last_full_sync,
			incremental_since_full_sync = excluded.incremental_since_full_sync,
			changes_since_last_sync = excluded.changes_since_last_sync`,
		k,
		key.Subject,
		string(key.Resource),
		string(key.Window),
		stored,
		entry.Fingerprint,
		entry.Version,
		entry.ItemCount,
		toNanos(entry.LastSyncedAt),
		toNanos(entry.ExpiresAt),
		toNanos(entry.Change.LastFullSync),
		entry.Change.IncrementalUpdatesSinceFullSync,
		entry.Change.ChangesSinceLastSync,
	); err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}
	return entry, nil
}

// Delete removes one line; the version counter is kept.
func (s *SQLiteStore) Delete(ctx context.Context, key models.CacheKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key.String())
	if err != nil {
		return false, synerr.NewStorageError("delete", key.String(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, synerr.NewStorageError("delete", key.String(), err)
	}
	return n > 0, nil
}

// DeleteSubject removes every line of a subject.
func (s *SQLiteStore) DeleteSubject(ctx context.Context, subject string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE subject = ?`, subject)
	if err != nil {
		return 0, synerr.NewStorageError("delete_subject", subject, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, synerr.NewStorageError("delete_subject", subject, err)
	}
	return int(n), nil
}

// Keys lists a subject's lines.
func (s *SQLiteStore) Keys(ctx context.Context, subject string) ([]models.CacheKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, resource, window_id FROM cache_entries WHERE subject = ? ORDER BY cache_key`, subject)
	if err != nil {
		return nil, synerr.NewStorageError("keys", subject, err)
	}
	defer rows.Close()

	var keys []models.CacheKey
	for rows.Next() {
		var k models.CacheKey
		if err := rows.Scan(&k.Subject, &k.Resource, &k.Window); err != nil {
			return nil, synerr.NewStorageError("keys", subject, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, synerr.NewStorageError("keys", subject, err)
	}
	return keys, nil
}

// LoadStats reads a subject's stats row.
func (s *SQLiteStore) LoadStats(ctx context.Context, subject string) (models.Stats, bool, error) {
	st := models.Stats{Subject: subject}
	var lastType string
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT hits, misses, writes, total_items_cached, avg_response_time_ms, last_update_type, updated_at
		FROM subject_stats WHERE subject = ?`, subject,
	).Scan(&st.Hits, &st.Misses, &st.Writes, &st.TotalItemsCached, &st.AvgResponseTimeMs, &lastType, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stats{Subject: subject}, false, nil
	}
	if err != nil {
		return models.Stats{}, false, synerr.NewStorageError("load_stats", subject, err)
	}
	st.LastUpdateType = models.UpdateType(lastType)
	st.UpdatedAt = fromNanos(updated)
	return st, true, nil
}

// SaveStats upserts a subject's stats row.
func (s *SQLiteStore) SaveStats(ctx context.Context, st models.Stats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subject_stats (
			subject, hits, misses, writes, total_items_cached, avg_response_time_ms, last_update_type, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			hits = excluded.hits,
			misses = excluded.misses,
			writes = excluded.writes,
			total_items_cached = excluded.total_items_cached,
			avg_response_time_ms = excluded.avg_response_time_ms,
			last_update_type = excluded.last_update_type,
			updated_at = excluded.updated_at`,
		st.Subject, st.Hits, st.Misses, st.Writes, st.TotalItemsCached,
		st.AvgResponseTimeMs, string(st.LastUpdateType), toNanos(st.UpdatedAt),
	)
	if err != nil {
		return synerr.NewStorageError("save_stats", st.Subject, err)
	}
	return nil
}

// DeleteStats drops a subject's stats row.
func (s *SQLiteStore) DeleteStats(ctx context.Context, subject string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subject_stats WHERE subject = ?`, subject); err != nil {
		return synerr.NewStorageError("delete_stats", subject, err)
	}
	return nil
}

var _ Backend = (*SQLiteStore)(nil)
