package cachestore

import (
	"context"
	"errors"

	"encore.dev/storage/sqldb"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
	"assistantsync.app/pkg/utils"
)

// SQLDBStore keeps cache lines in an Encore-managed Postgres database so that
// several processes share one store. Schema lives in the owning service's
// migrations directory.
//
// Single-flight stays per-process: two processes may refresh the same key
// concurrently, and the last write wins.
type SQLDBStore struct {
	db *sqldb.Database
}

// NewSQLDBStore wraps a database declared by the owning service.
func NewSQLDBStore(db *sqldb.Database) *SQLDBStore {
	return &SQLDBStore{db: db}
}

// Get loads one line.
func (s *SQLDBStore) Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	var (
		stored                    []byte
		version                   int64
		synced, expires, lastFull int64
		entry                     = models.CacheEntry{Key: key}
	)
	err := s.db.QueryRow(ctx, `
		SELECT payload, fingerprint, version, item_count, last_synced_at, expires_at,
		       last_full_sync, incremental_since_full_sync, changes_since_last_sync
		FROM cache_entries WHERE cache_key = $1`, key.String(),
	).Scan(
		&stored,
		&entry.Fingerprint,
		&version,
		&entry.ItemCount,
		&synced,
		&expires,
		&lastFull,
		&entry.Change.IncrementalUpdatesSinceFullSync,
		&entry.Change.ChangesSinceLastSync,
	)
	if errors.Is(err, sqldb.ErrNoRows) {
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
	entry.Version = uint64(version)
	entry.LastSyncedAt = fromNanos(synced)
	entry.ExpiresAt = fromNanos(expires)
	entry.Change.LastFullSync = fromNanos(lastFull)
	return &entry, nil
}

// Put bumps the version counter and replaces the line in one transaction.
// The counter row is locked with an upsert so concurrent writers from other
// processes still get distinct, increasing versions.
func (s *SQLDBStore) Put(ctx context.Context, key models.CacheKey, w models.Write) (*models.CacheEntry, error) {
	if err := validateWrite(key, w); err != nil {
		return nil, synerr.NewStorageError("put", key.String(), err)
	}
	k := key.String()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRow(ctx, `
		INSERT INTO cache_versions (cache_key, version) VALUES ($1, 1)
		ON CONFLICT (cache_key) DO UPDATE SET version = cache_versions.version + 1
		RETURNING version`, k,
	).Scan(&version)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	entry := buildEntry(key, uint64(version), w)
	stored, err := utils.CompressPayload(entry.Payload)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cache_entries (
			cache_key, subject, resource, window_id, payload, fingerprint, version, item_count,
			last_synced_at, expires_at, last_full_sync, incremental_since_full_sync, changes_since_last_sync
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			fingerprint = EXCLUDED.fingerprint,
			version = EXCLUDED.version,
			item_count = EXCLUDED.item_count,
			last_synced_at = EXCLUDED.last_synced_at,
			expires_at = EXCLUDED.expires_at,
			last_full_sync = EXCLUDED.last_full_sync,
			incremental_since_full_sync = EXCLUDED.incremental_since_full_sync,
			changes_since_last_sync = EXCLUDED.changes_since_last_sync`,
		k,
		key.Subject,
		string(key.Resource),
		string(key.Window),
		stored,
		entry.Fingerprint,
		version,
		entry.ItemCount,
		toNanos(entry.LastSyncedAt),
		toNanos(entry.ExpiresAt),
		toNanos(entry.Change.LastFullSync),
		entry.Change.IncrementalUpdatesSinceFullSync,
		entry.Change.ChangesSinceLastSync,
	)
	if err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, synerr.NewStorageError("put", k, err)
	}
	return entry, nil
}

// Delete removes one line; the version counter is kept.
func (s *SQLDBStore) Delete(ctx context.Context, key models.CacheKey) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM cache_entries WHERE cache_key = $1`, key.String())
	if err != nil {
		return false, synerr.NewStorageError("delete", key.String(), err)
	}
	return res.RowsAffected() > 0, nil
}

// DeleteSubject removes every line of a subject.
func (s *SQLDBStore) DeleteSubject(ctx context.Context, subject string) (int, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM cache_entries WHERE subject = $1`, subject)
	if err != nil {
		return 0, synerr.NewStorageError("delete_subject", subject, err)
	}
	return int(res.RowsAffected()), nil
}

// Keys lists a subject's lines.
func (s *SQLDBStore) Keys(ctx context.Context, subject string) ([]models.CacheKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT subject, resource, window_id FROM cache_entries WHERE subject = $1 ORDER BY cache_key`, subject)
	if err != nil {
		return nil, synerr.NewStorageError("keys", subject, err)
	}
	defer rows.Close()

	var keys []models.CacheKey
	for rows.Next() {
		var subj, res, win string
		if err := rows.Scan(&subj, &res, &win); err != nil {
			return nil, synerr.NewStorageError("keys", subject, err)
		}
		keys = append(keys, models.CacheKey{Subject: subj, Resource: models.ResourceType(res), Window: models.WindowID(win)})
	}
	if err := rows.Err(); err != nil {
		return nil, synerr.NewStorageError("keys", subject, err)
	}
	return keys, nil
}

// LoadStats reads a subject's stats row.
func (s *SQLDBStore) LoadStats(ctx context.Context, subject string) (models.Stats, bool, error) {
	var (
		hits, misses, writes, items int64
		avg                         float64
		lastType                    string
		updated                     int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT hits, misses, writes, total_items_cached, avg_response_time_ms, last_update_type, updated_at
		FROM subject_stats WHERE subject = $1`, subject,
	).Scan(&hits, &misses, &writes, &items, &avg, &lastType, &updated)
	if errors.Is(err, sqldb.ErrNoRows) {
		return models.Stats{Subject: subject}, false, nil
	}
	if err != nil {
		return models.Stats{}, false, synerr.NewStorageError("load_stats", subject, err)
	}
	return models.Stats{
		Subject:           subject,
		Hits:              uint64(hits),
		Misses:            uint64(misses),
		Writes:            uint64(writes),
		TotalItemsCached:  uint64(items),
		AvgResponseTimeMs: avg,
		LastUpdateType:    models.UpdateType(lastType),
		UpdatedAt:         fromNanos(updated),
	}, true, nil
}

// SaveStats upserts a subject's stats row.
func (s *SQLDBStore) SaveStats(ctx context.Context, st models.Stats) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subject_stats (
			subject, hits, misses, writes, total_items_cached, avg_response_time_ms, last_update_type, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject) DO UPDATE SET
			hits = EXCLUDED.hits,
			misses = EXCLUDED.misses,
			writes = EXCLUDED.writes,
			total_items_cached = EXCLUDED.total_items_cached,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			last_update_type = EXCLUDED.last_update_type,
			updated_at = EXCLUDED.updated_at`,
		st.Subject, int64(st.Hits), int64(st.Misses), int64(st.Writes), int64(st.TotalItemsCached),
		st.AvgResponseTimeMs, string(st.LastUpdateType), toNanos(st.UpdatedAt),
	)
	if err != nil {
		return synerr.NewStorageError("save_stats", st.Subject, err)
	}
	return nil
}

// DeleteStats drops a subject's stats row.
func (s *SQLDBStore) DeleteStats(ctx context.Context, subject string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM subject_stats WHERE subject = $1`, subject); err != nil {
		return synerr.NewStorageError("delete_stats", subject, err)
	}
	return nil
}

// Close is a no-op; Encore owns the connection pool.
func (s *SQLDBStore) Close() error { return nil }

var _ Backend = (*SQLDBStore)(nil)
