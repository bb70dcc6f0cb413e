package cachestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/models"
)

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestOpenSQLite_AppliesPragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	var journal string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", strings.ToLower(journal))

	var busy int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 5000, busy)

	var synchronous int
	require.NoError(t, s.db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	key := testKey("u1", models.ResourceConcepts)
	payload := "[" + strings.Repeat(`{"id":"n","label":"concept"},`, 100) + `{"id":"last"}]`

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	first, err := s.Put(ctx, key, testWrite(payload, t0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got.Payload))
	assert.Equal(t, first.Fingerprint, got.Fingerprint)

	next, err := s.Put(ctx, key, testWrite(`[]`, t0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version)
}
