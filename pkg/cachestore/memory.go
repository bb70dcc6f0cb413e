package cachestore

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
)

type lruEntry struct {
	key     string
	entry   *models.CacheEntry
	element *list.Element // for O(1) removal
}

// MemoryStore is a thread-safe in-memory Backend. Unbounded by default, lines
// leave only through Delete or DeleteSubject; a positive bound opts into LRU
// eviction.
// Trade-offs:
// - RWMutex over sync.Map: LRU ordering needs a consistent view of list and map
// - Get takes the write lock briefly to move the line to the front
// - Evicted lines keep their version counter, like deleted ones
type MemoryStore struct {
	mu         sync.RWMutex
	lines      map[string]*lruEntry
	versions   map[string]uint64
	stats      map[string]models.Stats
	lruList    *list.List
	maxEntries int
	evictions  uint64
}

// NewMemoryStore creates a store. maxEntries > 0 evicts the least recently
// used line past that many; 0 never evicts.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		lines:      make(map[string]*lruEntry),
		versions:   make(map[string]uint64),
		stats:      make(map[string]models.Stats),
		lruList:    list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns a copy of the line.
// Complexity: O(1) average.
func (m *MemoryStore) Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, synerr.NewStorageError("get", key.String(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lines[key.String()]
	if !ok {
		return nil, synerr.ErrNotFound
	}
	m.lruList.MoveToFront(e.element)
	return e.entry.Clone(), nil
}

// Put stores a new entry, evicting the least recently used line at capacity.
// Complexity: O(1).
func (m *MemoryStore) Put(ctx context.Context, key models.CacheKey, w models.Write) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, synerr.NewStorageError("put", key.String(), err)
	}
	if err := validateWrite(key, w); err != nil {
		return nil, synerr.NewStorageError("put", key.String(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	version := m.versions[k] + 1
	entry := buildEntry(key, version, w)
	m.versions[k] = version

	if existing, ok := m.lines[k]; ok {
		existing.entry = entry
		m.lruList.MoveToFront(existing.element)
		return entry.Clone(), nil
	}

	if m.maxEntries > 0 && m.lruList.Len() >= m.maxEntries {
		m.evictLRUUnsafe()
	}

	le := &lruEntry{key: k, entry: entry}
	le.element = m.lruList.PushFront(le)
	m.lines[k] = le
	return entry.Clone(), nil
}

// Delete removes a line.
func (m *MemoryStore) Delete(ctx context.Context, key models.CacheKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, synerr.NewStorageError("delete", key.String(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteUnsafe(key.String()), nil
}

// DeleteSubject removes every line whose key starts with the subject prefix.
func (m *MemoryStore) DeleteSubject(ctx context.Context, subject string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, synerr.NewStorageError("delete_subject", subject, err)
	}
	prefix := models.SubjectPrefix(subject)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Collect first to avoid modifying the map while ranging it
	var doomed []string
	for k := range m.lines {
		if strings.HasPrefix(k, prefix) {
			doomed = append(doomed, k)
		}
	}
	count := 0
	for _, k := range doomed {
		if m.deleteUnsafe(k) {
			count++
		}
	}
	return count, nil
}

// Keys lists a subject's lines.
func (m *MemoryStore) Keys(ctx context.Context, subject string) ([]models.CacheKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, synerr.NewStorageError("keys", subject, err)
	}
	prefix := models.SubjectPrefix(subject)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []models.CacheKey
	for k, e := range m.lines {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, e.entry.Key)
		}
	}
	return keys, nil
}

// deleteUnsafe must be called with the write lock held.
func (m *MemoryStore) deleteUnsafe(k string) bool {
	e, ok := m.lines[k]
	if !ok {
		return false
	}
	m.lruList.Remove(e.element)
	delete(m.lines, k)
	return true
}

// evictLRUUnsafe must be called with the write lock held.
func (m *MemoryStore) evictLRUUnsafe() {
	oldest := m.lruList.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*lruEntry)
	m.lruList.Remove(oldest)
	delete(m.lines, e.key)
	m.evictions++
}

// LoadStats returns the stored stats row of a subject.
func (m *MemoryStore) LoadStats(ctx context.Context, subject string) (models.Stats, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Stats{}, false, synerr.NewStorageError("load_stats", subject, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[subject]
	return s, ok, nil
}

// SaveStats upserts a stats row.
func (m *MemoryStore) SaveStats(ctx context.Context, stats models.Stats) error {
	if err := ctx.Err(); err != nil {
		return synerr.NewStorageError("save_stats", stats.Subject, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stats.Subject] = stats
	return nil
}

// DeleteStats drops a stats row.
func (m *MemoryStore) DeleteStats(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, subject)
	return nil
}

// Size returns the number of lines held.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lines)
}

// Evictions returns how many lines were dropped for capacity.
func (m *MemoryStore) Evictions() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evictions
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ Backend = (*MemoryStore)(nil)
