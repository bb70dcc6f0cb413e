package coordinator

import (
	"strings"
	"sync"
	"time"

	"assistantsync.app/pkg/models"
)

type backoffState struct {
	until time.Time
	cause error
}

// backoffTable holds keys that hit an upstream rate limit.
// Entries expire lazily on lookup.
type backoffTable struct {
	mu   sync.Mutex
	keys map[string]backoffState
	now  func() time.Time
}

func newBackoffTable(now func() time.Time) *backoffTable {
	return &backoffTable{keys: make(map[string]backoffState), now: now}
}

func (b *backoffTable) enter(key models.CacheKey, cooldown time.Duration, cause error) time.Time {
	until := b.now().Add(cooldown)
	b.mu.Lock()
	defer b.mu.Unlock()
	// a longer cooldown already in place wins
	if cur, ok := b.keys[key.String()]; ok && cur.until.After(until) {
		return cur.until
	}
	b.keys[key.String()] = backoffState{until: until, cause: cause}
	return until
}

// active reports whether key is still cooling down, and why.
func (b *backoffTable) active(key models.CacheKey) (backoffState, bool) {
	k := key.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.keys[k]
	if !ok {
		return backoffState{}, false
	}
	if !b.now().Before(st.until) {
		delete(b.keys, k)
		return backoffState{}, false
	}
	return st, true
}

func (b *backoffTable) clear(key models.CacheKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key.String())
}

func (b *backoffTable) clearSubject(subject string) int {
	prefix := models.SubjectPrefix(subject)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.keys {
		if strings.HasPrefix(k, prefix) {
			delete(b.keys, k)
			n++
		}
	}
	return n
}

func (b *backoffTable) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}
