package gossip

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// RecentSet de-duplicates control messages by msg_id: a bloom filter
// gives a fast, lock-light negative answer; an LRU-bounded map with a
// retention window is the source of truth for positive answers and for
// eventual forgetting (default 4096 entries, 2-minute retention).
type RecentSet struct {
	mu        sync.Mutex
	bloom     *bloomFilter
	cache     *lru.Cache
	retention time.Duration
}

// NewRecentSet creates a RecentSet with the given capacity and
// retention window.
func NewRecentSet(capacity int, retention time.Duration) *RecentSet {
	cache, _ := lru.New(capacity)
	return &RecentSet{
		bloom:     newBloomFilter(capacity*16, 4),
		cache:     cache,
		retention: retention,
	}
}

// Seen reports whether key was already observed within the retention
// window.
func (r *RecentSet) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.bloom.mightContain(key) {
		return false
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return false
	}
	seenAt := v.(time.Time)
	return time.Since(seenAt) < r.retention
}

// Add records key as seen now.
func (r *RecentSet) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bloom.add(key)
	r.cache.Add(key, time.Now())
}
