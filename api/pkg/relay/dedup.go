package relay

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// RecentKeys remembers idempotency keys this instance has already acted
// on. A command can reach an instance more than once (direct send plus bus
// broadcast plus poll), and the set makes replays cheap to drop before
// touching the store.
type RecentKeys struct {
	keys *xsync.MapOf[string, time.Time]
}

func NewRecentKeys() *RecentKeys {
	return &RecentKeys{
		keys: xsync.NewMapOf[string, time.Time](),
	}
}

// Seen records the key and reports whether it was already present.
func (r *RecentKeys) Seen(key string) bool {
	_, loaded := r.keys.LoadOrStore(key, time.Now())
	return loaded
}

// Purge drops keys older than the sliding window. Called by the janitor.
func (r *RecentKeys) Purge(window time.Duration) int {
	cutoff := time.Now().Add(-window)
	purged := 0
	r.keys.Range(func(key string, seenAt time.Time) bool {
		if seenAt.Before(cutoff) {
			r.keys.Delete(key)
			purged++
		}
		return true
	})
	return purged
}

func (r *RecentKeys) Size() int {
	return r.keys.Size()
}
