package chat

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// recentIDs remembers which connection first delivered a message id. When two
// bot identities sit in the same channel every message arrives twice.
type recentIDs struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		size = 4096
	}
	return &recentIDs{cache: lru.New(size)}
}

// duplicate reports whether id was already delivered by a different connection.
// Redelivery on the same connection is not a duplicate.
func (r *recentIDs) duplicate(id string, from ConnectionKey) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(id); ok {
		return v.(ConnectionKey) != from
	}
	r.cache.Add(id, from)
	return false
}
