// Package track implements the live message-ingestion side of atwatch: the
// per-room rolling cache of recent messages and the session tracker that
// correlates incoming messages against open mention-tracking sessions.
package track

import (
	"iter"
	"sync"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

// DefaultCacheSize is the per-room rolling-cache capacity used when the
// configuration does not override it.
const DefaultCacheSize = 5

// Cache is a per-room fixed-capacity FIFO buffer of recent messages, used to
// reconstruct context when a mention first appears. Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string][]record.Message
}

// NewCache creates a Cache whose per-room buffers hold at most capacity
// messages. Non-positive capacities fall back to DefaultCacheSize.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		rooms:    make(map[string][]record.Message),
	}
}

// Observe appends msg to the room's buffer, evicting the oldest entry when
// the buffer is at capacity.
func (c *Cache) Observe(roomID string, msg record.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.rooms[roomID], msg)
	if len(buf) > c.capacity {
		buf = buf[len(buf)-c.capacity:]
	}
	c.rooms[roomID] = buf
}

// Snapshot returns the room's current contents oldest→newest as a lazy,
// finite sequence. The sequence iterates over a copy taken at call time, so
// later Observe calls do not affect an in-progress iteration.
func (c *Cache) Snapshot(roomID string) iter.Seq[record.Message] {
	c.mu.RLock()
	buf := make([]record.Message, len(c.rooms[roomID]))
	copy(buf, c.rooms[roomID])
	c.mu.RUnlock()

	return func(yield func(record.Message) bool) {
		for _, msg := range buf {
			if !yield(msg) {
				return
			}
		}
	}
}

// Len returns the current number of cached messages for a room.
func (c *Cache) Len(roomID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[roomID])
}
