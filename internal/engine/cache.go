package engine

import (
	"sync"

	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// HistoryCache holds the client-side ordered message log per session key,
// each with a revision counter that strictly increases on every structural
// mutation. Revision 0 is reserved for "never synchronized", which is
// distinct from "synchronized, empty" (an entry with no messages).
//
// Ordering invariant: wherever a message carries an explicit history index
// the log is monotonic in it; unindexed optimistic entries appear only at the
// tail and contribute their array position instead.
type HistoryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	msgs     []protocol.Message
	revision uint64
}

func NewHistoryCache() *HistoryCache {
	return &HistoryCache{entries: make(map[string]*cacheEntry)}
}

// Get returns a copy of the cached log and whether the session has ever been
// synchronized.
func (c *HistoryCache) Get(key string) ([]protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]protocol.Message, len(e.msgs))
	copy(out, e.msgs)
	return out, true
}

// Has reports whether any log, even an empty one, exists for key.
func (c *HistoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Replace installs msgs as the new canonical log for key and bumps the
// revision.
func (c *HistoryCache) Replace(key string, msgs []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureLocked(key)
	e.msgs = make([]protocol.Message, len(msgs))
	copy(e.msgs, msgs)
	e.revision++
}

// Upsert installs a single message. A message whose history index matches an
// existing entry's effective index replaces that entry in place, which makes
// redelivery and streamed-message finalization idempotent; anything else is
// appended. Unindexed messages always append: they are optimistic entries
// waiting for the server to place them.
//
// The returned flag is true when the log grew.
func (c *HistoryCache) Upsert(key string, m protocol.Message) (appended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensureLocked(key)
	e.revision++
	if m.HistoryIndex != nil {
		want := *m.HistoryIndex
		for i, existing := range e.msgs {
			if effectiveIndex(existing, i) == want {
				e.msgs[i] = m
				return false
			}
		}
	}
	e.msgs = append(e.msgs, m)
	return true
}

// Clear drops the cache for the given keys, or for every session when called
// with none. Cleared sessions revert to the never-synchronized state.
func (c *HistoryCache) Clear(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.entries = make(map[string]*cacheEntry)
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// TailIndex returns the highest resolved position for key, or -1 when the
// session is absent or empty.
func (c *HistoryCache) TailIndex(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return -1
	}
	return TailOf(e.msgs)
}

// Revision returns the current revision for key, or 0 when absent.
func (c *HistoryCache) Revision(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0
	}
	return e.revision
}

// HasUnindexed reports whether the log still holds optimistic entries the
// server has not acknowledged.
func (c *HistoryCache) HasUnindexed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	for _, m := range e.msgs {
		if m.HistoryIndex == nil {
			return true
		}
	}
	return false
}

// MaxSeq returns the highest client-assigned user message counter in the
// log, or 0 when none is present. Used to resume numbering across reloads.
func (c *HistoryCache) MaxSeq(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0
	}
	max := 0
	for _, m := range e.msgs {
		if m.Seq != nil && *m.Seq > max {
			max = *m.Seq
		}
	}
	return max
}

func (c *HistoryCache) ensureLocked(key string) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e
}

// TailOf computes the highest known canonical position in msgs: the maximum
// explicit history index, with array position standing in for entries that
// have none. Optimistic entries must count toward the tail so that a second
// rapid send cannot be placed at a colliding position.
func TailOf(msgs []protocol.Message) int {
	tail := -1
	for i, m := range msgs {
		if idx := effectiveIndex(m, i); idx > tail {
			tail = idx
		}
	}
	return tail
}

func effectiveIndex(m protocol.Message, pos int) int {
	if m.HistoryIndex != nil {
		return *m.HistoryIndex
	}
	return pos
}
