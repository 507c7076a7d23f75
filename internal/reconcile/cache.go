// Package reconcile implements the client side of the story log: a local,
// possibly-optimistic cache of session history and the polling loop that keeps
// it converged with the authoritative log.
package reconcile

import (
	"sort"
	"sync"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// entry is one cached message plus its confirmation state. Pending entries
// are local optimistic appends that the server has not yet echoed back.
type entry struct {
	msg     story.Message
	pending bool
}

// Cache holds a client's local view of a session history, keyed by message id.
// Merging is an id-based set union: merging the same history twice yields the
// same cache as merging it once. The cache is goroutine-safe.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Merge folds a freshly fetched authoritative history into the cache. Every
// fetched message is confirmed by definition: a confirmed copy replaces any
// optimistic entry with the same id. It reports whether the cache changed
// (a new id appeared or a pending entry was confirmed), which is what decides
// whether the UI re-renders.
func (c *Cache) Merge(history []story.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for _, m := range history {
		prev, ok := c.entries[m.ID]
		if ok && !prev.pending {
			continue // already confirmed; later copies are discarded, not merged
		}
		c.entries[m.ID] = entry{msg: m}
		changed = true
	}
	return changed
}

// AddPending records a local optimistic append before the store confirms it.
func (c *Cache) AddPending(m story.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[m.ID]; ok {
		return
	}
	c.entries[m.ID] = entry{msg: m, pending: true}
}

// RemovePending rolls back an optimistic append whose store write failed. It
// only removes the entry while it is still pending; a confirmed entry stays.
func (c *Cache) RemovePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.pending {
		delete(c.entries, id)
	}
}

// IsPending reports whether the given id is still awaiting confirmation.
func (c *Cache) IsPending(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return ok && e.pending
}

// Len returns the number of cached messages, pending included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// History returns the cached messages in timestamp order. The cache has no
// arrival order of its own (it is a map), so ties break on id to keep the
// rendered order deterministic between polls.
func (c *Cache) History() []story.Message {
	c.mu.RLock()
	msgs := make([]story.Message, 0, len(c.entries))
	for _, e := range c.entries {
		msgs = append(msgs, e.msg)
	}
	c.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
