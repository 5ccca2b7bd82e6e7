// Package state holds the dashboard's normalized entity collections: the
// in-memory model every UI projection reads from. Mutations arrive from
// query responses and from push updates; both funnel through the same
// idempotent upsert so at-least-once delivery never double-counts.
package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryCap is the per-collection bound on retained change records.
const DefaultHistoryCap = 256

// Entity is a normalized, identity-keyed record. Contribution is the
// entity's share of the collection aggregate (USD value for wallets,
// in-flight USD volume for transactions).
type Entity interface {
	EntityID() string
	Contribution() float64
}

// Change records one entity mutation. Previous is nil for a creation, Next
// is nil for a removal.
type Change struct {
	EntityID  string          `json:"entity_id"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Next      json.RawMessage `json:"next,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	CauseID   string          `json:"cause_id,omitempty"`
}

// Collection is a keyed set of entities with an incrementally maintained
// aggregate and a bounded change-history ring. All mutations run under one
// lock: no reader ever observes an aggregate mid-recomputation.
type Collection[E Entity] struct {
	mu    sync.RWMutex
	items map[string]E

	aggregate float64

	// history is a fixed-capacity ring; head points at the oldest entry.
	history []Change
	head    int
	count   int
}

// NewCollection creates an empty collection retaining at most historyCap
// change records.
func NewCollection[E Entity](historyCap int) *Collection[E] {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Collection[E]{
		items:   make(map[string]E),
		history: make([]Change, historyCap),
	}
}

// Upsert inserts or replaces the entity, adjusts the aggregate by the
// contribution delta, and appends a change record. Applying the same value
// twice leaves the aggregate untouched.
func (c *Collection[E]) Upsert(entity E, causeID string) {
	c.Update(entity.EntityID(), causeID, func(E, bool) (E, bool) {
		return entity, true
	})
}

// Update runs a read-modify-write for the ID under the collection lock: fn
// receives the current value and whether it exists, and returns the value to
// store. Returning false drops the write. Concurrent mutations of the same
// ID cannot interleave between the read and the write.
func (c *Collection[E]) Update(id, causeID string, fn func(cur E, ok bool) (E, bool)) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, existed := c.items[id]
	entity, write := fn(old, existed)
	if !write {
		return false
	}

	var prev json.RawMessage
	var prevContribution float64
	if existed {
		prev, _ = json.Marshal(old)
		prevContribution = old.Contribution()
	}

	c.items[id] = entity
	c.aggregate += entity.Contribution() - prevContribution

	next, _ := json.Marshal(entity)
	c.appendLocked(Change{
		EntityID:  id,
		Previous:  prev,
		Next:      next,
		Timestamp: time.Now().UTC(),
		CauseID:   causeID,
	})
	return true
}

// Remove drops the entity and its contribution. Unknown IDs are a no-op.
func (c *Collection[E]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.items[id]
	if !ok {
		return false
	}
	delete(c.items, id)
	c.aggregate -= old.Contribution()

	prev, _ := json.Marshal(old)
	c.appendLocked(Change{
		EntityID:  id,
		Previous:  prev,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// Clear drops every entity, zeroes the aggregate, and discards history.
func (c *Collection[E]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]E)
	c.aggregate = 0
	c.head = 0
	c.count = 0
}

// Get returns the entity by ID.
func (c *Collection[E]) Get(id string) (E, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	return e, ok
}

// List returns all live entities ordered by ID.
func (c *Collection[E]) List() []E {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]E, 0, len(c.items))
	for _, e := range c.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Len returns the number of live entities.
func (c *Collection[E]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Aggregate returns the maintained sum of live contributions.
func (c *Collection[E]) Aggregate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aggregate
}

// History returns the retained change records, oldest first.
func (c *Collection[E]) History() []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Change, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.history[(c.head+i)%len(c.history)])
	}
	return out
}

func (c *Collection[E]) appendLocked(change Change) {
	capacity := len(c.history)
	if c.count == capacity {
		// Ring full: overwrite the oldest entry.
		c.history[c.head] = change
		c.head = (c.head + 1) % capacity
		return
	}
	c.history[(c.head+c.count)%capacity] = change
	c.count++
}
