package outbox

import (
	"slices"
	"sort"

	"prism-sync/domain"
)

// Lifecycle is the optimistic state of a cached entity.
type Lifecycle string

const (
	Confirmed     Lifecycle = "confirmed"
	PendingCreate Lifecycle = "pendingCreate"
	Errored       Lifecycle = "errored"
)

// Item is a cached entity together with its lifecycle state.
type Item[T any] struct {
	Entity T         `json:"entity"`
	State  Lifecycle `json:"state"`
	Error  string    `json:"error,omitempty"`
}

// entityCache keeps at most one item per id in insertion order.
type entityCache[T domain.Entity[T]] struct {
	order []domain.EntityID
	items map[domain.EntityID]*Item[T]
}

func newEntityCache[T domain.Entity[T]]() *entityCache[T] {
	return &entityCache[T]{items: make(map[domain.EntityID]*Item[T])}
}

func (c *entityCache[T]) len() int { return len(c.order) }

func (c *entityCache[T]) get(id domain.EntityID) (*Item[T], bool) {
	it, ok := c.items[id]
	return it, ok
}

// upsert replaces the item in place or appends it.
func (c *entityCache[T]) upsert(it Item[T]) {
	id := it.Entity.Key()
	if cur, ok := c.items[id]; ok {
		*cur = it
		return
	}
	cp := it
	c.items[id] = &cp
	c.order = append(c.order, id)
}

func (c *entityCache[T]) remove(id domain.EntityID) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return true
}

// rekey swaps from for it, keeping from's position. Any item already stored
// under the new key is dropped first.
func (c *entityCache[T]) rekey(from domain.EntityID, it Item[T]) {
	to := it.Entity.Key()
	if to != from {
		c.remove(to)
	}
	i := slices.Index(c.order, from)
	if i < 0 {
		c.upsert(it)
		return
	}
	delete(c.items, from)
	cp := it
	c.items[to] = &cp
	c.order[i] = to
}

func (c *entityCache[T]) list() []Item[T] {
	out := make([]Item[T], 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.items[id])
	}
	return out
}

// scoped returns the items of one scope sorted by rank; insertion order
// breaks ties.
func (c *entityCache[T]) scoped(scope domain.EntityID) []Item[T] {
	var out []Item[T]
	for _, id := range c.order {
		it := c.items[id]
		if r, ok := any(it.Entity).(domain.Ranked[T]); ok && r.Scope() == scope {
			out = append(out, *it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rankOf(out[i].Entity) < rankOf(out[j].Entity)
	})
	return out
}

func (c *entityCache[T]) scopedIDs(scope domain.EntityID) []domain.EntityID {
	items := c.scoped(scope)
	ids := make([]domain.EntityID, len(items))
	for i, it := range items {
		ids[i] = it.Entity.Key()
	}
	return ids
}

// place assigns scope and rank to id.
func (c *entityCache[T]) place(id domain.EntityID, scope domain.EntityID, rank int) bool {
	it, ok := c.items[id]
	if !ok {
		return false
	}
	r, ok := any(it.Entity).(domain.Ranked[T])
	if !ok {
		return false
	}
	it.Entity = r.Place(scope, rank)
	return true
}

// rankAll gives ids the dense ranks 0..len-1 inside scope.
func (c *entityCache[T]) rankAll(scope domain.EntityID, ids []domain.EntityID) {
	for i, id := range ids {
		c.place(id, scope, i)
	}
}

func (c *entityCache[T]) clone() *entityCache[T] {
	out := newEntityCache[T]()
	for _, it := range c.list() {
		out.upsert(it)
	}
	return out
}

func rankOf[T any](v T) int {
	if r, ok := any(v).(domain.Ranked[T]); ok {
		return r.Rank()
	}
	return 0
}

func scopeOf[T any](v T) domain.EntityID {
	if r, ok := any(v).(domain.Ranked[T]); ok {
		return r.Scope()
	}
	return domain.EntityID{}
}
