package outbox

import (
	"sort"

	"prism-sync/domain"
)

// idSet records ids such as tombstones (real ids deleted locally) and
// stillborn temp ids (deleted while their create was in flight).
type idSet map[domain.EntityID]struct{}

func (s idSet) add(id domain.EntityID)    { s[id] = struct{}{} }
func (s idSet) remove(id domain.EntityID) { delete(s, id) }

func (s idSet) has(id domain.EntityID) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) sorted() []domain.EntityID {
	out := make([]domain.EntityID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Int64() < out[j].Int64() })
	return out
}

func idSetOf(ids []domain.EntityID) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s.add(id)
	}
	return s
}
