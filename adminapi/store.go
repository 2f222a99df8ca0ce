// Package adminapi is an in-memory implementation of the remote admin API:
// per-kind batch endpoints with per-operation results and paginated lists.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

type collection struct {
	nextID uint64
	rows   map[uint64]domain.Patch
}

// Store holds every kind's rows. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	kinds map[domain.Kind]*collection
	now   func() time.Time
}

func NewStore() *Store {
	s := &Store{kinds: make(map[domain.Kind]*collection), now: time.Now}
	for _, k := range domain.Kinds {
		s.kinds[k] = &collection{rows: make(map[uint64]domain.Patch)}
	}
	return s
}

// Insert stores row as-is, assigning an id when it has none. It returns
// the id used.
func (s *Store) Insert(kind domain.Kind, row domain.Patch) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.kinds[kind]
	if !ok {
		return 0, domain.ErrUnknownKind
	}
	row = row.Clone()
	var id domain.EntityID
	if _, err := row.Decode("id", &id); err != nil {
		return 0, fmt.Errorf("decode id: %w", err)
	}
	if !id.IsReal() {
		c.nextID++
		id = domain.Real(c.nextID)
		if err := row.Set("id", id); err != nil {
			return 0, err
		}
	}
	if id.Value() > c.nextID {
		c.nextID = id.Value()
	}
	c.rows[id.Value()] = row
	return id.Value(), nil
}

// Get returns a copy of one row.
func (s *Store) Get(kind domain.Kind, id uint64) (domain.Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.kinds[kind]
	if !ok {
		return nil, false
	}
	row, ok := c.rows[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

func (s *Store) Len(kind domain.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.kinds[kind]; ok {
		return len(c.rows)
	}
	return 0
}

// List returns one page of rows ordered by id.
func (s *Store) List(kind domain.Kind, page, perPage int) ([]json.RawMessage, domain.PageMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.kinds[kind]
	if !ok {
		return nil, domain.PageMeta{}, domain.ErrUnknownKind
	}
	ids := make([]uint64, 0, len(c.rows))
	for id := range c.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	total := len(ids)
	last := max(1, (total+perPage-1)/perPage)
	meta := domain.PageMeta{CurrentPage: page, LastPage: last, PerPage: perPage, Total: total}
	start := (page - 1) * perPage
	if start >= total {
		return []json.RawMessage{}, meta, nil
	}
	end := min(start+perPage, total)
	items := make([]json.RawMessage, 0, end-start)
	for _, id := range ids[start:end] {
		data, err := sonic.Marshal(c.rows[id])
		if err != nil {
			return nil, meta, err
		}
		items = append(items, data)
	}
	return items, meta, nil
}

// Apply executes one operation and reports its outcome. Failures never
// abort the rest of a batch.
func (s *Store) Apply(kind domain.Kind, op domain.Intent) domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.kinds[kind]
	if !ok {
		return reject(op, http.StatusNotFound, "unknown collection %s", kind)
	}
	switch op.Type {
	case domain.OpCreate:
		return s.createLocked(kind, c, op)
	case domain.OpUpdate:
		return s.updateLocked(kind, c, op)
	case domain.OpDelete:
		if !op.Delete.ID.IsReal() {
			return reject(op, http.StatusUnprocessableEntity, "invalid id %s", op.Delete.ID)
		}
		if _, ok := c.rows[op.Delete.ID.Value()]; !ok {
			return reject(op, http.StatusNotFound, "%s %s not found", kind, op.Delete.ID)
		}
		delete(c.rows, op.Delete.ID.Value())
		return domain.Result{ID: op.ID, OK: true}
	case domain.OpReorder:
		return s.reorderLocked(kind, c, op)
	case domain.OpMove:
		return s.moveLocked(kind, c, op)
	}
	return reject(op, http.StatusBadRequest, "unsupported operation %q", op.Type)
}

func (s *Store) createLocked(kind domain.Kind, c *collection, op domain.Intent) domain.Result {
	row := op.Create.Payload.Without("id")
	if err := validate(kind, row); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if err := s.checkScopeLocked(kind, row); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if kind == domain.KindTask && !row.Has(domain.TaskRankField) {
		var col domain.EntityID
		_, _ = row.Decode(domain.TaskScopeField, &col)
		_ = row.Set(domain.TaskRankField, nextRank(c, col))
	}
	if kind == domain.KindColumn {
		stamp := s.now().UTC().Format(time.RFC3339)
		_ = row.Set("created_at", stamp)
		_ = row.Set("updated_at", stamp)
	}
	c.nextID++
	id := c.nextID
	_ = row.Set("id", id)
	c.rows[id] = row
	return withData(op, row)
}

func (s *Store) updateLocked(kind domain.Kind, c *collection, op domain.Intent) domain.Result {
	id := op.Update.ID
	if !id.IsReal() {
		return reject(op, http.StatusUnprocessableEntity, "invalid id %s", id)
	}
	row, ok := c.rows[id.Value()]
	if !ok {
		return reject(op, http.StatusNotFound, "%s %s not found", kind, id)
	}
	patch := op.Update.Patch.Without("id")
	next := row.Merge(patch)
	if err := validate(kind, next); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if err := s.checkScopeLocked(kind, patch); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if kind == domain.KindColumn {
		_ = next.Set("updated_at", s.now().UTC().Format(time.RFC3339))
	}
	c.rows[id.Value()] = next
	return withData(op, next)
}

func (s *Store) reorderLocked(kind domain.Kind, c *collection, op domain.Intent) domain.Result {
	if kind != domain.KindTask {
		return reject(op, http.StatusUnprocessableEntity, "%s are not ordered", kind)
	}
	scope := op.Reorder.Scope
	if err := s.columnExistsLocked(scope); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if err := realIDs(op.Reorder.OrderedIDs); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	rankAll(c, scope, op.Reorder.OrderedIDs)
	return domain.Result{ID: op.ID, OK: true}
}

func (s *Store) moveLocked(kind domain.Kind, c *collection, op domain.Intent) domain.Result {
	if kind != domain.KindTask {
		return reject(op, http.StatusUnprocessableEntity, "%s are not ordered", kind)
	}
	m := op.Move
	row, ok := c.rows[m.ID.Value()]
	if !m.ID.IsReal() || !ok {
		return reject(op, http.StatusNotFound, "%s %s not found", kind, m.ID)
	}
	if err := s.columnExistsLocked(m.ToScope); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if err := realIDs(m.TargetOrderedIDs); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	if err := realIDs(m.SourceOrderedIDs); err != nil {
		return reject(op, http.StatusUnprocessableEntity, "%v", err)
	}
	_ = row.Set(domain.TaskScopeField, m.ToScope)
	_ = row.Set(domain.TaskRankField, m.ToIndex)
	rankAll(c, m.ToScope, m.TargetOrderedIDs)
	if m.FromScope.IsReal() && m.FromScope != m.ToScope {
		rankAll(c, m.FromScope, m.SourceOrderedIDs)
	}
	return withData(op, row)
}

// checkScopeLocked rejects tasks pointing at columns that do not exist.
func (s *Store) checkScopeLocked(kind domain.Kind, row domain.Patch) error {
	if kind != domain.KindTask || !row.Has(domain.TaskScopeField) {
		return nil
	}
	var col domain.EntityID
	if _, err := row.Decode(domain.TaskScopeField, &col); err != nil {
		return fmt.Errorf("%s: %w", domain.TaskScopeField, err)
	}
	return s.columnExistsLocked(col)
}

func (s *Store) columnExistsLocked(id domain.EntityID) error {
	if !id.IsReal() {
		return fmt.Errorf("column %s is not a valid id", id)
	}
	if _, ok := s.kinds[domain.KindColumn].rows[id.Value()]; !ok {
		return fmt.Errorf("column %s does not exist", id)
	}
	return nil
}

func realIDs(ids []domain.EntityID) error {
	for _, id := range ids {
		if !id.IsReal() {
			return fmt.Errorf("ordering contains unsaved id %s", id)
		}
	}
	return nil
}

func rankAll(c *collection, scope domain.EntityID, ordered []domain.EntityID) {
	for i, id := range ordered {
		row, ok := c.rows[id.Value()]
		if !ok {
			continue
		}
		_ = row.Set(domain.TaskScopeField, scope)
		_ = row.Set(domain.TaskRankField, i)
	}
}

func nextRank(c *collection, scope domain.EntityID) int {
	next := 0
	for _, row := range c.rows {
		var col domain.EntityID
		var rank int
		_, _ = row.Decode(domain.TaskScopeField, &col)
		if col != scope {
			continue
		}
		if _, err := row.Decode(domain.TaskRankField, &rank); err == nil && rank >= next {
			next = rank + 1
		}
	}
	return next
}

func reject(op domain.Intent, status int, format string, args ...any) domain.Result {
	return domain.Result{ID: op.ID, Status: status, Error: fmt.Sprintf(format, args...)}
}

func withData(op domain.Intent, row domain.Patch) domain.Result {
	data, err := sonic.Marshal(map[string]any{"data": row})
	if err != nil {
		return reject(op, http.StatusInternalServerError, "encode %v", err)
	}
	return domain.Result{ID: op.ID, OK: true, Data: data}
}
