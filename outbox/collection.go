package outbox

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

// Collection is the kind-agnostic surface of a Queue used by transports
// that only deal in encoded entities.
type Collection interface {
	Kind() domain.Kind
	CreateJSON(data []byte) (json.RawMessage, error)
	UpdateJSON(id domain.EntityID, patch domain.Patch) (json.RawMessage, error)
	FindJSON(id domain.EntityID) (json.RawMessage, error)
	ListJSON() (json.RawMessage, error)
	ScopeJSON(scope domain.EntityID) (json.RawMessage, error)
	Delete(id domain.EntityID) error
	Reorder(scope domain.EntityID, ordered []domain.EntityID) error
	Move(id, toScope domain.EntityID, toIndex int, targetOrdered []domain.EntityID) error
	Flush(ctx context.Context) error
	Online(ctx context.Context) error
	Refresh(ctx context.Context) error
	Retry(ids ...domain.EntityID) error
	RetryAll() error
	Stats() Stats
	HasUnsynced() bool
	HasErrors() bool
	Hydrate(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Collection = (*Queue[domain.Task])(nil)

func (q *Queue[T]) CreateJSON(data []byte) (json.RawMessage, error) {
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	it, err := q.Create(v)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(it)
}

func (q *Queue[T]) UpdateJSON(id domain.EntityID, patch domain.Patch) (json.RawMessage, error) {
	it, err := q.Update(id, patch)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(it)
}

func (q *Queue[T]) FindJSON(id domain.EntityID) (json.RawMessage, error) {
	it, ok := q.Find(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sonic.Marshal(it)
}

func (q *Queue[T]) ListJSON() (json.RawMessage, error) {
	return sonic.Marshal(q.List())
}

func (q *Queue[T]) ScopeJSON(scope domain.EntityID) (json.RawMessage, error) {
	if !q.ordered {
		return nil, domain.ErrNotOrdered
	}
	return sonic.Marshal(q.ByScope(scope))
}
