package outbox

import (
	"context"
	"slices"

	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

// Refresh re-reads the whole collection and merges it into the cache.
// Tombstoned ids are dropped, pending and errored local entities are kept,
// and queued intents are replayed on top. While a create is in flight the
// merge waits for its flush so the entity is not listed under both ids.
// Starting a refresh cancels the one already running, which then returns
// ErrSuperseded.
func (q *Queue[T]) Refresh(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrClosed
	}
	if q.fetchStop != nil {
		q.fetchStop()
	}
	ctx, cancel := context.WithCancel(ctx)
	q.fetchGen++
	gen := q.fetchGen
	q.fetchStop = cancel
	since := q.reconciles
	q.mu.Unlock()
	defer cancel()

	fetched, err := q.fetchAll(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.fetchGen {
		return domain.ErrSuperseded
	}
	if err != nil {
		q.fetchStop = nil
		return err
	}
	for q.creatingLocked() {
		wait := q.flushed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		q.mu.Lock()
		if gen != q.fetchGen {
			return domain.ErrSuperseded
		}
		if err := ctx.Err(); err != nil {
			q.fetchStop = nil
			return err
		}
	}
	q.fetchStop = nil
	q.mergeFetchedLocked(fetched, since)
	q.markDirtyLocked()
	return nil
}

// fetchAll pages until the server reports the last page, repeats a leading
// item, returns an empty page or a page or item ceiling is reached.
func (q *Queue[T]) fetchAll(ctx context.Context) ([]T, error) {
	var out []T
	seen := make(map[domain.EntityID]struct{})
	lastSeen := 0
	for page := 1; page <= q.cfg.MaxPages && len(out) < q.cfg.MaxItems; page++ {
		p, err := q.remote.FetchPage(ctx, q.kind, page, q.cfg.PerPage)
		if err != nil {
			return nil, asTransport("fetch", err)
		}
		if len(p.Items) == 0 {
			break
		}
		lead := domain.LeadingID(p.Items[0])
		if _, dup := seen[lead]; dup {
			break
		}
		seen[lead] = struct{}{}
		for _, raw := range p.Items {
			if len(out) >= q.cfg.MaxItems {
				break
			}
			var v T
			if err := sonic.Unmarshal(raw, &v); err != nil || !v.Key().IsReal() {
				q.logger.WithField("kind", q.kind).WithError(err).Warn("skipping undecodable item")
				continue
			}
			out = append(out, v)
		}
		if !p.Paginated || p.CurrentPage >= p.LastPage || p.CurrentPage == lastSeen {
			break
		}
		lastSeen = p.CurrentPage
	}
	return out, nil
}

// creatingLocked reports whether the running flush carries a create.
func (q *Queue[T]) creatingLocked() bool {
	if q.phase != phaseFlushing || q.flushed == nil {
		return false
	}
	return slices.ContainsFunc(q.inflight, func(op domain.Intent) bool { return op.Type == domain.OpCreate })
}

// mergeFetchedLocked replaces the confirmed part of the cache with fetched.
// Creates confirmed after sequence since are kept as cached since the fetch
// may predate them.
func (q *Queue[T]) mergeFetchedLocked(fetched []T, since uint64) {
	recent := idSet{}
	for id, seq := range q.reconciledAt {
		if seq > since {
			recent.add(id)
		} else {
			delete(q.reconciledAt, id)
		}
	}
	next := newEntityCache[T]()
	var optimistic []Item[T]
	keep := idSet{}
	for _, it := range q.cache.list() {
		if it.State != Confirmed || recent.has(it.Entity.Key()) {
			optimistic = append(optimistic, it)
			keep.add(it.Entity.Key())
		}
	}
	for _, v := range fetched {
		id := v.Key()
		if q.tombstones.has(id) || keep.has(id) {
			continue
		}
		next.upsert(Item[T]{Entity: v, State: Confirmed})
	}
	for _, it := range optimistic {
		next.upsert(it)
	}
	q.cache = next

	for _, op := range q.inflight {
		q.replayLocked(op)
	}
	for _, op := range q.journal.ops {
		q.replayLocked(op)
	}
}

// replayLocked re-applies a queued intent to freshly fetched entities.
func (q *Queue[T]) replayLocked(op domain.Intent) {
	switch op.Type {
	case domain.OpUpdate:
		it, ok := q.cache.get(op.Update.ID)
		if !ok || it.State != Confirmed {
			return
		}
		if next, err := domain.ApplyPatch(it.Entity, op.Update.Patch.Without("id")); err == nil {
			it.Entity = next.WithKey(op.Update.ID)
		}
	case domain.OpDelete:
		q.cache.remove(op.Delete.ID)
	case domain.OpReorder:
		q.cache.rankAll(op.Reorder.Scope, op.Reorder.OrderedIDs)
	case domain.OpMove:
		q.cache.rankAll(op.Move.ToScope, op.Move.TargetOrderedIDs)
		if op.Move.FromScope != op.Move.ToScope {
			q.cache.rankAll(op.Move.FromScope, op.Move.SourceOrderedIDs)
		}
	}
}
