package outbox

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"

	"prism-sync/domain"
)

const snapshotVersion = 1

// outboxSnapshot is the persisted journal state. In-flight intents are
// stored ahead of the journal so a reload resends them.
type outboxSnapshot struct {
	Version  int                 `json:"version"`
	SavedAt  time.Time           `json:"savedAt"`
	LastTemp uint64              `json:"lastTemp"`
	Journal  []domain.Intent     `json:"journal"`
	Rejected []rejection         `json:"rejected,omitempty"`
	Touched  map[string][]string `json:"touched,omitempty"`
}

func itemsKey(kind domain.Kind) string      { return string(kind) + ":items" }
func outboxKey(kind domain.Kind) string     { return string(kind) + ":outbox" }
func tombstonesKey(kind domain.Kind) string { return string(kind) + ":tombstones" }

type persistedState[T any] struct {
	items      []Item[T]
	outbox     outboxSnapshot
	tombstones []domain.EntityID
}

func (q *Queue[T]) snapshotLocked() persistedState[T] {
	ops := make([]domain.Intent, 0, len(q.inflight)+q.journal.len())
	for _, op := range q.inflight {
		ops = append(ops, op.Clone())
	}
	ops = append(ops, q.journal.snapshot()...)
	touched := make(map[string][]string, len(q.touched))
	for id, fields := range q.touched {
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, f)
		}
		touched[id.String()] = names
	}
	rejected := make([]rejection, len(q.rejected))
	for i, r := range q.rejected {
		r.Op = r.Op.Clone()
		rejected[i] = r
	}
	return persistedState[T]{
		items: q.cache.list(),
		outbox: outboxSnapshot{
			Version:  snapshotVersion,
			SavedAt:  time.Now().UTC(),
			LastTemp: q.tempIDs.Last(),
			Journal:  ops,
			Rejected: rejected,
			Touched:  touched,
		},
		tombstones: q.tombstones.sorted(),
	}
}

func (q *Queue[T]) persistLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.dirty:
			q.persist()
		case <-q.stop:
			return
		}
	}
}

// persist writes the current state through the bridge. Failures are logged
// and dropped; the next change tries again.
func (q *Queue[T]) persist() {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	q.mu.Lock()
	state := q.snapshotLocked()
	q.mu.Unlock()

	writes := []struct {
		key   string
		value any
	}{
		{itemsKey(q.kind), state.items},
		{outboxKey(q.kind), state.outbox},
		{tombstonesKey(q.kind), state.tombstones},
	}
	for _, w := range writes {
		data, err := sonic.Marshal(w.value)
		if err != nil {
			q.logger.WithError(err).WithField("key", w.key).Warn("encode persisted state")
			continue
		}
		sum := xxhash.Sum64(data)
		if w.key == outboxKey(q.kind) {
			// SavedAt changes on every snapshot; hash without it.
			state.outbox.SavedAt = time.Time{}
			if plain, err := sonic.Marshal(state.outbox); err == nil {
				sum = xxhash.Sum64(plain)
			}
		}
		if prev, ok := q.lastSave[w.key]; ok && prev == sum {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.PersistTimeout)
		err = q.bridge.Save(ctx, w.key, data)
		cancel()
		if err != nil {
			q.logger.WithError(err).WithField("key", w.key).Warn("persist outbox state")
			delete(q.lastSave, w.key)
			continue
		}
		q.lastSave[w.key] = sum
	}
}

// Hydrate restores state saved by a previous run. Missing or unreadable
// keys are skipped. Hydrate is meant to run before the queue is used.
func (q *Queue[T]) Hydrate(ctx context.Context) error {
	if q.bridge == nil {
		return nil
	}
	var (
		items      []Item[T]
		snap       outboxSnapshot
		tombstones []domain.EntityID
	)
	haveItems := q.load(ctx, itemsKey(q.kind), &items)
	haveOutbox := q.load(ctx, outboxKey(q.kind), &snap)
	q.load(ctx, tombstonesKey(q.kind), &tombstones)

	q.saveMu.Lock()
	q.lastSave = make(map[string]uint64)
	q.saveMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrClosed
	}
	for _, id := range tombstones {
		q.tombstones.add(id)
	}
	if haveItems {
		next := newEntityCache[T]()
		for _, it := range items {
			id := it.Entity.Key()
			if id.IsZero() || q.tombstones.has(id) {
				continue
			}
			q.tempIDs.Observe(id)
			next.upsert(it)
		}
		q.cache = next
	}
	if haveOutbox && snap.Version == snapshotVersion {
		q.tempIDs.Advance(snap.LastTemp)
		q.journal.requeue(snap.Journal)
		for _, op := range snap.Journal {
			for _, id := range op.References() {
				q.tempIDs.Observe(id)
			}
		}
		for _, r := range snap.Rejected {
			q.tempIDs.Observe(r.Op.Target())
		}
		q.rejected = append(q.rejected, snap.Rejected...)
		for key, fields := range snap.Touched {
			id, err := domain.ParseEntityID(key)
			if err != nil {
				continue
			}
			set := make(map[string]struct{}, len(fields))
			for _, f := range fields {
				set[f] = struct{}{}
			}
			q.touched[id] = set
		}
	}
	q.orphanedCreatesLocked()
	if q.journal.len() > 0 {
		q.scheduleLocked(q.cfg.Debounce)
	}
	return nil
}

// orphanedCreatesLocked marks pending creates whose intent was lost as
// errored so they can be retried explicitly.
func (q *Queue[T]) orphanedCreatesLocked() {
	queued := idSet{}
	for _, op := range q.journal.ops {
		if op.Type == domain.OpCreate {
			queued.add(op.Create.TempID)
		}
	}
	for _, r := range q.rejected {
		if r.Op.Type == domain.OpCreate {
			queued.add(r.Op.Create.TempID)
		}
	}
	for _, id := range q.cache.order {
		it := q.cache.items[id]
		if it.State != PendingCreate || queued.has(id) {
			continue
		}
		payload, err := domain.PatchFrom(it.Entity)
		if err != nil {
			continue
		}
		it.State = Errored
		it.Error = "create was not queued"
		q.rejected = append(q.rejected, rejection{
			Op:      domain.NewCreate(id, payload.Without("id")),
			Message: it.Error,
			At:      time.Now(),
		})
	}
}

func (q *Queue[T]) load(ctx context.Context, key string, dst any) bool {
	data, err := q.bridge.Load(ctx, key)
	if err != nil {
		q.logger.WithError(err).WithField("key", key).Warn("load persisted state")
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		q.logger.WithError(err).WithField("key", key).Warn("decode persisted state")
		return false
	}
	return true
}

// Close stops timers, aborts a running refresh and writes a final snapshot.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.stopTimerLocked()
	if q.fetchStop != nil {
		q.fetchStop()
		q.fetchStop = nil
	}
	q.mu.Unlock()

	if q.bridge == nil {
		return nil
	}
	close(q.stop)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.persist()
	return nil
}
