package outbox

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
)

type reconciled struct {
	temp domain.EntityID
	real domain.EntityID
}

// Flush sends every ready intent in one batch and applies the results.
// Calling Flush while a batch is in flight only marks the queue due; the
// next cycle picks up whatever accumulated.
func (q *Queue[T]) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrClosed
	}
	if q.phase == phaseFlushing {
		q.due = true
		q.mu.Unlock()
		return nil
	}
	q.stopTimerLocked()
	sent := q.journal.drain(q.readyLocked)
	if len(sent) == 0 {
		q.phase = phaseIdle
		q.mu.Unlock()
		return nil
	}
	q.phase = phaseFlushing
	q.flushed = make(chan struct{})
	q.inflight = make([]domain.Intent, len(sent))
	for i, op := range sent {
		q.inflight[i] = op.Clone()
		if op.Type == domain.OpCreate {
			if _, ok := q.touched[op.Create.TempID]; !ok {
				q.touched[op.Create.TempID] = make(map[string]struct{})
			}
		}
	}
	metrics := newFlushMetrics(q.logger, q.kind, len(sent), q.journal.len())
	q.markDirtyLocked()
	q.mu.Unlock()

	ctx, span := q.tracer.Start(ctx, "outbox.flush", trace.WithAttributes(
		attribute.String("outbox.kind", string(q.kind)),
		attribute.Int("outbox.ops", len(sent)),
	))
	defer span.End()

	start := time.Now()
	results, err := q.remote.Batch(ctx, q.kind, sent)
	metrics.ObserveBatch(time.Since(start))
	if err != nil {
		err = asTransport("batch", err)
	}

	q.mu.Lock()
	var done []reconciled
	if err != nil {
		q.requeueInflightLocked(metrics)
	} else {
		done = q.applyResultsLocked(sent, results, metrics)
		q.attempt = 0
		q.lastErr = ""
		q.lastFlush = time.Now()
	}
	q.finishFlushLocked(err)
	q.markDirtyLocked()
	hooks := slices.Clone(q.hooks)
	q.mu.Unlock()

	for _, r := range done {
		for _, fn := range hooks {
			fn(r.temp, r.real)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	metrics.Log(span, err)
	return err
}

// requeueInflightLocked puts the surviving in-flight intents back in front
// of the journal. Creates cancelled during the flight are dropped for good.
func (q *Queue[T]) requeueInflightLocked(m *flushMetrics) {
	q.journal.requeue(q.inflight)
	m.requeued = len(q.inflight)
	q.stillborn = idSet{}
}

func (q *Queue[T]) applyResultsLocked(sent []domain.Intent, results []domain.Result, m *flushMetrics) []reconciled {
	byID := make(map[string]domain.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	live := make(map[string]domain.Intent, len(q.inflight))
	for _, op := range q.inflight {
		live[op.ID] = op
	}

	var done []reconciled
	var missing []domain.Intent
	for _, op := range sent {
		r, ok := byID[op.ID]
		if !ok {
			if cur, alive := live[op.ID]; alive {
				missing = append(missing, cur)
			}
			continue
		}
		if op.Type == domain.OpCreate {
			if rec, ok := q.reconcileCreateLocked(op, r, m); ok {
				done = append(done, rec)
			}
			continue
		}
		if r.Succeeded(op.Type) {
			q.delivered++
			m.applied++
			q.clearErrorLocked(op.Target())
			continue
		}
		q.rejectLocked(op, r, m)
	}
	if len(missing) > 0 {
		q.logger.WithField("kind", q.kind).WithField("missing", len(missing)).Warn("batch response omitted results; requeueing")
		q.journal.requeue(missing)
		m.requeued += len(missing)
	}
	return done
}

// reconcileCreateLocked swaps the temporary id for the server's id,
// keeping the cache position and any field changed during the flight.
func (q *Queue[T]) reconcileCreateLocked(op domain.Intent, r domain.Result, m *flushMetrics) (reconciled, bool) {
	temp := op.Create.TempID
	stillborn := q.stillborn.has(temp)
	if !r.OK {
		if stillborn {
			q.stillborn.remove(temp)
			return reconciled{}, false
		}
		q.rejectLocked(op, r, m)
		return reconciled{}, false
	}

	var server T
	if err := sonic.Unmarshal(domain.UnwrapEntity(r.Data), &server); err != nil || !server.Key().IsReal() {
		if stillborn {
			q.stillborn.remove(temp)
			return reconciled{}, false
		}
		q.rejectLocked(op, domain.Result{ID: r.ID, Error: "create response carried no usable entity"}, m)
		return reconciled{}, false
	}
	realID := server.Key()
	q.delivered++
	m.created++

	if stillborn {
		q.stillborn.remove(temp)
		q.tombstones.add(realID)
		q.cache.remove(temp)
		q.cache.remove(realID)
		delete(q.touched, temp)
		q.journal.insert(domain.NewDelete(realID))
		m.ghosts++
		return reconciled{}, false
	}

	merged := server
	local, ok := q.cache.get(temp)
	if ok {
		if fields := q.touched[temp]; len(fields) > 0 {
			names := make([]string, 0, len(fields))
			for f := range fields {
				names = append(names, f)
			}
			if lp, err := domain.PatchFrom(local.Entity); err == nil {
				if next, err := domain.ApplyPatch(server, lp.Only(names...)); err == nil {
					merged = next
				}
			}
		}
	}
	merged = merged.WithKey(realID)
	q.cache.rekey(temp, Item[T]{Entity: merged, State: Confirmed})
	delete(q.touched, temp)
	q.reconciles++
	q.reconciledAt[realID] = q.reconciles
	q.journal.rewriteID(temp, realID)
	for i := range q.rejected {
		q.rejected[i].Op.RewriteID(temp, realID)
	}
	return reconciled{temp: temp, real: realID}, true
}

func (q *Queue[T]) rejectLocked(op domain.Intent, r domain.Result, m *flushMetrics) {
	msg := r.Error
	if msg == "" {
		msg = "rejected by server"
	}
	m.rejected++
	q.rejected = append(q.rejected, rejection{Op: op.Clone(), Message: msg, Status: r.Status, At: time.Now()})
	if it, ok := q.cache.get(op.Target()); ok {
		it.State = Errored
		it.Error = msg
	}
	q.logger.WithFields(log.Fields{
		"kind":   q.kind,
		"op":     op.Type,
		"target": op.Target().String(),
		"status": r.Status,
	}).Warn("outbox operation rejected: " + msg)
}

// clearErrorLocked resets an errored entity once nothing rejected targets it.
func (q *Queue[T]) clearErrorLocked(id domain.EntityID) {
	it, ok := q.cache.get(id)
	if !ok || it.State != Errored {
		return
	}
	for _, r := range q.rejected {
		if r.Op.Target() == id {
			return
		}
	}
	it.State = Confirmed
	it.Error = ""
}

// Retry requeues the rejected operations targeting ids. A rejected create
// is rebuilt from the entity's current local state.
func (q *Queue[T]) Retry(ids ...domain.EntityID) error {
	want := idSetOf(ids)
	return q.retry(func(r rejection) bool {
		return slices.ContainsFunc(r.Op.References(), want.has)
	})
}

func (q *Queue[T]) RetryAll() error {
	return q.retry(func(rejection) bool { return true })
}

func (q *Queue[T]) retry(match func(rejection) bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrClosed
	}
	var front []domain.Intent
	keep := q.rejected[:0]
	for _, r := range q.rejected {
		if !match(r) {
			keep = append(keep, r)
			continue
		}
		op := r.Op.Clone()
		op.ID = domain.NewOpID()
		target := op.Target()
		it, cached := q.cache.get(target)
		if op.Type == domain.OpCreate {
			if !cached {
				continue
			}
			payload, err := domain.PatchFrom(it.Entity)
			if err != nil {
				keep = append(keep, r)
				continue
			}
			op.Create.Payload = payload.Without("id")
			q.journal.dropWhere(func(cur domain.Intent) bool {
				return cur.Type == domain.OpUpdate && cur.Update.ID == target
			})
			q.touched[target] = make(map[string]struct{})
			it.State = PendingCreate
			it.Error = ""
		} else if cached {
			it.State = Confirmed
			it.Error = ""
		}
		front = append(front, op)
	}
	q.rejected = keep
	if len(front) == 0 {
		return nil
	}
	q.journal.requeue(front)
	q.enqueuedLocked()
	return nil
}

func asTransport(op string, err error) error {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &domain.TransportError{Op: op, Err: err}
}
