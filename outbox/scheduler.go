package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"prism-sync/domain"
)

// scheduleLocked (re)arms the flush timer. While a transport retry is
// backing off, new intents do not shorten the wait.
func (q *Queue[T]) scheduleLocked(delay time.Duration) {
	if q.closed {
		return
	}
	if q.armed && q.attempt > 0 {
		return
	}
	q.armLocked(delay)
}

func (q *Queue[T]) armLocked(delay time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = time.AfterFunc(delay, func() { q.onTimer(gen) })
	q.armed = true
	if q.phase == phaseIdle {
		q.phase = phasePending
	}
}

func (q *Queue[T]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerGen++
	q.armed = false
}

func (q *Queue[T]) onTimer(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen || q.closed {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.armed = false
	if q.phase == phaseFlushing {
		q.due = true
		q.mu.Unlock()
		return
	}
	q.phase = phaseIdle
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.FlushTimeout)
	defer cancel()
	if err := q.Flush(ctx); err != nil && !errors.Is(err, domain.ErrClosed) {
		q.logger.WithError(err).WithField("kind", q.kind).Warn("outbox flush failed")
	}
}

// Online flushes immediately, skipping the debounce. It is meant to be
// called when connectivity returns.
func (q *Queue[T]) Online(ctx context.Context) error {
	q.mu.Lock()
	empty := q.journal.len() == 0
	q.mu.Unlock()
	if empty {
		return nil
	}
	return q.Flush(ctx)
}

// finishFlushLocked moves the scheduler out of phaseFlushing and decides
// when the next flush runs.
func (q *Queue[T]) finishFlushLocked(transportErr error) {
	q.inflight = nil
	q.phase = phaseIdle
	if q.flushed != nil {
		close(q.flushed)
		q.flushed = nil
	}
	due := q.due
	q.due = false
	switch {
	case transportErr != nil:
		q.attempt++
		q.lastErr = transportErr.Error()
		q.armLocked(exponentialBackoff(q.attempt, q.cfg.RetryInitial, q.cfg.RetryMax))
	case due && q.journal.len() > 0:
		q.armLocked(0)
	case q.armed:
		q.phase = phasePending
	case q.hasReadyLocked():
		q.armLocked(q.cfg.Debounce)
	}
}

func (q *Queue[T]) hasReadyLocked() bool {
	for _, op := range q.journal.ops {
		if q.readyLocked(op) {
			return true
		}
	}
	return false
}

// readyLocked reports whether op can be sent now. Intents naming an
// unconfirmed temporary id, other than a create's own id, wait for the
// create to be reconciled.
func (q *Queue[T]) readyLocked(op domain.Intent) bool {
	for _, id := range op.References() {
		if id.IsTemp() && op.Type != domain.OpCreate {
			return false
		}
	}
	for _, scope := range op.Scopes() {
		if scope.IsTemp() {
			return false
		}
	}
	if !q.ordered {
		return true
	}
	var p domain.Patch
	switch op.Type {
	case domain.OpCreate:
		p = op.Create.Payload
	case domain.OpUpdate:
		p = op.Update.Patch
	default:
		return true
	}
	var scope domain.EntityID
	if ok, err := p.Decode(q.scopeField, &scope); ok && err == nil && scope.IsTemp() {
		return false
	}
	return true
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
