package outbox

import (
	"time"

	"prism-sync/domain"
)

// Stats is a point-in-time view of a queue.
type Stats struct {
	Kind       domain.Kind   `json:"kind"`
	Phase      string        `json:"phase"`
	Cached     int           `json:"cached"`
	Pending    int           `json:"pending"`
	Held       int           `json:"held"`
	InFlight   int           `json:"inFlight"`
	Tombstones int           `json:"tombstones"`
	Rejected   int           `json:"rejected"`
	Errored    int           `json:"errored"`
	Attempt    int           `json:"attempt"`
	LastError  string        `json:"lastError,omitempty"`
	LastFlush  time.Time     `json:"lastFlush"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	held := 0
	for _, op := range q.journal.ops {
		if !q.readyLocked(op) {
			held++
		}
	}
	errored := 0
	for _, it := range q.cache.items {
		if it.State == Errored {
			errored++
		}
	}
	var oldest time.Duration
	now := time.Now()
	for _, r := range q.rejected {
		if age := now.Sub(r.At); age > oldest {
			oldest = age
		}
	}
	elapsed := time.Since(q.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(q.delivered) / elapsed.Seconds()
	}
	return Stats{
		Kind:       q.kind,
		Phase:      q.phase.String(),
		Cached:     q.cache.len(),
		Pending:    q.journal.len(),
		Held:       held,
		InFlight:   len(q.inflight),
		Tombstones: len(q.tombstones),
		Rejected:   len(q.rejected),
		Errored:    errored,
		Attempt:    q.attempt,
		LastError:  q.lastErr,
		LastFlush:  q.lastFlush,
		OldestAge:  oldest,
		Delivered:  q.delivered,
		StartedAt:  q.started,
		DrainRate:  rps,
	}
}
