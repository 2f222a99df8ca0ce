package outbox

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
)

const flushEventName = "outbox.flush.metrics"

type flushMetrics struct {
	logger        *log.Logger
	kind          domain.Kind
	start         time.Time
	batchDuration time.Duration
	sent          int
	held          int
	applied       int
	created       int
	rejected      int
	ghosts        int
	requeued      int
}

func newFlushMetrics(logger *log.Logger, kind domain.Kind, sent, held int) *flushMetrics {
	return &flushMetrics{
		logger: logger,
		kind:   kind,
		start:  time.Now(),
		sent:   sent,
		held:   held,
	}
}

func (m *flushMetrics) ObserveBatch(d time.Duration) {
	if d <= 0 {
		return
	}
	m.batchDuration = d
}

// Log emits one structured entry per flush and mirrors it as a span event.
func (m *flushMetrics) Log(span trace.Span, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"kind":     string(m.kind),
		"sent":     m.sent,
		"held":     m.held,
		"applied":  m.applied,
		"created":  m.created,
		"rejected": m.rejected,
		"ghosts":   m.ghosts,
		"requeued": m.requeued,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.batchDuration > 0 {
		fields["batch_ms"] = durationToMillis(m.batchDuration)
	}
	level := log.InfoLevel
	if err != nil {
		fields["error"] = err.Error()
		level = log.WarnLevel
	}
	m.logger.WithFields(fields).Log(level, flushEventName)

	if span == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outbox.kind", string(m.kind)),
		attribute.Int("outbox.sent", m.sent),
		attribute.Int("outbox.held", m.held),
		attribute.Int("outbox.applied", m.applied),
		attribute.Int("outbox.created", m.created),
		attribute.Int("outbox.rejected", m.rejected),
		attribute.Int("outbox.ghosts", m.ghosts),
		attribute.Int("outbox.requeued", m.requeued),
		attribute.Float64("outbox.total_ms", durationToMillis(time.Since(m.start))),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	span.AddEvent(flushEventName, trace.WithAttributes(attrs...))
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
