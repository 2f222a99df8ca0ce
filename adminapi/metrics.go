package adminapi

import (
	"time"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

type batchMetrics struct {
	logger     *log.Logger
	start      time.Time
	kind       domain.Kind
	ops        int
	replayed   int
	rejected   int
	errorStage string
}

func newBatchMetrics(logger *log.Logger) *batchMetrics {
	return &batchMetrics{logger: logger, start: time.Now()}
}

func (m *batchMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *batchMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    "/api/admin/:kind/batch",
		"kind":     string(m.kind),
		"status":   status,
		"ops":      m.ops,
		"replayed": m.replayed,
		"rejected": m.rejected,
		"total_ms": float64(time.Since(m.start)) / float64(time.Millisecond),
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("admin.batch.metrics")
}
