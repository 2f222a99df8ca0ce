package web

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestMetrics logs one "http.request.metrics" entry per request with
// the matched route, status and duration. Paths in skip are not logged.
func RequestMetrics(logger *log.Logger, skip ...string) echo.MiddlewareFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if _, ok := skipped[c.Path()]; ok {
				return err
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			fields := log.Fields{
				"method":   c.Request().Method,
				"route":    c.Path(),
				"status":   status,
				"bytes":    c.Response().Size,
				"total_ms": durationToMillis(time.Since(start)),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Info("http.request.metrics")
			return err
		}
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
