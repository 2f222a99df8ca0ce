package web

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type echoBody struct {
	Name string `json:"name"`
}

func newTestEcho(logger *log.Logger) *echo.Echo {
	e := New()
	e.Use(Gunzip(64))
	e.Use(RequestMetrics(logger, "/healthz"))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.POST("/echo", func(c echo.Context) error {
		var body echoBody
		if err := c.Bind(&body); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, body)
	})
	e.POST("/raw", func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
		}
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
	})
	return e
}

func gzipped(t *testing.T, payload string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return &buf
}

func TestGzipBodyIsDecoded(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := newTestEcho(logger)

	req := httptest.NewRequest(http.MethodPost, "/echo", gzipped(t, `{"name":"zipped"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "identity, gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"name":"zipped"}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestInflatedBodyIsCapped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := newTestEcho(logger)

	req := httptest.NewRequest(http.MethodPost, "/raw", gzipped(t, strings.Repeat("x", 65)))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/raw", gzipped(t, strings.Repeat("x", 64)))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.Len() != 64 {
		t.Fatalf("expected 64 bytes back, got %d (%d bytes)", rec.Code, rec.Body.Len())
	}
}

func TestInvalidGzipIsRejected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := newTestEcho(logger)
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestMetricsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := newTestEcho(logger)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if n := len(hook.AllEntries()); n != 0 {
		t.Fatalf("health checks must not be logged, got %d entries", n)
	}

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("{"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "http.request.metrics" {
		t.Fatalf("expected request metrics entry, got %+v", entry)
	}
	if entry.Data["route"] != "/echo" || entry.Data["status"] != http.StatusBadRequest {
		t.Fatalf("unexpected fields %+v", entry.Data)
	}
	if _, ok := entry.Data["error"]; !ok {
		t.Fatalf("expected error field on failed request")
	}
}
