package web

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Gunzip inflates gzip-encoded request bodies before binding. maxBytes caps
// the inflated size (0 leaves it unbounded); reads past the cap fail with
// *http.MaxBytesError. A body that is not valid gzip is a 400.
func Gunzip(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Values(echo.HeaderContentEncoding)) {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			var body io.ReadCloser = &inflatedBody{zr: zr, raw: req.Body}
			if maxBytes > 0 {
				body = http.MaxBytesReader(c.Response(), body, maxBytes)
			}
			req.Body = body
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func gzipEncoded(values []string) bool {
	for _, v := range values {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
				return true
			}
		}
	}
	return false
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *inflatedBody) Close() error {
	return errors.Join(b.zr.Close(), b.raw.Close())
}
