// Package remote talks to the admin API that owns the authoritative data.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

const maxErrorBody = 512

// TokenFunc returns the bearer token to send. refresh is true after the
// server answered 401 and a new token should be obtained.
type TokenFunc func(ctx context.Context, refresh bool) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenFunc {
	return func(context.Context, bool) (string, error) { return token, nil }
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTokenFunc(fn TokenFunc) Option { return func(c *Client) { c.tokens = fn } }

// WithGzip compresses request bodies of at least minBytes.
func WithGzip(minBytes int) Option { return func(c *Client) { c.gzipMin = minBytes } }

func WithLogger(logger *log.Logger) Option { return func(c *Client) { c.logger = logger } }

// Client implements the batch and paginated list calls used by the outbox.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenFunc
	gzipMin int
	logger  *log.Logger
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Batch posts ops to /api/admin/{kind}/batch and returns the per-operation
// results. A client error that refuses the whole batch is reported as a
// rejection of every op; any other failure to obtain a well-formed response
// is a TransportError.
func (c *Client) Batch(ctx context.Context, kind domain.Kind, ops []domain.Intent) ([]domain.Result, error) {
	body, err := sonic.Marshal(domain.BatchRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	data, err := c.do(ctx, "batch", http.MethodPost, "/api/admin/"+string(kind)+"/batch", body)
	var te *domain.TransportError
	if errors.As(err, &te) && batchRefused(te.Status) {
		c.logger.WithFields(log.Fields{"kind": kind, "status": te.Status, "ops": len(ops)}).Warn("remote refused batch")
		results := make([]domain.Result, len(ops))
		for i, op := range ops {
			results[i] = domain.Result{ID: op.ID, Status: te.Status, Error: te.Err.Error()}
		}
		return results, nil
	}
	if err != nil {
		return nil, err
	}
	var resp domain.BatchResponse
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return nil, &domain.TransportError{Op: "batch", Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.Results, nil
}

// FetchPage reads one page of the kind's collection.
func (c *Client) FetchPage(ctx context.Context, kind domain.Kind, page, perPage int) (domain.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	data, err := c.do(ctx, "fetch", http.MethodGet, "/api/admin/"+string(kind)+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Page{}, err
	}
	p, err := domain.DecodePage(data)
	if err != nil {
		return domain.Page{}, &domain.TransportError{Op: "fetch", Err: fmt.Errorf("decode page %d: %w", page, err)}
	}
	return p, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, "/healthz", nil)
	return err
}

// batchRefused reports whether a whole-batch status will not change on
// resend. Auth, missing route, timeout and rate limit answers are retried.
func batchRefused(status int) bool {
	if status < 400 || status > 499 {
		return false
	}
	switch status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusRequestTimeout,
		http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	data, status, err := c.send(ctx, method, path, body, false)
	if status == http.StatusUnauthorized && c.tokens != nil {
		c.logger.WithField("op", op).Debug("remote answered 401; refreshing token")
		data, status, err = c.send(ctx, method, path, body, true)
	}
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: err}
	}
	if status < 200 || status > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, &domain.TransportError{Op: op, Status: status, Err: errors.New(msg)}
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, refresh bool) ([]byte, int, error) {
	var reader io.Reader
	gzipped := false
	if body != nil {
		if c.gzipMin > 0 && len(body) >= c.gzipMin {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(body); err != nil {
				return nil, 0, err
			}
			if err := zw.Close(); err != nil {
				return nil, 0, err
			}
			reader = &buf
			gzipped = true
		} else {
			reader = bytes.NewReader(body)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx, refresh)
		if err != nil {
			return nil, 0, fmt.Errorf("bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}
