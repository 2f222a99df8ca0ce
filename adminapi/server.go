package adminapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/web"
)

const (
	maxBatchBytes  = 8 << 20
	defaultPerPage = 15
	maxPerPage     = 500
	feedTimeout    = 5 * time.Second
	dedupeTimeout  = 2 * time.Second
)

type Config struct {
	Dedupe Deduper
	Feed   Feed
	Auth   *Auth
}

// Server serves the admin batch and list endpoints from a Store.
type Server struct {
	store  *Store
	dedupe Deduper
	feed   Feed
	auth   *Auth
	faults *Faults
	logger *log.Logger
}

func NewServer(store *Store, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = NewMemoryDeduper(24 * time.Hour)
	}
	return &Server{
		store:  store,
		dedupe: cfg.Dedupe,
		feed:   cfg.Feed,
		auth:   cfg.Auth,
		faults: &Faults{},
		logger: logger,
	}
}

func (s *Server) Faults() *Faults { return s.faults }

// Register wires the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(web.Gunzip(maxBatchBytes))
	if s.auth != nil {
		e.Use(s.auth.Middleware())
	}
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/admin/:kind", s.list)
	e.POST("/api/admin/:kind/batch", s.batch)
}

// Handler returns a ready echo instance serving the routes.
func (s *Server) Handler() *echo.Echo {
	e := web.New()
	s.Register(e)
	return e
}

func (s *Server) list(c echo.Context) error {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	page, err := intParam(c, "page", 1)
	if err != nil || page < 1 {
		return c.String(http.StatusBadRequest, "invalid page")
	}
	perPage, err := intParam(c, "per_page", defaultPerPage)
	if err != nil || perPage < 1 {
		return c.String(http.StatusBadRequest, "invalid per_page")
	}
	perPage = min(perPage, maxPerPage)
	items, meta, err := s.store.List(kind, page, perPage)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, domain.PageBody{Data: items, Meta: &meta})
}

func (s *Server) batch(c echo.Context) (err error) {
	metrics := newBatchMetrics(s.logger)
	defer func() { metrics.Log(c.Response().Status, err) }()

	kind, kerr := domain.ParseKind(c.Param("kind"))
	if kerr != nil {
		metrics.SetErrorStage("kind")
		return c.String(http.StatusNotFound, kerr.Error())
	}
	metrics.kind = kind
	if status, fail := s.faults.take(); fail {
		metrics.SetErrorStage("injected")
		return c.String(status, "injected failure")
	}

	body, rerr := io.ReadAll(io.LimitReader(c.Request().Body, maxBatchBytes))
	if rerr != nil {
		metrics.SetErrorStage("read")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	var req domain.BatchRequest
	if derr := sonic.Unmarshal(body, &req); derr != nil {
		metrics.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	metrics.ops = len(req.Operations)

	ctx := c.Request().Context()
	ids := make([]string, len(req.Operations))
	for i, op := range req.Operations {
		ids[i] = op.ID
	}
	lookupCtx, cancel := context.WithTimeout(ctx, dedupeTimeout)
	seen, lerr := s.dedupe.Lookup(lookupCtx, kind, ids)
	cancel()
	if lerr != nil {
		s.logger.WithError(lerr).Warn("dedupe lookup failed; applying batch without replay")
		seen = nil
	}

	results := make([]domain.Result, 0, len(req.Operations))
	var fresh []domain.Result
	var changes []Change
	now := time.Now().UTC()
	for _, op := range req.Operations {
		if prev, ok := seen[op.ID]; ok {
			results = append(results, prev)
			metrics.replayed++
			continue
		}
		if op.ID == "" {
			results = append(results, domain.Result{Status: http.StatusBadRequest, Error: "operation id required"})
			metrics.rejected++
			continue
		}
		res := s.store.Apply(kind, op)
		results = append(results, res)
		if !res.OK {
			metrics.rejected++
			continue
		}
		fresh = append(fresh, res)
		changes = append(changes, Change{Kind: kind, Operation: op, Result: res, AppliedAt: now})
	}

	if len(fresh) > 0 {
		rememberCtx, cancel := context.WithTimeout(ctx, dedupeTimeout)
		if rerr := s.dedupe.Remember(rememberCtx, kind, fresh); rerr != nil {
			s.logger.WithError(rerr).Warn("dedupe remember failed")
		}
		cancel()
	}
	if s.feed != nil && len(changes) > 0 {
		feedCtx, cancel := context.WithTimeout(context.Background(), feedTimeout)
		if ferr := s.feed.Publish(feedCtx, changes); ferr != nil {
			s.logger.WithError(ferr).WithField("changes", len(changes)).Warn("publish change feed")
		}
		cancel()
	}
	return c.JSON(http.StatusOK, domain.BatchResponse{Results: results})
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
