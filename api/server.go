// Package api exposes the local board to a renderer over HTTP. Writes are
// applied optimistically and answered immediately; the outbox queues sync
// them in the background.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"prism-sync/board"
	"prism-sync/domain"
	"prism-sync/web"
)

const (
	maxBodyBytes  = 1 << 20
	actionTimeout = time.Minute
)

type Server struct {
	board  *board.Board
	prober *board.Prober
	logger *log.Logger
}

// New serves b. prober may be nil when connectivity is not probed.
func New(b *board.Board, prober *board.Prober, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{board: b, prober: prober, logger: logger}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
	}))
	e.Use(web.Gunzip(maxBodyBytes))
	e.Use(web.RequestMetrics(s.logger, "/healthz", "/api/sync/status"))

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.GET("/api/sync/status", s.status)
	e.POST("/api/sync/online", s.action(s.online))
	e.POST("/api/sync/flush", s.action(s.board.Flush))
	e.POST("/api/sync/refresh", s.action(s.board.Refresh))
	e.POST("/api/sync/retry", s.action(func(context.Context) error { return s.board.RetryAll() }))

	e.GET("/api/columns/:id/tasks", s.columnTasks)
	e.PUT("/api/columns/:id/order", s.reorderColumn)
	e.POST("/api/tasks/:id/move", s.moveTask)

	e.GET("/api/:kind", s.list)
	e.POST("/api/:kind", s.create)
	e.GET("/api/:kind/:id", s.find)
	e.PATCH("/api/:kind/:id", s.update)
	e.DELETE("/api/:kind/:id", s.remove)
	e.POST("/api/:kind/:id/retry", s.retry)
}

func (s *Server) Handler() *echo.Echo {
	e := web.New()
	s.Register(e)
	return e
}

type statusResponse struct {
	Online   *bool          `json:"online,omitempty"`
	Unsynced bool           `json:"unsynced"`
	Errors   bool           `json:"errors"`
	Queues   []queueStatus  `json:"queues"`
	Rejected []rejectedView `json:"rejected"`
}

type queueStatus struct {
	Kind       domain.Kind `json:"kind"`
	Phase      string      `json:"phase"`
	Cached     int         `json:"cached"`
	Pending    int         `json:"pending"`
	Held       int         `json:"held"`
	InFlight   int         `json:"inFlight"`
	Tombstones int         `json:"tombstones"`
	Rejected   int         `json:"rejected"`
	Errored    int         `json:"errored"`
	Attempt    int         `json:"attempt"`
	LastError  string      `json:"lastError,omitempty"`
	LastFlush  *time.Time  `json:"lastFlush,omitempty"`
	Delivered  uint64      `json:"delivered"`
}

type rejectedView struct {
	Kind    domain.Kind     `json:"kind"`
	ID      domain.EntityID `json:"id"`
	OpID    string          `json:"opId"`
	Type    domain.OpType   `json:"type"`
	Message string          `json:"message"`
}

func (s *Server) status(c echo.Context) error {
	resp := statusResponse{
		Unsynced: s.board.HasUnsynced(),
		Errors:   s.board.HasErrors(),
		Rejected: s.rejections(),
	}
	if s.prober != nil {
		online := s.prober.Online()
		resp.Online = &online
	}
	for _, st := range s.board.Stats() {
		q := queueStatus{
			Kind:       st.Kind,
			Phase:      st.Phase,
			Cached:     st.Cached,
			Pending:    st.Pending,
			Held:       st.Held,
			InFlight:   st.InFlight,
			Tombstones: st.Tombstones,
			Rejected:   st.Rejected,
			Errored:    st.Errored,
			Attempt:    st.Attempt,
			LastError:  st.LastError,
			Delivered:  st.Delivered,
		}
		if !st.LastFlush.IsZero() {
			lf := st.LastFlush
			q.LastFlush = &lf
		}
		resp.Queues = append(resp.Queues, q)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) rejections() []rejectedView {
	out := []rejectedView{}
	add := func(kind domain.Kind, rs []domain.RejectionError) {
		for _, r := range rs {
			out = append(out, rejectedView{Kind: kind, ID: r.ID, OpID: r.OpID, Type: r.Type, Message: r.Message})
		}
	}
	add(domain.KindTask, s.board.Tasks.Rejections())
	add(domain.KindColumn, s.board.Columns.Rejections())
	add(domain.KindProject, s.board.Projects.Rejections())
	add(domain.KindUser, s.board.Users.Rejections())
	add(domain.KindClient, s.board.Clients.Rejections())
	return out
}

// online confirms reachability when a prober is configured, then flushes
// every queue without waiting for the debounce.
func (s *Server) online(ctx context.Context) error {
	if s.prober != nil && !s.prober.Check(ctx) {
		return &domain.TransportError{Op: "ping", Err: errors.New("remote unreachable")}
	}
	return s.board.Online(ctx)
}

// action runs a board-wide call detached from the request so a client
// disconnect does not abort a flush halfway.
func (s *Server) action(fn func(ctx context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return s.fail(c, err)
		}
		return s.status(c)
	}
}

// fail maps board errors onto status codes.
func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var te *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNoTargetScope):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrNotOrdered):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &te):
		status = http.StatusBadGateway
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("route", c.Path()).Warn("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func readBody(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	return data, nil
}

func decodeBody(c echo.Context, dst any) error {
	data, err := readBody(c)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func pathID(c echo.Context) (domain.EntityID, error) {
	id, err := domain.ParseEntityID(c.Param("id"))
	if err != nil || id.IsZero() {
		return domain.EntityID{}, errors.Join(errBadRequest, errors.New("invalid id "+c.Param("id")))
	}
	return id, nil
}
