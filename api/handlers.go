package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"prism-sync/board"
	"prism-sync/domain"
	"prism-sync/outbox"
)

func (s *Server) collection(c echo.Context) (outbox.Collection, error) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		return nil, err
	}
	return s.board.Collection(kind)
}

func (s *Server) list(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	data, err := col.ListJSON()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (s *Server) find(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	data, err := col.FindJSON(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (s *Server) create(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return s.fail(c, err)
	}
	data, err := col.CreateJSON(body)
	if err != nil {
		if !errors.Is(err, domain.ErrClosed) {
			err = errors.Join(errBadRequest, err)
		}
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusCreated, data)
}

func (s *Server) update(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var patch domain.Patch
	if err := decodeBody(c, &patch); err != nil {
		return s.fail(c, err)
	}
	data, err := col.UpdateJSON(id, patch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

// remove deletes an entity. Columns take ?mode=move|cascade and an
// optional ?target=<column id> for the moved tasks.
func (s *Server) remove(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	if col.Kind() != domain.KindColumn {
		if err := col.Delete(id); err != nil {
			return s.fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	mode, err := board.ParseRemovalMode(c.QueryParam("mode"))
	if err != nil {
		return s.fail(c, errors.Join(errBadRequest, err))
	}
	var target domain.EntityID
	if raw := c.QueryParam("target"); raw != "" {
		if target, err = domain.ParseEntityID(raw); err != nil {
			return s.fail(c, errors.Join(errBadRequest, err))
		}
	}
	if err := s.board.RemoveColumn(id, mode, target); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) retry(c echo.Context) error {
	col, err := s.collection(c)
	if err != nil {
		return s.fail(c, err)
	}
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := col.Retry(id); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) columnTasks(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	data, err := s.board.Tasks.ScopeJSON(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

type reorderRequest struct {
	OrderedIDs []domain.EntityID `json:"ordered_ids"`
}

func (s *Server) reorderColumn(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req reorderRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.board.Tasks.Reorder(id, req.OrderedIDs); err != nil {
		return s.fail(c, err)
	}
	return s.columnTasks(c)
}

type moveRequest struct {
	ColumnID   domain.EntityID   `json:"column_id"`
	Index      *int              `json:"index"`
	OrderedIDs []domain.EntityID `json:"ordered_ids"`
}

// moveTask moves a task into column_id, either at index or following the
// full target ordering in ordered_ids. Without both it is appended.
func (s *Server) moveTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req moveRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	if req.ColumnID.IsZero() {
		return s.fail(c, errors.Join(errBadRequest, errors.New("column_id is required")))
	}
	index := len(s.board.Tasks.ByScope(req.ColumnID))
	if req.Index != nil {
		index = *req.Index
	}
	if err := s.board.Tasks.Move(id, req.ColumnID, index, req.OrderedIDs); err != nil {
		return s.fail(c, err)
	}
	data, err := s.board.Tasks.FindJSON(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}
