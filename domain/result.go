package domain

import (
	"encoding/json"
	"errors"

	"github.com/bytedance/sonic"
)

// Result is the server's answer for one operation of a batch.
type Result struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Status int             `json:"status,omitempty"`
}

// Succeeded treats a failed delete of an already missing entity as success.
func (r Result) Succeeded(op OpType) bool {
	if r.OK {
		return true
	}
	return op == OpDelete && r.Status == 404
}

type BatchRequest struct {
	Operations []Intent `json:"operations"`
}

type BatchResponse struct {
	Results []Result `json:"results"`
}

// PageMeta mirrors the pagination block returned by list endpoints.
type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page,omitempty"`
	Total       int `json:"total,omitempty"`
}

// Page is one page of a list call. Paginated is false when the server
// returned a bare list.
type Page struct {
	Items       []json.RawMessage
	CurrentPage int
	LastPage    int
	Paginated   bool
}

// PageBody is the paginated list envelope.
type PageBody struct {
	Data []json.RawMessage `json:"data"`
	Meta *PageMeta         `json:"meta,omitempty"`
}

var errPageShape = errors.New("unrecognised list response")

// DecodePage accepts a bare array, {data, meta}, Laravel style
// {data, current_page, last_page} and the nested {data: {data: [...]}}.
func DecodePage(body []byte) (Page, error) {
	var list []json.RawMessage
	if err := sonic.Unmarshal(body, &list); err == nil {
		return Page{Items: list, CurrentPage: 1, LastPage: 1}, nil
	}
	var env struct {
		Data        json.RawMessage `json:"data"`
		Meta        *PageMeta       `json:"meta"`
		CurrentPage int             `json:"current_page"`
		LastPage    int             `json:"last_page"`
	}
	if err := sonic.Unmarshal(body, &env); err != nil {
		return Page{}, err
	}
	if len(env.Data) == 0 {
		return Page{}, errPageShape
	}
	if err := sonic.Unmarshal(env.Data, &list); err != nil {
		inner, err := DecodePage(env.Data)
		if err != nil {
			return Page{}, errPageShape
		}
		return inner, nil
	}
	p := Page{Items: list, CurrentPage: 1, LastPage: 1}
	switch {
	case env.Meta != nil:
		p.CurrentPage, p.LastPage, p.Paginated = env.Meta.CurrentPage, env.Meta.LastPage, true
	case env.LastPage > 0:
		p.CurrentPage, p.LastPage, p.Paginated = env.CurrentPage, env.LastPage, true
	}
	return p, nil
}

// UnwrapEntity strips a {"data": {...}} envelope around a single entity.
func UnwrapEntity(raw json.RawMessage) json.RawMessage {
	var env map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return raw
	}
	if _, hasID := env["id"]; hasID {
		return raw
	}
	inner, ok := env["data"]
	if !ok || len(inner) == 0 || inner[0] != '{' {
		return raw
	}
	return inner
}

// LeadingID extracts the "id" of an encoded entity, or zero.
func LeadingID(raw json.RawMessage) EntityID {
	var probe struct {
		ID EntityID `json:"id"`
	}
	if err := sonic.Unmarshal(raw, &probe); err != nil {
		return EntityID{}
	}
	return probe.ID
}
