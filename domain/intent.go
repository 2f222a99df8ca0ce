package domain

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type OpType string

const (
	OpCreate  OpType = "create"
	OpUpdate  OpType = "update"
	OpDelete  OpType = "delete"
	OpReorder OpType = "reorder"
	OpMove    OpType = "move"
)

type CreateOp struct {
	TempID  EntityID
	Payload Patch
}

type UpdateOp struct {
	ID    EntityID
	Patch Patch
}

type DeleteOp struct {
	ID EntityID
}

// ReorderOp carries the full ordering of one scope.
type ReorderOp struct {
	Scope      EntityID
	OrderedIDs []EntityID
}

// MoveOp relocates an entity into ToScope at ToIndex. The target and source
// orderings are the final dense orderings of both scopes.
type MoveOp struct {
	ID               EntityID
	FromScope        EntityID
	ToScope          EntityID
	ToIndex          int
	TargetOrderedIDs []EntityID
	SourceOrderedIDs []EntityID
}

// Intent is one queued mutation. Exactly one of the op fields is set,
// matching Type.
type Intent struct {
	ID      string
	Type    OpType
	Create  *CreateOp
	Update  *UpdateOp
	Delete  *DeleteOp
	Reorder *ReorderOp
	Move    *MoveOp
}

func NewOpID() string { return uuid.NewString() }

func NewCreate(tempID EntityID, payload Patch) Intent {
	return Intent{ID: NewOpID(), Type: OpCreate, Create: &CreateOp{TempID: tempID, Payload: payload}}
}

func NewUpdate(id EntityID, patch Patch) Intent {
	return Intent{ID: NewOpID(), Type: OpUpdate, Update: &UpdateOp{ID: id, Patch: patch}}
}

func NewDelete(id EntityID) Intent {
	return Intent{ID: NewOpID(), Type: OpDelete, Delete: &DeleteOp{ID: id}}
}

func NewReorder(scope EntityID, ordered []EntityID) Intent {
	return Intent{ID: NewOpID(), Type: OpReorder, Reorder: &ReorderOp{Scope: scope, OrderedIDs: slices.Clone(ordered)}}
}

func NewMove(m MoveOp) Intent {
	m.TargetOrderedIDs = slices.Clone(m.TargetOrderedIDs)
	m.SourceOrderedIDs = slices.Clone(m.SourceOrderedIDs)
	return Intent{ID: NewOpID(), Type: OpMove, Move: &m}
}

// Target returns the entity the intent acts on; reorders have none.
func (in Intent) Target() EntityID {
	switch in.Type {
	case OpCreate:
		return in.Create.TempID
	case OpUpdate:
		return in.Update.ID
	case OpDelete:
		return in.Delete.ID
	case OpMove:
		return in.Move.ID
	}
	return EntityID{}
}

// References returns every id of the intent's own kind it mentions.
func (in Intent) References() []EntityID {
	switch in.Type {
	case OpReorder:
		return slices.Clone(in.Reorder.OrderedIDs)
	case OpMove:
		out := []EntityID{in.Move.ID}
		out = append(out, in.Move.TargetOrderedIDs...)
		return append(out, in.Move.SourceOrderedIDs...)
	}
	return []EntityID{in.Target()}
}

// Scopes returns the ids of other collections the intent points at.
func (in Intent) Scopes() []EntityID {
	switch in.Type {
	case OpReorder:
		return []EntityID{in.Reorder.Scope}
	case OpMove:
		return []EntityID{in.Move.FromScope, in.Move.ToScope}
	}
	return nil
}

func (in Intent) Clone() Intent {
	out := Intent{ID: in.ID, Type: in.Type}
	switch {
	case in.Create != nil:
		c := *in.Create
		c.Payload = c.Payload.Clone()
		out.Create = &c
	case in.Update != nil:
		u := *in.Update
		u.Patch = u.Patch.Clone()
		out.Update = &u
	case in.Delete != nil:
		d := *in.Delete
		out.Delete = &d
	case in.Reorder != nil:
		r := *in.Reorder
		r.OrderedIDs = slices.Clone(r.OrderedIDs)
		out.Reorder = &r
	case in.Move != nil:
		m := *in.Move
		m.TargetOrderedIDs = slices.Clone(m.TargetOrderedIDs)
		m.SourceOrderedIDs = slices.Clone(m.SourceOrderedIDs)
		out.Move = &m
	}
	return out
}

// RewriteID replaces every own-kind reference to from with to.
func (in *Intent) RewriteID(from, to EntityID) bool {
	changed := false
	swap := func(id *EntityID) {
		if *id == from {
			*id = to
			changed = true
		}
	}
	swapAll := func(ids []EntityID) {
		for i := range ids {
			swap(&ids[i])
		}
	}
	switch in.Type {
	case OpCreate:
		swap(&in.Create.TempID)
	case OpUpdate:
		swap(&in.Update.ID)
	case OpDelete:
		swap(&in.Delete.ID)
	case OpReorder:
		swapAll(in.Reorder.OrderedIDs)
	case OpMove:
		swap(&in.Move.ID)
		swapAll(in.Move.TargetOrderedIDs)
		swapAll(in.Move.SourceOrderedIDs)
	}
	return changed
}

// RewriteScope replaces references to scope id from with to, including a
// scope field carried inside create payloads and update patches.
func (in *Intent) RewriteScope(field string, from, to EntityID) bool {
	changed := false
	swap := func(id *EntityID) {
		if *id == from {
			*id = to
			changed = true
		}
	}
	swapField := func(p Patch) {
		if p == nil || field == "" {
			return
		}
		var cur EntityID
		if ok, err := p.Decode(field, &cur); ok && err == nil && cur == from {
			_ = p.Set(field, to)
			changed = true
		}
	}
	switch in.Type {
	case OpCreate:
		swapField(in.Create.Payload)
	case OpUpdate:
		swapField(in.Update.Patch)
	case OpReorder:
		swap(&in.Reorder.Scope)
	case OpMove:
		swap(&in.Move.FromScope)
		swap(&in.Move.ToScope)
	}
	return changed
}

type wireIntent struct {
	ID      string          `json:"id"`
	Type    OpType          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireUpdate struct {
	ID    EntityID `json:"id"`
	Patch Patch    `json:"patch"`
}

type wireDelete struct {
	ID EntityID `json:"id"`
}

type wireReorder struct {
	ScopeID    EntityID   `json:"scopeId"`
	OrderedIDs []EntityID `json:"orderedIds"`
}

type wireMove struct {
	ID               EntityID   `json:"id"`
	FromScopeID      EntityID   `json:"fromScopeId"`
	ToScopeID        EntityID   `json:"toScopeId"`
	ToIndex          int        `json:"toIndex"`
	TargetOrderedIDs []EntityID `json:"targetOrderedIds"`
	SourceOrderedIDs []EntityID `json:"sourceOrderedIds,omitempty"`
}

const tempIDField = "tempId"

func (in Intent) MarshalJSON() ([]byte, error) {
	var payload any
	switch in.Type {
	case OpCreate:
		p := in.Create.Payload.Clone()
		if p == nil {
			p = Patch{}
		}
		if err := p.Set(tempIDField, in.Create.TempID); err != nil {
			return nil, err
		}
		payload = p
	case OpUpdate:
		payload = wireUpdate{ID: in.Update.ID, Patch: in.Update.Patch}
	case OpDelete:
		payload = wireDelete{ID: in.Delete.ID}
	case OpReorder:
		payload = wireReorder{ScopeID: in.Reorder.Scope, OrderedIDs: in.Reorder.OrderedIDs}
	case OpMove:
		payload = wireMove{
			ID:               in.Move.ID,
			FromScopeID:      in.Move.FromScope,
			ToScopeID:        in.Move.ToScope,
			ToIndex:          in.Move.ToIndex,
			TargetOrderedIDs: in.Move.TargetOrderedIDs,
			SourceOrderedIDs: in.Move.SourceOrderedIDs,
		}
	default:
		return nil, fmt.Errorf("marshal intent: unknown type %q", in.Type)
	}
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(wireIntent{ID: in.ID, Type: in.Type, Payload: raw})
}

func (in *Intent) UnmarshalJSON(data []byte) error {
	var w wireIntent
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Intent{ID: w.ID, Type: w.Type}
	switch w.Type {
	case OpCreate:
		var p Patch
		if err := sonic.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode create payload: %w", err)
		}
		var temp EntityID
		if _, err := p.Decode(tempIDField, &temp); err != nil {
			return fmt.Errorf("decode create temp id: %w", err)
		}
		delete(p, tempIDField)
		out.Create = &CreateOp{TempID: temp, Payload: p}
	case OpUpdate:
		var u wireUpdate
		if err := sonic.Unmarshal(w.Payload, &u); err != nil {
			return fmt.Errorf("decode update payload: %w", err)
		}
		out.Update = &UpdateOp{ID: u.ID, Patch: u.Patch}
	case OpDelete:
		var d wireDelete
		if err := sonic.Unmarshal(w.Payload, &d); err != nil {
			return fmt.Errorf("decode delete payload: %w", err)
		}
		out.Delete = &DeleteOp{ID: d.ID}
	case OpReorder:
		var r wireReorder
		if err := sonic.Unmarshal(w.Payload, &r); err != nil {
			return fmt.Errorf("decode reorder payload: %w", err)
		}
		out.Reorder = &ReorderOp{Scope: r.ScopeID, OrderedIDs: r.OrderedIDs}
	case OpMove:
		var m wireMove
		if err := sonic.Unmarshal(w.Payload, &m); err != nil {
			return fmt.Errorf("decode move payload: %w", err)
		}
		out.Move = &MoveOp{
			ID:               m.ID,
			FromScope:        m.FromScopeID,
			ToScope:          m.ToScopeID,
			ToIndex:          m.ToIndex,
			TargetOrderedIDs: m.TargetOrderedIDs,
			SourceOrderedIDs: m.SourceOrderedIDs,
		}
	default:
		return fmt.Errorf("unknown intent type %q", w.Type)
	}
	*in = out
	return nil
}
