package domain

import (
	"encoding/json"
	"sort"

	"github.com/bytedance/sonic"
)

// Patch is a set of entity fields keyed by their JSON names. Values keep
// their encoded form so patches survive persistence untouched.
type Patch map[string]json.RawMessage

// NewPatch encodes fields into a Patch.
func NewPatch(fields map[string]any) (Patch, error) {
	p := make(Patch, len(fields))
	for k, v := range fields {
		if err := p.Set(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MustPatch is NewPatch for literals known to encode.
func MustPatch(fields map[string]any) Patch {
	p, err := NewPatch(fields)
	if err != nil {
		panic(err)
	}
	return p
}

// PatchFrom captures every field of v.
func PatchFrom(v any) (Patch, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Patch
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Patch) Set(field string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	p[field] = data
	return nil
}

func (p Patch) Has(field string) bool {
	_, ok := p[field]
	return ok
}

// Decode unmarshals one field into dst and reports whether it was present.
func (p Patch) Decode(field string, dst any) (bool, error) {
	raw, ok := p[field]
	if !ok {
		return false, nil
	}
	return true, sonic.Unmarshal(raw, dst)
}

func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns p overlaid with newer; newer wins per field.
func (p Patch) Merge(newer Patch) Patch {
	out := p.Clone()
	if out == nil {
		out = make(Patch, len(newer))
	}
	for k, v := range newer {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Only keeps the named fields.
func (p Patch) Only(fields ...string) Patch {
	out := make(Patch, len(fields))
	for _, f := range fields {
		if v, ok := p[f]; ok {
			out[f] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func (p Patch) Without(fields ...string) Patch {
	out := p.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Fields returns the field names in sorted order.
func (p Patch) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyPatch shallow-merges p onto v through v's JSON representation.
func ApplyPatch[T any](v T, p Patch) (T, error) {
	base, err := PatchFrom(v)
	if err != nil {
		return v, err
	}
	data, err := sonic.Marshal(base.Merge(p))
	if err != nil {
		return v, err
	}
	var out T
	if err := sonic.Unmarshal(data, &out); err != nil {
		return v, err
	}
	return out, nil
}
