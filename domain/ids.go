package domain

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
)

// EntityID identifies an entity either by its server-assigned id or by a
// temporary id issued on the client before the server confirmed the create.
type EntityID struct {
	n    uint64
	temp bool
}

// Real returns a server-assigned id.
func Real(n uint64) EntityID { return EntityID{n: n} }

// Temp returns a client-side temporary id.
func Temp(n uint64) EntityID { return EntityID{n: n, temp: n != 0} }

// FromInt64 decodes the signed wire form where temporary ids are negative.
func FromInt64(v int64) EntityID {
	if v < 0 {
		return Temp(uint64(-v))
	}
	return Real(uint64(v))
}

func (id EntityID) IsZero() bool { return id.n == 0 }
func (id EntityID) IsTemp() bool { return id.temp && id.n != 0 }
func (id EntityID) IsReal() bool { return !id.temp && id.n != 0 }

// Value returns the sequence number without the temp/real tag.
func (id EntityID) Value() uint64 { return id.n }

// Int64 returns the signed wire form.
func (id EntityID) Int64() int64 {
	if id.temp {
		return -int64(id.n)
	}
	return int64(id.n)
}

func (id EntityID) String() string {
	if id.IsTemp() {
		return "temp:" + strconv.FormatUint(id.n, 10)
	}
	return strconv.FormatUint(id.n, 10)
}

func (id EntityID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, id.Int64(), 10), nil
}

func (id *EntityID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*id = EntityID{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := ParseEntityID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var errInvalidID = errors.New("invalid entity id")

// ParseEntityID accepts "12", "-3" (temporary) and "temp:3".
func ParseEntityID(s string) (EntityID, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "temp:"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || n == 0 {
			return EntityID{}, errInvalidID
		}
		return Temp(n), nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromInt64(v), nil
	}
	// Some backends serialise ids as floats.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return EntityID{}, errInvalidID
	}
	return FromInt64(int64(f)), nil
}

// TempIDs hands out monotonically increasing temporary ids. The zero value
// is ready to use.
type TempIDs struct {
	last atomic.Uint64
}

func (g *TempIDs) Next() EntityID {
	return Temp(g.last.Add(1))
}

// Observe advances the generator past id so restored temporary ids are
// never issued twice.
func (g *TempIDs) Observe(id EntityID) {
	if !id.IsTemp() {
		return
	}
	g.Advance(id.Value())
}

func (g *TempIDs) Advance(n uint64) {
	for {
		last := g.last.Load()
		if n <= last {
			return
		}
		if g.last.CompareAndSwap(last, n) {
			return
		}
	}
}

func (g *TempIDs) Last() uint64 { return g.last.Load() }
