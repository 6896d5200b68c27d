// Package facts holds the discriminating attributes of a target image: OS
// family, pointer width and the kernel version triple plus build number.
package facts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/duynguyendang/ssdtprof/pkg/common/errors"
)

// Well-known fact names.
const (
	OS          = "os"
	MemoryModel = "memory_model"
	Major       = "major"
	Minor       = "minor"
	Build       = "build"
)

// Well-known fact values.
const (
	OSWindows = "windows"
	Model32   = "32bit"
	Model64   = "64bit"
)

// ErrInsufficientFingerprint is returned when the facts required to select a
// layout or table are missing or malformed.
var ErrInsufficientFingerprint = fmt.Errorf("%w: insufficient fingerprint", errors.ErrInvalidInput)

// Kind is the type of a fact value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
)

// Value is a single fact value, either a string or an integer.
type Value struct {
	kind Kind
	s    string
	i    int64
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// ValueOf converts a Go value into a fact value.
func ValueOf(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case *int:
		if t == nil {
			return Value{}, fmt.Errorf("nil fact value")
		}
		return Int(int64(*t)), nil
	default:
		return Value{}, fmt.Errorf("unsupported fact value type %T", v)
	}
}

// Parse interprets a literal: integers become KindInt, anything else KindString.
func Parse(lit string) Value {
	if i, err := strconv.ParseInt(lit, 0, 64); err == nil {
		return Int(i)
	}
	return String(lit)
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsZero() bool { return v.kind == 0 }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.s == o.s && v.i == o.i
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	if v.kind == KindInt {
		return v.i
	}
	return v.s
}

func (v Value) String() string {
	if v.kind == KindInt {
		return strconv.FormatInt(v.i, 10)
	}
	return v.s
}

// Set is an immutable mapping from fact name to value. The zero Set is empty.
type Set struct {
	m map[string]Value
}

// New builds a Set from plain Go values.
func New(values map[string]any) (Set, error) {
	m := make(map[string]Value, len(values))
	for name, raw := range values {
		if raw == nil {
			continue
		}
		v, err := ValueOf(raw)
		if err != nil {
			return Set{}, fmt.Errorf("fact %q: %w", name, err)
		}
		m[name] = v
	}
	return Set{m: m}, nil
}

// MustNew is New for static data and tests.
func MustNew(values map[string]any) Set {
	s, err := New(values)
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns the named fact.
func (s Set) Get(name string) (Value, bool) {
	v, ok := s.m[name]
	return v, ok
}

// Has reports whether the named fact is present.
func (s Set) Has(name string) bool {
	_, ok := s.m[name]
	return ok
}

// Str returns a string fact, or "" if absent or not a string.
func (s Set) Str(name string) string {
	str, _ := s.m[name].Str()
	return str
}

// Int returns an integer fact.
func (s Set) Int(name string) (int64, bool) {
	v, ok := s.m[name]
	if !ok {
		return 0, false
	}
	return v.Int()
}

func (s Set) Len() int { return len(s.m) }

// Names returns the fact names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.m))
	for n := range s.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the facts as plain Go values.
func (s Set) Map() map[string]any {
	out := make(map[string]any, len(s.m))
	for n, v := range s.m {
		out[n] = v.Interface()
	}
	return out
}

// Key is a canonical encoding of the set; equal sets have equal keys.
func (s Set) Key() string {
	var b strings.Builder
	for i, n := range s.Names() {
		if i > 0 {
			b.WriteByte(';')
		}
		v := s.m[n]
		b.WriteString(n)
		if v.kind == KindInt {
			b.WriteString("#")
		} else {
			b.WriteString("=")
		}
		b.WriteString(v.String())
	}
	return b.String()
}

func (s Set) String() string {
	parts := make([]string, 0, len(s.m))
	for _, n := range s.Names() {
		parts = append(parts, n+"="+s.m[n].String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
