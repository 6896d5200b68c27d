// Package layout describes the binary structures read out of a memory image
// and the catalog that picks the right variant for a fact set.
package layout

import (
	"encoding/binary"
	"fmt"
)

// Kind is how a field is decoded.
type Kind string

const (
	KindInt     Kind = "int"
	KindPointer Kind = "pointer"
	KindArray   Kind = "array"
)

// Field is one member of a Layout. For pointers Target names the pointee
// type; for arrays Elem names the nested layout and Count the number of
// elements, and Size covers the whole array.
type Field struct {
	Name   string `yaml:"name" json:"name"`
	Offset int    `yaml:"offset" json:"offset"`
	Size   int    `yaml:"size" json:"size"`
	Kind   Kind   `yaml:"kind" json:"kind"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	Elem   string `yaml:"elem,omitempty" json:"elem,omitempty"`
	Count  int    `yaml:"count,omitempty" json:"count,omitempty"`
}

// End is the first byte past the field.
func (f Field) End() int { return f.Offset + f.Size }

// ElemSize is the stride between array elements.
func (f Field) ElemSize() int {
	if f.Kind != KindArray || f.Count == 0 {
		return 0
	}
	return f.Size / f.Count
}

// ReadUint decodes an integer or pointer field from the bytes of the
// enclosing structure.
func (f Field) ReadUint(b []byte, order binary.ByteOrder) (uint64, error) {
	if f.Kind == KindArray {
		return 0, fmt.Errorf("field %s: arrays cannot be read as integers", f.Name)
	}
	if f.End() > len(b) {
		return 0, fmt.Errorf("field %s: need %d bytes, have %d", f.Name, f.End(), len(b))
	}
	raw := b[f.Offset:f.End()]
	switch f.Size {
	case 1:
		return uint64(raw[0]), nil
	case 2:
		return uint64(order.Uint16(raw)), nil
	case 4:
		return uint64(order.Uint32(raw)), nil
	case 8:
		return order.Uint64(raw), nil
	}
	return 0, fmt.Errorf("field %s: unsupported width %d", f.Name, f.Size)
}

// Element returns the bytes of element i of an array field.
func (f Field) Element(b []byte, i int) ([]byte, error) {
	if f.Kind != KindArray {
		return nil, fmt.Errorf("field %s is not an array", f.Name)
	}
	if i < 0 || i >= f.Count {
		return nil, fmt.Errorf("field %s: index %d out of range [0,%d)", f.Name, i, f.Count)
	}
	start := f.Offset + i*f.ElemSize()
	end := start + f.ElemSize()
	if end > len(b) {
		return nil, fmt.Errorf("field %s: need %d bytes, have %d", f.Name, end, len(b))
	}
	return b[start:end], nil
}

// Layout is a named structure of fixed size.
type Layout struct {
	Name   string  `yaml:"name" json:"name"`
	Size   int     `yaml:"size" json:"size"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Field returns the named member.
func (l Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Equal compares size and every field exactly.
func (l Layout) Equal(o Layout) bool {
	if l.Name != o.Name || l.Size != o.Size || len(l.Fields) != len(o.Fields) {
		return false
	}
	for i := range l.Fields {
		if l.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// Validate checks the layout is self-consistent: fields fit inside the
// structure, do not overlap, and carry the attributes their kind needs.
func (l Layout) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("layout without a name")
	}
	if l.Size <= 0 {
		return fmt.Errorf("layout %s: size must be positive", l.Name)
	}
	seen := make(map[string]bool, len(l.Fields))
	for i, f := range l.Fields {
		if f.Name == "" {
			return fmt.Errorf("layout %s: field %d has no name", l.Name, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("layout %s: duplicate field %s", l.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Offset < 0 || f.Size <= 0 || f.End() > l.Size {
			return fmt.Errorf("layout %s: field %s [%#x,%#x) outside [0,%#x)", l.Name, f.Name, f.Offset, f.End(), l.Size)
		}
		switch f.Kind {
		case KindInt:
		case KindPointer:
			if f.Size != 4 && f.Size != 8 {
				return fmt.Errorf("layout %s: pointer %s must be 4 or 8 bytes", l.Name, f.Name)
			}
		case KindArray:
			if f.Elem == "" || f.Count <= 0 || f.Size%f.Count != 0 {
				return fmt.Errorf("layout %s: array %s needs elem and a count dividing its size", l.Name, f.Name)
			}
		default:
			return fmt.Errorf("layout %s: field %s has unknown kind %q", l.Name, f.Name, f.Kind)
		}
		for _, g := range l.Fields[:i] {
			if f.Offset < g.End() && g.Offset < f.End() {
				return fmt.Errorf("layout %s: fields %s and %s overlap", l.Name, g.Name, f.Name)
			}
		}
	}
	return nil
}
