package predicate

import (
	"fmt"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts three shapes:
//
//	when: "eq(os, windows), ge(build, 6001)"    # compact text
//	when: {os: windows, major: 6, build: {ge: 6001}}
//	when: [{os: windows}, "ge(build, 6001)"]   # conjunction
//
// In the mapping form each key is a fact name compared for equality, or
// all/any/not holding nested conditions.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := decodeNode(node)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML writes the compact text form.
func (c Condition) MarshalYAML() (any, error) {
	return c.String(), nil
}

func decodeNode(node *yaml.Node) (Condition, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		c, err := Parse(node.Value)
		if err != nil {
			return Condition{}, err
		}
		return unwrap(c), nil
	case yaml.SequenceNode:
		terms, err := decodeList(node)
		if err != nil {
			return Condition{}, err
		}
		return conj(terms), nil
	case yaml.MappingNode:
		terms := make([]Condition, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i].Value, node.Content[i+1]
			t, err := decodeEntry(key, val)
			if err != nil {
				return Condition{}, fmt.Errorf("line %d: %s: %w", node.Content[i].Line, key, err)
			}
			terms = append(terms, t)
		}
		return conj(terms), nil
	}
	return Condition{}, fmt.Errorf("line %d: unsupported condition node", node.Line)
}

func decodeList(node *yaml.Node) ([]Condition, error) {
	terms := make([]Condition, 0, len(node.Content))
	for _, item := range node.Content {
		t, err := decodeNode(item)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, nil
}

// conj avoids wrapping a lone term in all().
func conj(terms []Condition) Condition {
	if len(terms) == 1 {
		return terms[0]
	}
	return All(terms...)
}

func unwrap(c Condition) Condition {
	if c.Op == OpAll && len(c.Terms) == 1 {
		return c.Terms[0]
	}
	return c
}

func decodeEntry(key string, val *yaml.Node) (Condition, error) {
	switch Op(key) {
	case OpAll, OpAny:
		if val.Kind != yaml.SequenceNode {
			return Condition{}, fmt.Errorf("expected a list of conditions")
		}
		terms, err := decodeList(val)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Op: Op(key), Terms: terms}, nil
	case OpNot:
		inner, err := decodeNode(val)
		if err != nil {
			return Condition{}, err
		}
		return Not(inner), nil
	}

	switch val.Kind {
	case yaml.ScalarNode:
		return Condition{Op: OpEq, Fact: key, Values: []facts.Value{scalarValue(val)}}, nil
	case yaml.SequenceNode:
		c := Condition{Op: OpIn, Fact: key}
		for _, item := range val.Content {
			if item.Kind != yaml.ScalarNode {
				return Condition{}, fmt.Errorf("in-list items must be scalars")
			}
			c.Values = append(c.Values, scalarValue(item))
		}
		return c, nil
	case yaml.MappingNode:
		terms := make([]Condition, 0, len(val.Content)/2)
		for i := 0; i+1 < len(val.Content); i += 2 {
			op := Op(val.Content[i].Value)
			arg := val.Content[i+1]
			if !op.comparison() {
				return Condition{}, fmt.Errorf("unknown operator %q", op)
			}
			if op == OpIn {
				t, err := decodeEntry(key, arg)
				if err != nil {
					return Condition{}, err
				}
				terms = append(terms, t)
				continue
			}
			if arg.Kind != yaml.ScalarNode {
				return Condition{}, fmt.Errorf("%s expects a scalar", op)
			}
			terms = append(terms, Condition{Op: op, Fact: key, Values: []facts.Value{scalarValue(arg)}})
		}
		return conj(terms), nil
	}
	return Condition{}, fmt.Errorf("unsupported value")
}

func scalarValue(n *yaml.Node) facts.Value {
	if n.ShortTag() == "!!int" {
		return facts.Parse(n.Value)
	}
	return facts.String(n.Value)
}
