package predicate

import (
	"fmt"
	"strings"

	"github.com/duynguyendang/ssdtprof/pkg/facts"
)

// infix operators accepted as sugar, longest first so ">=" wins over ">".
var infix = []struct {
	token string
	op    Op
}{
	{">=", OpGe},
	{"<=", OpLe},
	{"!=", OpNe},
	{"==", OpEq},
	{">", OpGt},
	{"<", OpLt},
}

// Parse parses the compact condition form, a comma separated conjunction of
// atoms such as
//
//	eq(os, windows), eq(memory_model, 32bit), ge(build, 6001)
//
// Atoms may nest (any(...), all(...), not(...)) and simple comparisons may be
// written infix: build >= 6001. Unquoted integer literals are integers;
// anything quoted stays a string.
func Parse(text string) (Condition, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ".")
	if text == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}
	if text == "true" {
		return True(), nil
	}

	rawAtoms := SmartSplit(text)
	terms := make([]Condition, 0, len(rawAtoms))
	for _, raw := range rawAtoms {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := parseTerm(raw)
		if err != nil {
			return Condition{}, fmt.Errorf("failed to parse atom '%s': %w", raw, err)
		}
		terms = append(terms, c)
	}
	if len(terms) == 0 {
		return Condition{}, fmt.Errorf("empty condition")
	}
	return All(terms...), nil
}

// MustParse is Parse for static data.
func MustParse(text string) Condition {
	c, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return c
}

func parseTerm(raw string) (Condition, error) {
	if !strings.Contains(raw, "(") {
		for _, in := range infix {
			if idx := strings.Index(raw, in.token); idx != -1 {
				lhs := strings.TrimSpace(raw[:idx])
				rhs := strings.TrimSpace(raw[idx+len(in.token):])
				if lhs == "" || rhs == "" {
					return Condition{}, fmt.Errorf("invalid %s format", in.token)
				}
				return Condition{Op: in.op, Fact: lhs, Values: []facts.Value{parseValue(rhs)}}, nil
			}
		}
		return Condition{}, fmt.Errorf("expected format 'op(args...)' or 'fact OP value'")
	}

	name, args, err := parseAtomString(raw)
	if err != nil {
		return Condition{}, err
	}
	op := Op(name)

	switch op {
	case OpAll, OpAny:
		c := Condition{Op: op}
		for _, a := range args {
			t, err := parseTerm(a)
			if err != nil {
				return Condition{}, err
			}
			c.Terms = append(c.Terms, t)
		}
		return c, nil
	case OpNot:
		if len(args) != 1 {
			return Condition{}, fmt.Errorf("not() takes exactly one condition, got %d", len(args))
		}
		t, err := parseTerm(args[0])
		if err != nil {
			return Condition{}, err
		}
		return Not(t), nil
	case OpIn:
		if len(args) < 2 {
			return Condition{}, fmt.Errorf("in() needs a fact and at least one value")
		}
	default:
		if !op.comparison() {
			return Condition{}, fmt.Errorf("unknown operator %q", name)
		}
		if len(args) != 2 {
			return Condition{}, fmt.Errorf("%s() takes a fact and one value, got %d args", name, len(args))
		}
	}

	c := Condition{Op: op, Fact: unquote(args[0])}
	for _, a := range args[1:] {
		c.Values = append(c.Values, parseValue(a))
	}
	return c, nil
}

// parseAtomString parses "op(arg1, arg2, ...)" keeping quotes on the args so
// literals can be typed later.
func parseAtomString(s string) (string, []string, error) {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "(")
	end := strings.LastIndex(s, ")")

	if start == -1 || end == -1 || start >= end || end != len(s)-1 {
		return "", nil, fmt.Errorf("expected format 'op(args...)' but got '%s'", s)
	}

	name := strings.TrimSpace(s[:start])
	if name == "" {
		return "", nil, fmt.Errorf("missing operator in '%s'", s)
	}
	return name, SmartSplit(s[start+1 : end]), nil
}

func parseValue(raw string) facts.Value {
	raw = strings.TrimSpace(raw)
	if isQuoted(raw) {
		return facts.String(raw[1 : len(raw)-1])
	}
	return facts.Parse(raw)
}

func unquote(raw string) string {
	raw = strings.TrimSpace(raw)
	if isQuoted(raw) {
		return raw[1 : len(raw)-1]
	}
	return raw
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')
}

// SmartSplit splits a string by comma, correctly handling quotes and parentheses.
// e.g. "a, b, 'c,d'" -> ["a", "b", "'c,d'"]
func SmartSplit(s string) []string {
	var results []string
	var current strings.Builder
	depth := 0
	inQuote := false
	var quoteChar rune

	for _, r := range s {
		switch r {
		case '"', '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
				}
			} else {
				inQuote = true
				quoteChar = r
			}
			current.WriteRune(r)
		case '(':
			if !inQuote {
				depth++
			}
			current.WriteRune(r)
		case ')':
			if !inQuote {
				depth--
			}
			current.WriteRune(r)
		case ',':
			if !inQuote && depth == 0 {
				results = append(results, strings.TrimSpace(current.String()))
				current.Reset()
				continue
			}
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		results = append(results, strings.TrimSpace(current.String()))
	}
	return results
}

// MarshalText renders the compact form, so conditions read naturally in JSON.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the compact form.
func (c *Condition) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
