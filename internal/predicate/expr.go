// Package predicate implements the applies-when language of regulatory rules:
// a conjunction of field comparisons with optional override branches.
//
//	subject == "company" AND revenue > 40000 UNLESS {sector == "agriculture"} THEN number "60000"
//
// The canonical string form is the rule's signature input, so two predicates
// that mean the same thing always render identically.
package predicate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/statute/internal/model"
)

// Op is a comparison operator
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Literal is a typed constant on the right-hand side of an atom
type Literal struct {
	Kind model.ValueKind
	Num  float64
	Str  string
	Bool bool
}

func (l Literal) String() string {
	switch l.Kind {
	case model.ValueNumber:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case model.ValueBool:
		return strconv.FormatBool(l.Bool)
	default:
		return strconv.Quote(l.Str)
	}
}

func (l Literal) equal(o Literal) bool {
	if l.Kind != o.Kind {
		return false
	}
	switch l.Kind {
	case model.ValueNumber:
		return l.Num == o.Num
	case model.ValueBool:
		return l.Bool == o.Bool
	default:
		return l.Str == o.Str
	}
}

// Atom compares one fact field against a literal
type Atom struct {
	Field string
	Op    Op
	Lit   Literal
}

func (a Atom) String() string {
	return a.Field + " " + string(a.Op) + " " + a.Lit.String()
}

// Condition is a conjunction of atoms; empty means always true
type Condition []Atom

func (c Condition) String() string {
	if len(c) == 0 {
		return "true"
	}
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = a.String()
	}
	return strings.Join(parts, " AND ")
}

// And returns the canonical conjunction of c and o
func (c Condition) And(o Condition) Condition {
	out := append(append(Condition{}, c...), o...)
	return out.canonical()
}

func (c Condition) canonical() Condition {
	seen := make(map[string]bool, len(c))
	out := make(Condition, 0, len(c))
	for _, a := range c {
		key := a.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Override is an exception branch: when Base and When hold, Value applies instead
type Override struct {
	When  Condition
	Value model.Value
}

// Expr is a full applies-when expression
type Expr struct {
	Base      Condition
	Overrides []Override
}

// String renders the canonical form
func (e Expr) String() string {
	var b strings.Builder
	b.WriteString(e.Base.String())
	for _, o := range e.Overrides {
		fmt.Fprintf(&b, " UNLESS {%s} THEN %s %s", o.When.String(), kindName(o.Value.Kind), strconv.Quote(strings.TrimSpace(o.Value.Text)))
	}
	return b.String()
}

// Signature is the sha256 of the canonical form
func (e Expr) Signature() string {
	sum := sha256.Sum256([]byte(e.String()))
	return hex.EncodeToString(sum[:])
}

// New builds a canonical expression; overrides are ordered by their rendered form
func New(base Condition, overrides ...Override) Expr {
	e := Expr{Base: base.canonical()}
	for _, o := range overrides {
		e.Overrides = append(e.Overrides, Override{When: o.When.canonical(), Value: o.Value})
	}
	sort.SliceStable(e.Overrides, func(i, j int) bool {
		return e.Overrides[i].When.String() < e.Overrides[j].When.String()
	})
	return e
}

func kindName(k model.ValueKind) string {
	if k == model.ValueNone {
		return "none"
	}
	return string(k)
}

var (
	fieldPattern  = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	atomPattern   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(==|!=|>=|<=|>|<|=)\s*(.+)$`)
	unlessPattern = regexp.MustCompile(`^\s*UNLESS\s*\{([^}]*)\}\s*THEN\s+([a-z]+)\s+("(?:[^"\\]|\\.)*")`)
)

// Parse parses the canonical or a hand-written expression
func Parse(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, " UNLESS ")
	basePart, rest := s, ""
	if idx >= 0 {
		basePart, rest = s[:idx], s[idx:]
	}

	base, err := ParseCondition(basePart)
	if err != nil {
		return Expr{}, err
	}

	var overrides []Override
	for strings.TrimSpace(rest) != "" {
		m := unlessPattern.FindStringSubmatchIndex(rest)
		if m == nil {
			return Expr{}, fmt.Errorf("malformed override branch %d", len(overrides)+1)
		}
		when, err := ParseCondition(rest[m[2]:m[3]])
		if err != nil {
			return Expr{}, err
		}
		text, err := strconv.Unquote(rest[m[6]:m[7]])
		if err != nil {
			return Expr{}, fmt.Errorf("override value: %w", err)
		}
		kind := model.ValueKind(rest[m[4]:m[5]])
		if kind == "none" {
			kind = model.ValueNone
		}
		overrides = append(overrides, Override{When: when, Value: model.Value{Kind: kind, Text: text}})
		rest = rest[m[1]:]
	}

	return New(base, overrides...), nil
}

// ParseCondition parses "a == 1 AND b > 2"; "" and "true" are the empty condition
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "true") {
		return Condition{}, nil
	}

	var out Condition
	for i, part := range splitAnd(s) {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "true") {
			continue
		}
		atom, err := parseAtom(part)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i+1, err)
		}
		out = append(out, atom)
	}
	return out.canonical(), nil
}

func parseAtom(s string) (Atom, error) {
	m := atomPattern.FindStringSubmatch(s)
	if m == nil {
		return Atom{}, fmt.Errorf("malformed comparison")
	}
	field := strings.ToLower(m[1])
	if !fieldPattern.MatchString(field) {
		return Atom{}, fmt.Errorf("invalid field name %q", field)
	}
	op := Op(m[2])
	if op == "=" {
		op = OpEq
	}
	lit, err := parseLiteral(strings.TrimSpace(m[3]))
	if err != nil {
		return Atom{}, err
	}
	if lit.Kind != model.ValueNumber && op != OpEq && op != OpNe {
		return Atom{}, fmt.Errorf("operator %s needs a numeric operand on field %s", op, field)
	}
	return Atom{Field: field, Op: op, Lit: lit}, nil
}

func parseLiteral(s string) (Literal, error) {
	switch {
	case strings.HasPrefix(s, `"`):
		str, err := strconv.Unquote(s)
		if err != nil {
			return Literal{}, fmt.Errorf("bad string literal")
		}
		return Literal{Kind: model.ValueString, Str: strings.ToLower(str)}, nil
	case strings.EqualFold(s, "true"), strings.EqualFold(s, "false"):
		return Literal{Kind: model.ValueBool, Bool: strings.EqualFold(s, "true")}, nil
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64); err == nil {
		return Literal{Kind: model.ValueNumber, Num: f}, nil
	}
	return Literal{Kind: model.ValueString, Str: strings.ToLower(s)}, nil
}

// splitAnd splits on AND outside of quotes, case-insensitively
func splitAnd(s string) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && i+5 <= len(s) && strings.EqualFold(s[i:i+5], " and "):
			parts = append(parts, s[start:i])
			start = i + 5
			i += 4
		case !inQuote && i+4 <= len(s) && s[i:i+4] == " && ":
			parts = append(parts, s[start:i])
			start = i + 4
			i += 3
		}
	}
	return append(parts, s[start:])
}
