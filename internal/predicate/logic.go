package predicate

import "github.com/ppiankov/statute/internal/model"

type bound struct {
	v    float64
	incl bool
}

// domain is the set of values one field may take under a condition
type domain struct {
	eq    *Literal
	ne    []Literal
	lo    *bound
	hi    *bound
	empty bool
}

func (d *domain) apply(a Atom) {
	switch a.Op {
	case OpEq:
		if d.eq != nil && !d.eq.equal(a.Lit) {
			d.empty = true
			return
		}
		lit := a.Lit
		d.eq = &lit
	case OpNe:
		d.ne = append(d.ne, a.Lit)
	case OpGt, OpGe:
		b := &bound{v: a.Lit.Num, incl: a.Op == OpGe}
		if d.lo == nil || b.v > d.lo.v || (b.v == d.lo.v && !b.incl) {
			d.lo = b
		}
	case OpLt, OpLe:
		b := &bound{v: a.Lit.Num, incl: a.Op == OpLe}
		if d.hi == nil || b.v < d.hi.v || (b.v == d.hi.v && !b.incl) {
			d.hi = b
		}
	}
}

func (d *domain) numeric() bool { return d.lo != nil || d.hi != nil }

// admits reports whether a single literal lies inside the domain
func (d *domain) admits(l Literal) bool {
	if d.empty {
		return false
	}
	if d.eq != nil && !d.eq.equal(l) {
		return false
	}
	for _, n := range d.ne {
		if n.equal(l) {
			return false
		}
	}
	if d.numeric() {
		if l.Kind != model.ValueNumber {
			return false
		}
		if d.lo != nil && (l.Num < d.lo.v || (l.Num == d.lo.v && !d.lo.incl)) {
			return false
		}
		if d.hi != nil && (l.Num > d.hi.v || (l.Num == d.hi.v && !d.hi.incl)) {
			return false
		}
	}
	return true
}

func (d *domain) satisfiable() bool {
	if d.empty {
		return false
	}
	if d.eq != nil {
		return d.admits(*d.eq)
	}
	if d.lo != nil && d.hi != nil {
		if d.lo.v > d.hi.v {
			return false
		}
		if d.lo.v == d.hi.v {
			return d.admits(Literal{Kind: model.ValueNumber, Num: d.lo.v})
		}
	}
	return true
}

// entails reports whether every value in d satisfies a
func (d *domain) entails(a Atom) bool {
	if !d.satisfiable() {
		return true
	}
	if d.eq != nil {
		return evalAtom(a, *d.eq)
	}
	switch a.Op {
	case OpEq:
		return d.lo != nil && d.hi != nil && d.lo.v == d.hi.v && a.Lit.Kind == model.ValueNumber && a.Lit.Num == d.lo.v
	case OpNe:
		for _, n := range d.ne {
			if n.equal(a.Lit) {
				return true
			}
		}
		return d.numeric() && !d.admits(a.Lit)
	case OpGt:
		return d.lo != nil && (d.lo.v > a.Lit.Num || (d.lo.v == a.Lit.Num && !d.lo.incl))
	case OpGe:
		return d.lo != nil && d.lo.v >= a.Lit.Num
	case OpLt:
		return d.hi != nil && (d.hi.v < a.Lit.Num || (d.hi.v == a.Lit.Num && !d.hi.incl))
	case OpLe:
		return d.hi != nil && d.hi.v <= a.Lit.Num
	}
	return false
}

func evalAtom(a Atom, v Literal) bool {
	switch a.Op {
	case OpEq:
		return v.equal(a.Lit)
	case OpNe:
		return !v.equal(a.Lit)
	}
	if v.Kind != model.ValueNumber || a.Lit.Kind != model.ValueNumber {
		return false
	}
	switch a.Op {
	case OpGt:
		return v.Num > a.Lit.Num
	case OpGe:
		return v.Num >= a.Lit.Num
	case OpLt:
		return v.Num < a.Lit.Num
	case OpLe:
		return v.Num <= a.Lit.Num
	}
	return false
}

func domains(c Condition) map[string]*domain {
	out := make(map[string]*domain)
	for _, a := range c {
		d, ok := out[a.Field]
		if !ok {
			d = &domain{}
			out[a.Field] = d
		}
		d.apply(a)
	}
	return out
}

// Satisfiable reports whether some assignment of facts makes c true
func Satisfiable(c Condition) bool {
	for _, d := range domains(c) {
		if !d.satisfiable() {
			return false
		}
	}
	return true
}

// Overlaps reports whether a and b can be true at the same time
func Overlaps(a, b Condition) bool {
	return Satisfiable(a.And(b))
}

// Implies reports whether every fact assignment satisfying a also satisfies b
func Implies(a, b Condition) bool {
	da := domains(a)
	for _, d := range da {
		if !d.satisfiable() {
			return true
		}
	}
	for _, atom := range b {
		d, ok := da[atom.Field]
		if !ok || !d.entails(atom) {
			return false
		}
	}
	return true
}

// Specializes reports whether a is a strict logical specialization of b
func Specializes(a, b Condition) bool {
	return Implies(a, b) && !Implies(b, a)
}

// Equivalent reports whether a and b accept exactly the same facts
func Equivalent(a, b Condition) bool {
	return Implies(a, b) && Implies(b, a)
}
