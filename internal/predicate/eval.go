package predicate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ppiankov/statute/internal/model"
)

// CEL renders c as a CEL boolean over the map variable "facts".
// Every comparison is guarded with has() so missing facts evaluate to false.
func (c Condition) CEL() string {
	if len(c) == 0 {
		return "true"
	}
	parts := make([]string, len(c))
	for i, a := range c {
		var lit string
		switch a.Lit.Kind {
		case model.ValueNumber:
			lit = strconv.FormatFloat(a.Lit.Num, 'f', -1, 64)
			if !strings.Contains(lit, ".") {
				lit += ".0"
			}
		case model.ValueBool:
			lit = strconv.FormatBool(a.Lit.Bool)
		default:
			lit = strconv.Quote(a.Lit.Str)
		}
		parts[i] = fmt.Sprintf("(has(facts.%s) && facts.%s %s %s)", a.Field, a.Field, a.Op, lit)
	}
	return strings.Join(parts, " && ")
}

// Evaluator compiles and caches CEL programs for applies-when expressions
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an evaluator with a single "facts" map variable
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Match evaluates a condition against facts
func (e *Evaluator) Match(c Condition, facts map[string]any) (bool, error) {
	prg, err := e.program(c.CEL())
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"facts": normalizeFacts(facts)})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return matched, nil
}

// Outcome is the result of evaluating a rule against facts
type Outcome struct {
	Applies  bool        `json:"applies"`
	Value    model.Value `json:"value"`
	Override int         `json:"override"` // Index of the override branch that fired, -1 for none
}

// Resolve evaluates the base condition, then the first matching override branch
func (e *Evaluator) Resolve(expr Expr, base model.Value, facts map[string]any) (Outcome, error) {
	out := Outcome{Override: -1}
	ok, err := e.Match(expr.Base, facts)
	if err != nil || !ok {
		return out, err
	}
	out.Applies = true
	out.Value = base
	for i, o := range expr.Overrides {
		hit, err := e.Match(o.When, facts)
		if err != nil {
			return out, fmt.Errorf("override %d: %w", i, err)
		}
		if hit {
			out.Value = o.Value
			out.Override = i
			break
		}
	}
	return out, nil
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[src]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[src]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[src] = prg
	return prg, nil
}

// normalizeFacts lower-cases keys and strings and widens numbers to float64
func normalizeFacts(facts map[string]any) map[string]any {
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		key := strings.ToLower(k)
		switch n := v.(type) {
		case int:
			out[key] = float64(n)
		case int32:
			out[key] = float64(n)
		case int64:
			out[key] = float64(n)
		case uint:
			out[key] = float64(n)
		case uint64:
			out[key] = float64(n)
		case float32:
			out[key] = float64(n)
		case string:
			out[key] = strings.ToLower(n)
		default:
			out[key] = v
		}
	}
	return out
}
