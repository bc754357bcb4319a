package evalx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Evaluator is the filter-expression capability: Evaluate takes an
// expression and an environment map and reports whether the expression
// holds. crud.Engine carries one (its Eval field) but no core path calls
// it; the unified store (SPEC_FULL.md §5.7.x) matches its filters as
// plain field maps through crud's matchesFilter.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, env map[string]any) (bool, error)
}

// Standard is the reference Evaluator: it parses expr with Parse and
// walks the resulting AST against env using dot-path field lookup.
type Standard struct{}

// New returns the reference evalx Evaluator.
func New() *Standard { return &Standard{} }

var _ Evaluator = (*Standard)(nil)

func (s *Standard) Evaluate(_ context.Context, expr string, env map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	node, err := Parse(expr)
	if err != nil {
		return false, fmt.Errorf("evalx: %w", err)
	}
	return evalNode(node, env), nil
}

func evalNode(n Node, env map[string]any) bool {
	switch node := n.(type) {
	case *ComparisonNode:
		return evalComparison(node, env)
	case *AndNode:
		return evalNode(node.Left, env) && evalNode(node.Right, env)
	case *OrNode:
		return evalNode(node.Left, env) || evalNode(node.Right, env)
	case *NotNode:
		return !evalNode(node.Operand, env)
	default:
		return false
	}
}

func evalComparison(n *ComparisonNode, env map[string]any) bool {
	actual, ok := lookupPath(env, n.Field)
	if !ok {
		return n.Op == OpNotEquals
	}

	switch n.Op {
	case OpEquals:
		return matchesAny(actual, n.Value)
	case OpNotEquals:
		return !matchesAny(actual, n.Value)
	case OpLess, OpLessEq, OpGreater, OpGreaterEq:
		return compareNumeric(actual, n.Value, n.Op)
	default:
		return false
	}
}

// matchesAny implements the spec's array-any-match rule (SPEC_FULL.md
// §5.7 findFirst: "on arrays, matches if any element matches").
func matchesAny(actual any, literal string) bool {
	if arr, ok := actual.([]any); ok {
		for _, v := range arr {
			if stringify(v) == literal {
				return true
			}
		}
		return false
	}
	return stringify(actual) == literal
}

func compareNumeric(actual any, literal string, op ComparisonOp) bool {
	a, aok := toFloat(actual)
	b, err := strconv.ParseFloat(literal, 64)
	if !aok || err != nil {
		return false
	}
	switch op {
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// lookupPath resolves a dot-separated field path (e.g. "context.status",
// "item.priority") against env, one map level per segment.
func lookupPath(env map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = env
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
