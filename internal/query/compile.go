package query

import (
	"fmt"
	"strings"

	"github.com/roach88/fsreplay/internal/ir"
)

// Compile validates p and renders it as a parameterized SQL condition.
// A nil predicate compiles to "1 = 1".
func Compile(p Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}
	if err := Validate(p); err != nil {
		return "", nil, err
	}
	return compilePredicate(p)
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return compileComparison(pred.Field, "=", pred.Value)
	case *Equals:
		return compileComparison(pred.Field, "=", pred.Value)
	case NotEquals:
		return compileComparison(pred.Field, "<>", pred.Value)
	case *NotEquals:
		return compileComparison(pred.Field, "<>", pred.Value)
	case Between:
		return compileBetween(pred)
	case *Between:
		return compileBetween(*pred)
	case And:
		return compileAnd(pred)
	case *And:
		return compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileComparison(field Field, op string, value ir.Value) (string, []any, error) {
	param, err := valueToParam(value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{param}, nil
}

func compileBetween(b Between) (string, []any, error) {
	if b.To == 0 {
		return fmt.Sprintf("%s >= ?", b.Field), []any{b.From}, nil
	}
	return fmt.Sprintf("%s >= ? AND %s <= ?", b.Field, b.Field), []any{b.From, b.To}, nil
}

func compileAnd(a And) (string, []any, error) {
	if len(a.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	parts := make([]string, 0, len(a.Predicates))
	var params []any
	for _, p := range a.Predicates {
		sql, ps, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func valueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
