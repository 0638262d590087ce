package query

import (
	"errors"
	"fmt"

	"github.com/roach88/fsreplay/internal/ir"
)

// Validate checks that p references only known fields with values of the
// right kind. It reports every problem found, joined.
func Validate(p Predicate) error {
	v := &validator{}
	v.predicate(p, "filter")
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) predicate(p Predicate, path string) {
	switch pred := p.(type) {
	case nil:
		v.addf("%s: nil predicate", path)
	case Equals:
		v.comparison(pred.Field, pred.Value, path)
	case *Equals:
		v.comparison(pred.Field, pred.Value, path)
	case NotEquals:
		v.comparison(pred.Field, pred.Value, path)
	case *NotEquals:
		v.comparison(pred.Field, pred.Value, path)
	case Between:
		v.between(pred, path)
	case *Between:
		v.between(*pred, path)
	case And:
		v.and(pred, path)
	case *And:
		v.and(*pred, path)
	default:
		v.addf("%s: unsupported predicate %T", path, p)
	}
}

func (v *validator) comparison(field Field, value ir.Value, path string) {
	kind, ok := Fields[field]
	if !ok {
		v.addf("%s: unknown field %q", path, field)
		return
	}
	switch value.(type) {
	case ir.Int:
		if kind != KindInt {
			v.addf("%s: field %q holds strings, got an integer", path, field)
		}
	case ir.String:
		if kind != KindString {
			v.addf("%s: field %q holds integers, got a string", path, field)
		}
	default:
		v.addf("%s: field %q compared with unsupported value %T", path, field, value)
	}
}

func (v *validator) between(b Between, path string) {
	kind, ok := Fields[b.Field]
	if !ok {
		v.addf("%s: unknown field %q", path, b.Field)
		return
	}
	if kind != KindInt {
		v.addf("%s: range over non-integer field %q", path, b.Field)
	}
	if b.To != 0 && b.To < b.From {
		v.addf("%s: empty range [%d,%d]", path, b.From, b.To)
	}
}

func (v *validator) and(a And, path string) {
	for i, p := range a.Predicates {
		v.predicate(p, fmt.Sprintf("%s.and[%d]", path, i))
	}
}
