package query

import "github.com/roach88/fsreplay/internal/ir"

// Field names a filterable activity column.
type Field string

const (
	FieldSeq    Field = "seq"
	FieldHandle Field = "handle"
	FieldOp     Field = "op"
	FieldError  Field = "error"
)

// Kind is the value type a field holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
)

// Fields lists the filterable columns and their kinds.
var Fields = map[Field]Kind{
	FieldSeq:    KindInt,
	FieldHandle: KindInt,
	FieldOp:     KindString,
	FieldError:  KindString,
}

// Predicate is a filter condition.
//
// This is a sealed interface: only types in this package implement it, so
// the compiler's type switch is exhaustive.
type Predicate interface {
	predicateNode()
}

// Equals matches rows whose Field equals Value.
type Equals struct {
	Field Field
	Value ir.Value // ir.Int or ir.String, matching the field's kind
}

func (Equals) predicateNode() {}

// NotEquals matches rows whose Field differs from Value.
type NotEquals struct {
	Field Field
	Value ir.Value
}

func (NotEquals) predicateNode() {}

// Between matches rows with From <= Field <= To. A To of 0 leaves the range
// open-ended, the same convention replay windows use.
type Between struct {
	Field Field
	From  int64
	To    int64
}

func (Between) predicateNode() {}

// And is a conjunction. An empty And matches every row.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// All conjoins the non-nil predicates of ps. It returns nil when none
// remain, meaning no filter.
func All(ps ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range ps {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return And{Predicates: kept}
}
