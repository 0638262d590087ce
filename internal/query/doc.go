// Package query is a small filter language over recorded activities and its
// compiler to parameterized SQLite.
//
// A filter is a Predicate tree:
//
//	query.And{Predicates: []query.Predicate{
//	  query.Equals{Field: query.FieldHandle, Value: ir.Int(2)},
//	  query.Equals{Field: query.FieldOp, Value: ir.String("write")},
//	  query.Between{Field: query.FieldSeq, From: 10, To: 40},
//	}}
//
// compiles to
//
//	handle = ? AND op = ? AND seq >= ? AND seq <= ?
//
// with params [2 "write" 10 40]. Values are never interpolated into the SQL
// text, and only the columns listed in Fields can be referenced, so a
// compiled filter is safe to splice into a WHERE clause. Callers append
// their own ORDER BY; the store always orders by seq.
package query
