package core

import (
	"fmt"
	"strconv"
)

// Value is a single column value inside a row. Supported dynamic types are
// string, int64, float64, bool and nil (SQL NULL).
type Value any

// Row is an ordered list of column values. Its layout is described by a
// Schema; a Row is meaningless without one.
type Row []Value

// RowPredicate reports whether a row matches a routing predicate.
type RowPredicate func(Row) bool

// Target identifies one physical replica destination: an endpoint (node) and
// a table on that endpoint. Targets are opaque to the router; they are
// assigned by the provisioning layer and stored on chunk replica nodes.
type Target struct {
	Endpoint string
	Table    string
}

func (t Target) String() string {
	return t.Endpoint + "/" + t.Table
}

// FormatValue renders a value in its canonical string form. The canonical
// form is what the partitioning hash and the distinct index operate on, so it
// must be stable across releases.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
