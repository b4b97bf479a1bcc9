package core

import "fmt"

// ColumnKind is the semantic role a column plays in routing. The role is only
// known at run time, from the catalog; the router never assumes a fixed
// column position or Go type.
type ColumnKind int

const (
	// KindValue is an ordinary payload column.
	KindValue ColumnKind = iota
	// KindTime is the time-partitioning column. Values are int64 UnixNano.
	KindTime
	// KindKey is the keyspace-partitioning column.
	KindKey
)

func (k ColumnKind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindKey:
		return "key"
	default:
		return "value"
	}
}

// Column describes one column of a hypertable: its name, its routing role and
// whether a distinct-value side index is maintained for it.
type Column struct {
	Name     string
	Kind     ColumnKind
	Distinct bool
}

// Schema is the runtime descriptor of a hypertable's row layout: an ordered
// list of columns with cached positions of the time and key columns.
type Schema struct {
	columns []Column
	timeIdx int
	keyIdx  int // -1 when the hypertable has no key column
}

// NewSchema validates the column list and builds a schema. Exactly one time
// column is required; at most one key column is allowed.
func NewSchema(columns []Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("schema must have at least one column")
	}
	s := &Schema{
		columns: make([]Column, len(columns)),
		timeIdx: -1,
		keyIdx:  -1,
	}
	copy(s.columns, columns)

	seen := make(map[string]struct{}, len(columns))
	for i, c := range s.columns {
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = struct{}{}

		switch c.Kind {
		case KindTime:
			if s.timeIdx >= 0 {
				return nil, fmt.Errorf("schema has more than one time column (%q and %q)", s.columns[s.timeIdx].Name, c.Name)
			}
			s.timeIdx = i
		case KindKey:
			if s.keyIdx >= 0 {
				return nil, fmt.Errorf("schema has more than one key column (%q and %q)", s.columns[s.keyIdx].Name, c.Name)
			}
			s.keyIdx = i
		}
	}
	if s.timeIdx < 0 {
		return nil, fmt.Errorf("schema has no time column")
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for tests and
// static setup code.
func MustSchema(columns []Column) *Schema {
	s, err := NewSchema(columns)
	if err != nil {
		panic(err)
	}
	return s
}

// Columns returns the ordered column list.
func (s *Schema) Columns() []Column {
	return s.columns
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.columns)
}

// TimeColumn returns the time column descriptor.
func (s *Schema) TimeColumn() Column {
	return s.columns[s.timeIdx]
}

// KeyColumn returns the key column descriptor, if the schema has one.
func (s *Schema) KeyColumn() (Column, bool) {
	if s.keyIdx < 0 {
		return Column{}, false
	}
	return s.columns[s.keyIdx], true
}

// ColumnIndex returns the position of a column by name.
func (s *Schema) ColumnIndex(name string) (int, bool) {
	for i, c := range s.columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// DistinctColumns returns the columns flagged for distinct-value indexing,
// in schema order.
func (s *Schema) DistinctColumns() []Column {
	var out []Column
	for _, c := range s.columns {
		if c.Distinct {
			out = append(out, c)
		}
	}
	return out
}

// ValidateRow checks that a row has the schema's arity and that the time
// column, when present, holds an int64.
func (s *Schema) ValidateRow(r Row) error {
	if len(r) != len(s.columns) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(r), len(s.columns))
	}
	if v := r[s.timeIdx]; v != nil {
		if _, ok := v.(int64); !ok {
			return fmt.Errorf("time column %q holds %T, want int64", s.columns[s.timeIdx].Name, v)
		}
	}
	return nil
}

// TimeValue extracts the row's time value as UnixNano. ok is false when the
// value is null; such rows bypass epoch/partition/chunk resolution.
func (s *Schema) TimeValue(r Row) (int64, bool) {
	if len(r) != len(s.columns) {
		return 0, false
	}
	v, ok := r[s.timeIdx].(int64)
	return v, ok
}

// KeyValue extracts the row's partitioning key value. ok is false when the
// schema has no key column or the value is null.
func (s *Schema) KeyValue(r Row) (Value, bool) {
	if s.keyIdx < 0 || len(r) != len(s.columns) {
		return nil, false
	}
	v := r[s.keyIdx]
	return v, v != nil
}

// Value returns the row value at a named column.
func (s *Schema) Value(r Row, name string) (Value, bool) {
	i, ok := s.ColumnIndex(name)
	if !ok || len(r) != len(s.columns) {
		return nil, false
	}
	return r[i], true
}
