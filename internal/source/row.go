// Package source reflects the relational marketplace database at runtime.
// Nothing here depends on a compiled schema: tables are read by name and
// every row becomes an ordered column -> typed scalar mapping.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrSourceUnavailable marks failures that abort a migration run before any
// write happens.
var ErrSourceUnavailable = errors.New("source unavailable")

// Row is one reflected row
type Row struct {
	Table   string
	columns []string
	values  map[string]Value
}

// NewRow builds a row. columns and values must have the same length.
func NewRow(table string, columns []string, values []Value) Row {
	r := Row{
		Table:   table,
		columns: make([]string, 0, len(columns)),
		values:  make(map[string]Value, len(columns)),
	}
	for i, col := range columns {
		if _, dup := r.values[col]; !dup {
			r.columns = append(r.columns, col)
		}
		r.values[col] = values[i]
	}
	return r
}

// Columns returns the column names in result-set order
func (r Row) Columns() []string { return r.columns }

// Get returns the value of a column. Absent columns read as Null.
func (r Row) Get(col string) Value { return r.values[col] }

// Has reports whether the column was present in the source
func (r Row) Has(col string) bool {
	_, ok := r.values[col]
	return ok
}

// String returns the text of a column, empty when null
func (r Row) String(col string) string { return r.Get(col).Text() }

// Int returns a column as int64
func (r Row) Int(col string) (int64, bool) { return r.Get(col).Int() }

// Float returns a column as float64
func (r Row) Float(col string) (float64, bool) { return r.Get(col).Float() }

// Bool returns a column as bool, false when null or malformed
func (r Row) Bool(col string) bool {
	b, _ := r.Get(col).Bool()
	return b
}

// Time returns a column as UTC time, zero when null or malformed
func (r Row) Time(col string) time.Time {
	t, _ := r.Get(col).Time()
	return t
}

// IsNull reports whether a column is null or absent
func (r Row) IsNull(col string) bool { return r.Get(col).IsNull() }

// Key returns the row's "id" column text, used to identify skipped rows
func (r Row) Key() string { return r.String("id") }

// TableSpec names a table and the columns the migration expects in it
type TableSpec struct {
	Name            string   `yaml:"name"`
	Columns         []string `yaml:"columns"`
	OptionalColumns []string `yaml:"optional_columns"`
	// Optional tables may be absent from the source
	Optional bool `yaml:"optional"`
}

// Table is the reflected content of one table
type Table struct {
	Spec    TableSpec
	Rows    []Row
	Missing bool
}

// Warning records schema drift that did not abort the run
type Warning struct {
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Column == "" {
		return w.Table + ": " + w.Message
	}
	return w.Table + "." + w.Column + ": " + w.Message
}

// Snapshot is the result of reflecting a set of tables
type Snapshot struct {
	Tables   map[string]*Table
	Warnings []Warning
}

// Rows returns the rows of a table, nil when the table was not reflected
func (s *Snapshot) Rows(name string) []Row {
	if t, ok := s.Tables[name]; ok {
		return t.Rows
	}
	return nil
}

// RowSource is a read-only relational source
type RowSource interface {
	// Reflect reads every row of the given tables. A connection failure
	// returns an error wrapping ErrSourceUnavailable and no snapshot.
	Reflect(ctx context.Context, specs []TableSpec) (*Snapshot, error)
	Close() error
}
