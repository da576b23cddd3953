// Package series holds the time-indexed table every provider normalizes into.
package series

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalid is returned when a table would violate its shape invariants.
var ErrInvalid = errors.New("invalid time series table")

// Null is the in-memory representation of an absent value.
var Null = math.NaN()

// IsNull reports whether v represents an absent value.
func IsNull(v float64) bool {
	return math.IsNaN(v)
}

// Row is one timestamped observation. Values are positional, aligned with Table.Columns.
type Row struct {
	Time   time.Time
	Values []float64
}

// Table is an ordered, immutable sequence of rows keyed by strictly increasing timestamps.
// An empty table is legal and means "no data".
type Table struct {
	columns []string
	rows    []Row
}

// New validates columns and rows and returns a table that owns copies of both.
func New(columns []string, rows []Row) (Table, error) {
	if len(columns) == 0 {
		return Table{}, errors.Wrap(ErrInvalid, "no columns declared")
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if c == "" {
			return Table{}, errors.Wrap(ErrInvalid, "empty column name")
		}
		if _, dup := seen[c]; dup {
			return Table{}, errors.Wrapf(ErrInvalid, "duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		if len(r.Values) != len(columns) {
			return Table{}, errors.Wrapf(ErrInvalid, "row %d has %d values, want %d", i, len(r.Values), len(columns))
		}
		if r.Time.IsZero() {
			return Table{}, errors.Wrapf(ErrInvalid, "row %d has no timestamp", i)
		}
		if i > 0 && !r.Time.After(rows[i-1].Time) {
			return Table{}, errors.Wrapf(ErrInvalid, "row %d timestamp %s is not after %s",
				i, r.Time.Format(time.RFC3339), rows[i-1].Time.Format(time.RFC3339))
		}
		vals := make([]float64, len(r.Values))
		copy(vals, r.Values)
		out[i] = Row{Time: r.Time.UTC(), Values: vals}
	}

	cols := make([]string, len(columns))
	copy(cols, columns)
	return Table{columns: cols, rows: out}, nil
}

// Empty returns a table with the given columns and no rows.
func Empty(columns ...string) Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return Table{columns: cols}
}

// Columns returns a copy of the declared column names.
func (t Table) Columns() []string {
	cols := make([]string, len(t.columns))
	copy(cols, t.columns)
	return cols
}

// Rows returns a deep copy of the rows.
func (t Table) Rows() []Row {
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		vals := make([]float64, len(r.Values))
		copy(vals, r.Values)
		out[i] = Row{Time: r.Time, Values: vals}
	}
	return out
}

func (t Table) Len() int { return len(t.rows) }

func (t Table) IsEmpty() bool { return len(t.rows) == 0 }

// Start returns the first timestamp, or the zero time for an empty table.
func (t Table) Start() time.Time {
	if len(t.rows) == 0 {
		return time.Time{}
	}
	return t.rows[0].Time
}

// End returns the last timestamp, or the zero time for an empty table.
func (t Table) End() time.Time {
	if len(t.rows) == 0 {
		return time.Time{}
	}
	return t.rows[len(t.rows)-1].Time
}

// Column returns the values of the named column in row order.
func (t Table) Column(name string) ([]float64, bool) {
	idx := -1
	for i, c := range t.columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Values[idx]
	}
	return out, true
}

// Times returns the row timestamps in order.
func (t Table) Times() []time.Time {
	out := make([]time.Time, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Time
	}
	return out
}

// Slice returns the rows whose timestamp falls within [from, to]. A zero bound is open.
func (t Table) Slice(from, to time.Time) Table {
	if len(t.columns) == 0 {
		return Table{}
	}
	var rows []Row
	for _, r := range t.rows {
		if !from.IsZero() && r.Time.Before(from) {
			continue
		}
		if !to.IsZero() && r.Time.After(to) {
			continue
		}
		rows = append(rows, r)
	}
	// rows are a subsequence of an already valid table.
	sliced, _ := New(t.columns, rows)
	return sliced
}
