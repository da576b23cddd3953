package series

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// Builder accumulates cells from loosely ordered provider payloads.
// Cells sharing a timestamp merge into one row; the last write to a cell wins.
type Builder struct {
	columns []string
	index   map[string]int
	rows    map[int64]*Row
	err     error
}

// NewBuilder starts a table with the given column layout.
func NewBuilder(columns ...string) *Builder {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return &Builder{
		columns: columns,
		index:   idx,
		rows:    make(map[int64]*Row),
	}
}

// Set records value for column at ts. Unknown columns are recorded as an error
// surfaced by Build.
func (b *Builder) Set(ts time.Time, column string, value float64) *Builder {
	i, ok := b.index[column]
	if !ok {
		if b.err == nil {
			b.err = errors.Wrapf(ErrInvalid, "unknown column %q", column)
		}
		return b
	}
	if ts.IsZero() {
		if b.err == nil {
			b.err = errors.Wrapf(ErrInvalid, "zero timestamp for column %q", column)
		}
		return b
	}
	ts = ts.UTC()
	key := ts.UnixNano()
	r, ok := b.rows[key]
	if !ok {
		vals := make([]float64, len(b.columns))
		for j := range vals {
			vals[j] = Null
		}
		r = &Row{Time: ts, Values: vals}
		b.rows[key] = r
	}
	r.Values[i] = value
	return b
}

// Build sorts the rows, drops rows where every value is null and validates the result.
func (b *Builder) Build() (Table, error) {
	if b.err != nil {
		return Table{}, b.err
	}
	rows := make([]Row, 0, len(b.rows))
	for _, r := range b.rows {
		if allNull(r.Values) {
			continue
		}
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	return New(b.columns, rows)
}

func allNull(vals []float64) bool {
	for _, v := range vals {
		if !IsNull(v) {
			return false
		}
	}
	return true
}
