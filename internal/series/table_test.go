package series

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func TestNew_RejectsUnorderedTimestamps(t *testing.T) {
	_, err := New([]string{"v"}, []Row{
		{Time: day(2), Values: []float64{1}},
		{Time: day(1), Values: []float64{2}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestNew_RejectsDuplicateTimestamps(t *testing.T) {
	_, err := New([]string{"v"}, []Row{
		{Time: day(1), Values: []float64{1}},
		{Time: day(1), Values: []float64{2}},
	})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestNew_RejectsShapeErrors(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = New([]string{"a", "a"}, nil)
	assert.True(t, errors.Is(err, ErrInvalid))

	_, err = New([]string{"a", "b"}, []Row{{Time: day(1), Values: []float64{1}}})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestTable_IsImmutable(t *testing.T) {
	vals := []float64{1.5}
	tbl, err := New([]string{"v"}, []Row{{Time: day(1), Values: vals}})
	require.NoError(t, err)

	vals[0] = 99
	rows := tbl.Rows()
	rows[0].Values[0] = 42

	col, ok := tbl.Column("v")
	require.True(t, ok)
	assert.Equal(t, []float64{1.5}, col)
}

func TestEmpty(t *testing.T) {
	tbl := Empty("a", "b")
	assert.True(t, tbl.IsEmpty())
	assert.Equal(t, []string{"a", "b"}, tbl.Columns())
	assert.True(t, tbl.Start().IsZero())
}

func TestSlice(t *testing.T) {
	b := NewBuilder("v")
	for d := 1; d <= 5; d++ {
		b.Set(day(d), "v", float64(d))
	}
	tbl, err := b.Build()
	require.NoError(t, err)

	sliced := tbl.Slice(day(2), day(4))
	assert.Equal(t, 3, sliced.Len())
	assert.Equal(t, day(2), sliced.Start())
	assert.Equal(t, day(4), sliced.End())

	open := tbl.Slice(time.Time{}, day(2))
	assert.Equal(t, 2, open.Len())
}

func TestBuilder_MergesAndSorts(t *testing.T) {
	tbl, err := NewBuilder("usd_brl", "selic").
		Set(day(3), "usd_brl", 5.1).
		Set(day(1), "usd_brl", 4.9).
		Set(day(1), "selic", 13.75).
		Set(day(3), "usd_brl", 5.2).
		Build()
	require.NoError(t, err)

	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, day(1), tbl.Start())

	usd, _ := tbl.Column("usd_brl")
	assert.Equal(t, []float64{4.9, 5.2}, usd)

	selic, _ := tbl.Column("selic")
	assert.Equal(t, 13.75, selic[0])
	assert.True(t, IsNull(selic[1]))
}

func TestBuilder_DropsAllNullRows(t *testing.T) {
	tbl, err := NewBuilder("v").
		Set(day(1), "v", Null).
		Set(day(2), "v", 3).
		Build()
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
}

func TestBuilder_UnknownColumn(t *testing.T) {
	_, err := NewBuilder("v").Set(day(1), "w", 1).Build()
	assert.True(t, errors.Is(err, ErrInvalid))
}
