package collect

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/external-factors/internal/series"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rows(t *testing.T, n int) series.Table {
	t.Helper()
	b := series.NewBuilder("value")
	for i := 0; i < n; i++ {
		b.Set(day0.AddDate(0, 0, i), "value", float64(i))
	}
	tbl, err := b.Build()
	require.NoError(t, err)
	return tbl
}

func testWindow() Window {
	return Window{Start: day0, End: day0.AddDate(0, 0, 30)}
}

func TestWindowValidate(t *testing.T) {
	require.NoError(t, testWindow().Validate())
	assert.Error(t, Window{}.Validate())
	assert.Error(t, Window{Start: day0.AddDate(0, 0, 1), End: day0}.Validate())
}

func TestLastDays(t *testing.T) {
	w := LastDays(day0, 1095)
	assert.Equal(t, day0, w.End)
	assert.Equal(t, 1095, w.Days())
	assert.Equal(t, "2021-01-01 to 2024-01-01", w.String())
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: 30 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.delay(0))
	assert.Equal(t, 20*time.Millisecond, b.delay(1))
	assert.Equal(t, 30*time.Millisecond, b.delay(2))
	assert.Equal(t, time.Duration(0), BackoffConfig{}.delay(3))
}

func TestChainFirstSuccessWins(t *testing.T) {
	secondCalled := false
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "primary", Do: func(context.Context, Window) (series.Table, error) { return rows(t, 3), nil }},
			{Name: "fallback", Do: func(context.Context, Window) (series.Table, error) {
				secondCalled = true
				return rows(t, 1), nil
			}},
		},
	}
	tbl, err := c.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())
	assert.False(t, secondCalled)
}

func TestChainFormatErrorFallsBack(t *testing.T) {
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "iso", RetryOn: []error{ErrFormat}, Do: func(context.Context, Window) (series.Table, error) {
				return series.Table{}, errors.Mark(errors.New("bad date"), ErrFormat)
			}},
			{Name: "dmy", Do: func(context.Context, Window) (series.Table, error) { return rows(t, 5), nil }},
		},
	}
	tbl, err := c.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, 5, tbl.Len())
}

func TestChainEmptyResultFallsBack(t *testing.T) {
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "primary station", Do: func(context.Context, Window) (series.Table, error) { return series.Table{}, nil }},
			{Name: "fallback station", Do: func(context.Context, Window) (series.Table, error) { return rows(t, 2), nil }},
		},
	}
	tbl, err := c.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestChainUncaughtErrorStops(t *testing.T) {
	secondCalled := false
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "primary", RetryOn: []error{ErrTransient}, Do: func(context.Context, Window) (series.Table, error) {
				return series.Table{}, errors.Mark(errors.New("403"), ErrPermission)
			}},
			{Name: "fallback", Do: func(context.Context, Window) (series.Table, error) {
				secondCalled = true
				return rows(t, 1), nil
			}},
		},
	}
	_, err := c.Fetch(context.Background(), testWindow())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermission))
	assert.False(t, secondCalled)
}

func TestChainExhaustedReturnsLastOutcome(t *testing.T) {
	c := &Chain{
		Source:  "s",
		Backoff: BackoffConfig{InitialInterval: time.Millisecond},
		Attempts: []Attempt{
			{Name: "a", RetryOn: []error{ErrTransient}, Do: func(context.Context, Window) (series.Table, error) {
				return series.Table{}, errors.Mark(errors.New("503"), ErrTransient)
			}},
			{Name: "b", Do: func(context.Context, Window) (series.Table, error) {
				return series.Table{}, errors.Mark(errors.New("bad xml"), ErrFormat)
			}},
		},
	}
	_, err := c.Fetch(context.Background(), testWindow())
	require.Error(t, err)
	assert.Equal(t, ErrFormat, Classify(err))
}

func TestChainAllEmptyReturnsEmpty(t *testing.T) {
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "a", Do: func(context.Context, Window) (series.Table, error) { return series.Table{}, nil }},
		},
	}
	tbl, err := c.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.True(t, tbl.IsEmpty())
}

func TestChainAttemptTimeout(t *testing.T) {
	c := &Chain{
		Source:  "s",
		Timeout: 10 * time.Millisecond,
		Attempts: []Attempt{
			{Name: "slow", Do: func(ctx context.Context, _ Window) (series.Table, error) {
				<-ctx.Done()
				return series.Table{}, ctx.Err()
			}},
		},
	}
	_, err := c.Fetch(context.Background(), testWindow())
	require.Error(t, err)
	assert.Equal(t, "timeout", ReasonFor(err))
}

func TestChainRecoversPanic(t *testing.T) {
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "boom", Do: func(context.Context, Window) (series.Table, error) { panic("nil map") }},
		},
	}
	_, err := c.Fetch(context.Background(), testWindow())
	require.Error(t, err)
	assert.Equal(t, ErrUnexpected, Classify(err))
}

func TestChainCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	c := &Chain{
		Source: "s",
		Attempts: []Attempt{
			{Name: "a", Do: func(context.Context, Window) (series.Table, error) {
				called = true
				return rows(t, 1), nil
			}},
		},
	}
	_, err := c.Fetch(ctx, testWindow())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestChainWithoutAttempts(t *testing.T) {
	_, err := (&Chain{Source: "s"}).Fetch(context.Background(), testWindow())
	assert.Error(t, err)
}
