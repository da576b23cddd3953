package collect

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/series"
)

// Window is the closed time range a run collects.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastDays returns the window ending at now and spanning the given number of days.
func LastDays(now time.Time, days int) Window {
	return Window{Start: now.AddDate(0, 0, -days), End: now}
}

// Validate rejects windows with missing bounds or start after end.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("window bounds must be set")
	}
	if w.Start.After(w.End) {
		return errors.Newf("window start %s is after end %s",
			w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
	}
	return nil
}

// Days is the number of whole days covered by the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

func (w Window) String() string {
	return w.Start.Format(time.DateOnly) + " to " + w.End.Format(time.DateOnly)
}

// Fetcher retrieves one source's data for a window. Implementations convert
// every internal failure into a returned error. An empty table with a nil
// error means the provider had no data.
type Fetcher interface {
	Fetch(ctx context.Context, w Window) (series.Table, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, w Window) (series.Table, error)

func (f FetcherFunc) Fetch(ctx context.Context, w Window) (series.Table, error) {
	return f(ctx, w)
}

// BackoffConfig controls the exponential delay between attempts that failed
// with a transient error.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	if b.InitialInterval <= 0 {
		return 0
	}
	d := b.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if b.MaxInterval > 0 && d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}

// Attempt is one strategy in a fallback chain.
type Attempt struct {
	Name string
	// Timeout overrides the chain timeout for this attempt.
	Timeout time.Duration
	// RetryOn lists the error classes after which the chain moves on to the
	// next attempt. Any other error ends the chain.
	RetryOn []error
	Do      func(ctx context.Context, w Window) (series.Table, error)
}

func (a Attempt) catches(err error) bool {
	class := Classify(err)
	for _, c := range a.RetryOn {
		if class == c || errors.Is(err, c) {
			return true
		}
	}
	return false
}

// Chain is a Fetcher that evaluates its attempts in order. The first attempt
// returning a non-empty table wins. An empty result moves on to the next
// attempt. When every attempt fails, the last attempt's outcome is returned.
type Chain struct {
	Source   string
	Timeout  time.Duration
	Backoff  BackoffConfig
	Attempts []Attempt
	Logger   *zap.SugaredLogger
}

func (c *Chain) Fetch(ctx context.Context, w Window) (series.Table, error) {
	if len(c.Attempts) == 0 {
		return series.Table{}, errors.Newf("%s: no attempts configured", c.Source)
	}
	log := c.Logger
	if log == nil {
		log = logger.Nop()
	}

	var (
		last    series.Table
		lastErr error
	)
	for i, a := range c.Attempts {
		if err := ctx.Err(); err != nil {
			return series.Table{}, err
		}

		t, err := c.try(ctx, a, w)
		if err == nil && !t.IsEmpty() {
			if i > 0 {
				log.Infow("fallback attempt succeeded",
					logger.FieldSource, c.Source, logger.FieldAttempt, a.Name, logger.FieldRecords, t.Len())
			}
			return t, nil
		}
		last, lastErr = t, err

		if err == nil {
			log.Warnw("attempt returned no data",
				logger.FieldSource, c.Source, logger.FieldAttempt, a.Name)
			continue
		}
		if !a.catches(err) {
			return series.Table{}, err
		}

		log.Warnw("attempt failed, trying next strategy",
			logger.FieldSource, c.Source, logger.FieldAttempt, a.Name, logger.FieldError, err.Error())

		if i < len(c.Attempts)-1 && Classify(err) == ErrTransient {
			if err := sleep(ctx, c.Backoff.delay(i)); err != nil {
				return series.Table{}, err
			}
		}
	}
	return last, lastErr
}

func (c *Chain) try(ctx context.Context, a Attempt, w Window) (t series.Table, err error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			t = series.Table{}
			err = errors.Mark(errors.Newf("panic in attempt %s: %v", a.Name, r), ErrUnexpected)
		}
	}()

	t, err = a.Do(ctx, w)
	if err != nil {
		return series.Table{}, errors.Wrapf(err, "%s attempt %s", c.Source, a.Name)
	}
	return t, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
