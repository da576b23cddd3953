package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/series"
)

// Options configures a single provider. Zero values fall back to the
// provider's defaults.
type Options struct {
	HTTP    *http.Client
	BaseURL string
	// Timeout bounds each attempt of the provider's fallback chain.
	Timeout time.Duration
	Backoff BackoffConfig
	Logger  *zap.SugaredLogger
	Now     func() time.Time
}

func (o Options) withDefaults(baseURL string, timeout time.Duration) Options {
	if o.HTTP == nil {
		o.HTTP = &http.Client{}
	}
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Timeout <= 0 {
		o.Timeout = timeout
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoff
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) client(name string, cacheBust bool) *Client {
	return NewClient(name, ClientConfig{
		HTTP:      o.HTTP,
		Backoff:   o.Backoff,
		CacheBust: cacheBust,
		Logger:    o.Logger,
	})
}

// chain builds the collect.Chain for a provider from its options.
func (o Options) chain(name string, attempts ...collect.Attempt) *collect.Chain {
	return &collect.Chain{
		Source:   name,
		Timeout:  o.Timeout,
		Backoff:  collect.BackoffConfig{InitialInterval: o.Backoff.InitialInterval, MaxInterval: o.Backoff.MaxInterval},
		Attempts: attempts,
		Logger:   o.Logger,
	}
}

// number decodes a JSON number, a numeric string or null. Anything that does
// not parse becomes series.Null.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number(parseNumber(strings.Trim(string(b), `"`)))
	return nil
}

func (n number) Float() float64 { return float64(n) }

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return series.Null
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return series.Null
	}
	return v
}

// parseTime tries each layout in order and returns the first match in UTC.
func parseTime(s string, layouts ...string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Mark(errors.Newf("cannot parse time %q", s), collect.ErrFormat)
}

// day truncates t to midnight UTC of its calendar day.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func formatError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), collect.ErrFormat)
}
