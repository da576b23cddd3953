package providers

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/common"
	"github.com/i474232898/external-factors/internal/logger"
)

// BackoffConfig controls exponential backoff between retries of one request.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ClientConfig bundles HTTP client and resilience settings for one provider.
type ClientConfig struct {
	HTTP    *http.Client
	Backoff BackoffConfig
	// RatePerSecond of zero disables client-side rate limiting.
	RatePerSecond float64
	Burst         int
	// CacheBust adds "_=<n>" and no-cache headers to every request.
	CacheBust bool
	UserAgent string
	Logger    *zap.SugaredLogger
}

// DefaultBackoff is used by providers that do not override it.
var DefaultBackoff = BackoffConfig{
	MaxRetries:      2,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
	errCircuitOpen   = errors.New("circuit breaker open")
)

// Process-wide cache buster, seeded with the current unix time.
var cacheBuster atomic.Int64

func init() {
	cacheBuster.Store(time.Now().Unix())
}

func nextCacheBuster() string {
	return strconv.FormatInt(cacheBuster.Add(1), 10)
}

// Client is a resilient HTTP client for a single provider: retries with
// exponential backoff, a circuit breaker, an optional rate limit and status
// classification onto the collect error taxonomy. The breaker only spans one
// run; Reset starts a new one.
type Client struct {
	name      string
	http      *http.Client
	backoff   BackoffConfig
	settings  gobreaker.Settings
	mu        sync.Mutex
	circuit   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	cacheBust bool
	userAgent string
	log       *zap.SugaredLogger
}

func NewClient(name string, cfg ClientConfig) *Client {
	c := &Client{
		name:      name,
		http:      cfg.HTTP,
		backoff:   cfg.Backoff,
		cacheBust: cfg.CacheBust,
		userAgent: cfg.UserAgent,
		log:       cfg.Logger,
		settings: gobreaker.Settings{
			Name:        name,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		},
	}
	c.circuit = gobreaker.NewCircuitBreaker(c.settings)
	if c.log == nil {
		c.log = logger.Nop()
	}
	if c.userAgent == "" {
		c.userAgent = "Mozilla/5.0"
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// Name returns the provider name the client was built for.
func (c *Client) Name() string { return c.name }

// Reset replaces the circuit breaker with a closed one, so failures of a
// previous run do not short-circuit the next.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuit = gobreaker.NewCircuitBreaker(c.settings)
}

func (c *Client) breaker() *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuit
}

// GetJSON issues a GET and decodes the JSON body into out. Decoding failures
// are format errors.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error {
	body, err := c.Get(ctx, rawURL, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s: decode response", c.name), collect.ErrFormat)
	}
	return nil
}

// Get issues a GET and returns the full response body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header) ([]byte, error) {
	return c.Do(ctx, func() (*http.Request, error) {
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		if c.cacheBust {
			q.Set("_", nextCacheBuster())
		}
		u := rawURL
		if len(q) > 0 {
			sep := "?"
			if strings.Contains(u, "?") {
				sep = "&"
			}
			u += sep + q.Encode()
		}
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		return req, nil
	})
}

// Do executes the request built by buildRequest with retries, exponential
// backoff and the circuit breaker. Only transient failures are retried.
func (c *Client) Do(ctx context.Context, buildRequest func() (*http.Request, error)) ([]byte, error) {
	if c.http == nil {
		return nil, errNoHTTPClient
	}
	if c.backoff.MaxRetries < 0 || c.backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := buildRequest()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: build request", c.name)
		}
		req = req.WithContext(ctx)
		req.Header.Set("User-Agent", c.userAgent)
		if c.cacheBust {
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")
		}

		body, err := c.execute(req)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Mark(errors.Wrapf(errCircuitOpen, "%s: %v", c.name, err), collect.ErrTransient)
		}
		if collect.Classify(err) != collect.ErrTransient || ctx.Err() != nil || attempt >= c.backoff.MaxRetries {
			return nil, err
		}

		delay := c.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > c.backoff.MaxInterval && c.backoff.MaxInterval > 0 {
			delay = c.backoff.MaxInterval
		}
		c.log.Debugw("retrying request",
			logger.FieldSource, c.name, logger.FieldAttempt, attempt+1, logger.FieldError, err.Error(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// execute runs one request through the breaker. Only transient failures count
// against the breaker; other statuses are returned after it.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	var rejected error
	result, err := c.breaker().Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(c.name, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transportError(c.name, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		statusErr := classifyStatus(resp.StatusCode, withoutQuery(req.URL), body)
		if collect.Classify(statusErr) == collect.ErrTransient {
			return nil, statusErr
		}
		rejected = statusErr
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	body, _ := result.([]byte)
	return body, nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(code int, u string, body []byte) error {
	snippet := common.Snippet(body, 200)
	statusErr := &collect.HTTPStatusError{Code: code, URL: u, Body: snippet}

	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return errors.Mark(statusErr, collect.ErrTransient)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return errors.Mark(statusErr, collect.ErrPermission)
	case code == http.StatusNotFound:
		return errors.Mark(statusErr, collect.ErrNotFound)
	case common.HasAny(snippet, "permission", "not authorized", "subscription"):
		return errors.Mark(statusErr, collect.ErrPermission)
	default:
		return errors.Mark(statusErr, collect.ErrClient)
	}
}

// withoutQuery keeps API keys out of error messages and logs.
func withoutQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

func transportError(name string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if parsed, perr := url.Parse(ue.URL); perr == nil {
			ue.URL = withoutQuery(parsed)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "%s: request failed", name), collect.ErrTransient)
}
