// Package fetch implements the rate-limited, retrying HTTP client every
// source adapter goes through. One client instance owns the politeness
// state for all hosts it talks to.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarryd/quarry/internal/metrics"
)

// Config controls client behavior. Zero values fall back to the documented
// defaults.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Politeness    time.Duration
	RespectRobots bool
}

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

// Request captures one logical fetch. Immutable once handed to Do.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Timeout time.Duration
}

// Response is the raw result of a successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client issues single logical requests with per-host politeness spacing and
// bounded exponential retry on transient failures.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// sleep is swapped out in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	// Retries and scheduled re-runs revisit the same URLs; the collector's
	// dedupe store must not veto them.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	// Timeouts are enforced per attempt through the request context, never
	// through the shared http.Client, which clones would race on.
	c.SetRequestTimeout(0)

	return &Client{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
		limiters:      make(map[string]*rate.Limiter),
		sleep:         sleepContext,
	}
}

// Do executes the request, waiting out the politeness interval for the
// target host and retrying transient failures with exponential backoff.
// Exhausting the attempt budget returns an *ExhaustedError wrapping the
// last attempt's error; fatal errors return immediately.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme or host")
		}
		return Response{}, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	host := parsed.Host

	for attempt := 1; ; attempt++ {
		if err := c.waitPoliteness(ctx, host); err != nil {
			return Response{}, err
		}

		metrics.FetchRequests.Inc()
		resp, attemptErr := c.doOnce(ctx, req)
		if attemptErr == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("fetch canceled: %w", ctxErr)
		}
		if Classify(attemptErr) == KindFatal {
			metrics.FetchFailures.Inc()
			return Response{}, attemptErr
		}
		if attempt >= c.cfg.MaxAttempts {
			metrics.FetchFailures.Inc()
			return Response{}, &ExhaustedError{Attempts: attempt, LastErr: attemptErr}
		}

		delay := c.backoffDelay(attempt)
		metrics.FetchRetries.Inc()
		c.logger.Warn("transient fetch failure, backing off",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(attemptErr),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}
}

// backoffDelay returns the wait before attempt k+1 given that attempt k just
// failed: base * 2^(k-1), capped.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	if d > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return d
}

// waitPoliteness blocks until the host's politeness interval has elapsed
// since the previous request this client issued to it.
func (c *Client) waitPoliteness(ctx context.Context, host string) error {
	if c.cfg.Politeness <= 0 {
		return nil
	}
	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.cfg.Politeness), 1)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.PolitenessWait.Add(waited.Seconds())
	}
	return nil
}

// doOnce issues a single attempt via a cloned collector. The attempt context
// carries the per-request timeout and the caller's cancellation, so an
// aborted attempt tears its HTTP request down instead of finishing in the
// background.
func (c *Client) doOnce(ctx context.Context, req Request) (Response, error) {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	collector.Context = attemptCtx

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			fetchErr = &StatusError{Code: r.StatusCode}
			return
		}
		result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = &StatusError{Code: r.StatusCode}
			return
		}
		fetchErr = err
	})

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if err := collector.Request(method, req.URL, nil, nil, req.Headers); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("fetch canceled: %w", ctxErr)
		}
		return Response{}, fmt.Errorf("request %s: %w", req.URL, err)
	}
	if fetchErr != nil {
		return Response{}, fetchErr
	}
	if result.StatusCode == 0 {
		return Response{}, fmt.Errorf("request %s produced no response", req.URL)
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
