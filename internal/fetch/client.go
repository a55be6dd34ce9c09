// Package fetch implements the rate-limited HTTP fetch client.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bookpulse/bookpulse/internal/telemetry"
	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Config controls client behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	Delay          time.Duration // minimum gap between consecutive requests
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client implements tracker.Fetcher using a Colly collector. One limiter
// guards all callers, so the client is the single point of backpressure
// no matter how many workers share it.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	policy  *retryPolicy
	base    *colly.Collector
	logger  *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	base := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	base.WithTransport(newHTTPTransport())
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		policy:  newRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		base:    base,
		logger:  logger,
	}
}

// Fetch retrieves url, waiting out the politeness delay and retrying
// transient failures with jittered backoff. 4xx responses are permanent.
func (c *Client) Fetch(ctx context.Context, url string, headers http.Header) (tracker.FetchResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.policy.Backoff(attempt-1)); err != nil {
				return tracker.FetchResult{}, err
			}
			c.logger.Debug("retrying fetch", zap.String("url", url), zap.Int("attempt", attempt))
			telemetry.IncFetchRetries()
		}

		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return tracker.FetchResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
		if waited := time.Since(waitStart); waited > time.Millisecond {
			telemetry.ObserveRateLimitDelay(waited)
		}

		result, err := c.doFetch(ctx, url, headers)
		if err == nil {
			telemetry.ObserveFetch(result.StatusCode, result.Duration)
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Caller gave up; the attempt error may unwrap to the same
			// sentinel as a per-request timeout, so consult ctx directly.
			break
		}
		if !c.policy.ShouldRetry(err, attempt) {
			break
		}
		c.logger.Warn("fetch attempt failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
	}
	return tracker.FetchResult{}, lastErr
}

func (c *Client) doFetch(ctx context.Context, url string, headers http.Header) (tracker.FetchResult, error) {
	var (
		result    tracker.FetchResult
		errStatus int
		fetchErr  error
	)
	start := time.Now()

	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = tracker.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			errStatus = r.StatusCode
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, url); err != nil {
		return tracker.FetchResult{}, classify(url, errStatus, err)
	}
	if fetchErr != nil {
		return tracker.FetchResult{}, classify(url, errStatus, fetchErr)
	}
	return result, nil
}

// runCollector executes Visit in a goroutine so the caller's context can
// interrupt the wait; colly itself has no context hook.
func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func classify(url string, status int, err error) *tracker.FetchError {
	if status >= 400 {
		return &tracker.FetchError{Kind: tracker.FetchKindHTTPStatus, Status: status, URL: url, Err: err}
	}
	if isTimeout(err) {
		return &tracker.FetchError{Kind: tracker.FetchKindTimeout, URL: url, Err: err}
	}
	return &tracker.FetchError{Kind: tracker.FetchKindNetwork, URL: url, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
