// Package taostats provides the client for the taostats analytics API.
// Every upstream HTTP call in the application goes through this package;
// nothing else performs HTTP against the analytics provider.
//
// Requests are funneled through a single rate-limiting worker so the
// per-minute budget holds across all callers. Idempotent GETs are retried
// with capped exponential backoff; a Retry-After hint from the upstream
// overrides the computed backoff.
package taostats

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/cache"
	"github.com/taovault/taovault/internal/metrics"
)

const (
	requestQueueSize = 100
	bodyExcerptLimit = 500
	defaultPageLimit = 200
)

// Config carries client construction parameters.
type Config struct {
	BaseURL       string
	APIKey        string
	RatePerMinute int           // request budget, converted to an inter-request delay
	MaxRetries    int           // retry cap for idempotent GETs
	Timeout       time.Duration // per-request HTTP timeout
	MaxPages      int           // pagination safety cap
	BackoffBase   time.Duration // base for exponential backoff
	BackoffCap    time.Duration // ceiling for any single backoff sleep
}

// requestJob is one queued GET waiting its turn at the rate limiter.
type requestJob struct {
	ctx      context.Context
	endpoint string
	query    url.Values
	resultCh chan requestResult
}

// requestResult carries a response body back to the enqueuing caller.
type requestResult struct {
	body []byte
	err  error
}

// Client is the taostats API client.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	log         zerolog.Logger
	cache       *cache.Cache // optional; nil disables response caching
	minInterval time.Duration
	maxRetries  int
	maxPages    int
	backoffBase time.Duration
	backoffCap  time.Duration

	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
	closeOnce    sync.Once

	mu              sync.Mutex
	retryAfterUntil time.Time
}

// NewClient creates a taostats client and starts its rate-limiting
// worker. cacheStore is optional; pass nil to disable response caching.
func NewClient(cfg Config, cacheStore *cache.Cache, log zerolog.Logger) *Client {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}

	c := &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		log:          log.With().Str("client", "taostats").Logger(),
		cache:        cacheStore,
		minInterval:  time.Minute / time.Duration(cfg.RatePerMinute),
		maxRetries:   cfg.MaxRetries,
		maxPages:     cfg.MaxPages,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}

	go c.worker()

	return c
}

// request performs a GET through the rate-limit queue. When cacheKey is
// non-empty a fresh cached body short-circuits the HTTP call; a miss
// stores the fetched body under cacheTTL. Cache failures degrade to a
// direct fetch, never to a request failure.
func (c *Client) request(ctx context.Context, endpoint string, query url.Values, cacheKey string, cacheTTL time.Duration) ([]byte, error) {
	if cacheKey != "" && c.cache != nil {
		var body []byte
		if found, err := c.cache.Get(cacheKey, &body); err == nil && found {
			return body, nil
		}
	}

	resultCh := make(chan requestResult, 1)
	job := requestJob{
		ctx:      ctx,
		endpoint: endpoint,
		query:    query,
		resultCh: resultCh,
	}

	select {
	case c.requestQueue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopChan:
		return nil, fmt.Errorf("client is closed")
	}

	// The worker always sends exactly one result, so abandoning the
	// buffered channel on cancellation leaks nothing.
	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if cacheKey != "" && c.cache != nil {
			if err := c.cache.Set(cacheKey, result.body, cacheTTL); err != nil {
				c.log.Warn().Err(err).Str("key", cacheKey).Msg("Failed to cache response")
			}
		}
		return result.body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker processes requests from the queue sequentially, spacing them to
// stay inside the per-minute budget.
func (c *Client) worker() {
	defer close(c.workerDone)

	var lastRequestTime time.Time
	firstRequest := true

	processJob := func(job requestJob) {
		if !firstRequest {
			elapsed := time.Since(lastRequestTime)
			if elapsed < c.minInterval {
				time.Sleep(c.minInterval - elapsed)
			}
		}
		firstRequest = false

		var result requestResult
		result.body, result.err = c.doRequest(job.ctx, job.endpoint, job.query)

		lastRequestTime = time.Now()
		job.resultCh <- result
	}

	for {
		select {
		case <-c.stopChan:
			// Drain remaining jobs before exiting
			for {
				select {
				case job, ok := <-c.requestQueue:
					if !ok {
						return
					}
					processJob(job)
				default:
					return
				}
			}
		case job, ok := <-c.requestQueue:
			if !ok {
				return
			}
			processJob(job)
		}
	}
}

// doRequest executes one GET with retries. Rate limits and 5xx retry with
// backoff; other 4xx fail immediately.
func (c *Client) doRequest(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := c.backoffDelay(attempt-1, lastErr)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		body, err := c.doOnce(ctx, endpoint, requestURL)
		metrics.APIRequestDuration(endpoint, time.Since(start).Seconds())
		if err == nil {
			metrics.APIRequest(endpoint, "ok")
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch e := err.(type) {
		case *RateLimitedError:
			metrics.APIRequest(endpoint, "rate_limited")
			metrics.APIRateLimited()
			c.noteRateLimit(e.RetryAfter)
		case *TransportError:
			metrics.APIRequest(endpoint, "transport_error")
		case *UpstreamError:
			metrics.APIRequest(endpoint, "upstream_error")
			if e.Status >= 400 && e.Status < 500 {
				// Permanent client error; retrying cannot help.
				return nil, err
			}
		default:
			return nil, err
		}

		c.log.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Msg("Request failed")
	}

	return nil, lastErr
}

// doOnce performs a single HTTP round trip and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, endpoint, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.backoffCap)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("response_body", excerpt(body)).
			Msg("API returned non-2xx status")
		return nil, &UpstreamError{Status: resp.StatusCode, BodyExcerpt: excerpt(body)}
	}

	return body, nil
}

// backoffDelay computes the sleep before retry number attempt+1, per
// min(cap, base * 2^attempt) * (1 +/- jitter) with jitter in [0, 0.5).
// A rate-limit hint from the previous attempt overrides the exponential
// term, still clipped to the cap.
func (c *Client) backoffDelay(attempt int, lastErr error) time.Duration {
	if retryAfter, ok := IsRateLimited(lastErr); ok && retryAfter > 0 {
		if retryAfter > c.backoffCap {
			return c.backoffCap
		}
		return retryAfter
	}

	backoff := c.backoffBase << uint(attempt)
	if backoff > c.backoffCap || backoff <= 0 {
		backoff = c.backoffCap
	}
	jitter := rand.Float64() - 0.5 // [-0.5, 0.5)
	return time.Duration(float64(backoff) * (1 + jitter))
}

// noteRateLimit records the upstream's backoff request so the
// orchestrator can observe it via CurrentRetryAfter.
func (c *Client) noteRateLimit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = c.backoffBase
	}
	c.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(c.retryAfterUntil) {
		c.retryAfterUntil = until
	}
	c.mu.Unlock()
}

// CurrentRetryAfter returns the remaining upstream-requested backoff, or
// zero when no rate limit is in effect.
func (c *Client) CurrentRetryAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := time.Until(c.retryAfterUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HealthCheck performs a cheap upstream probe, ignoring the cache.
func (c *Client) HealthCheck(ctx context.Context) bool {
	query := url.Values{}
	query.Set("limit", "1")
	_, err := c.request(ctx, "/subnet/latest", query, "", 0)
	return err == nil
}

// Close gracefully shuts down the rate limiting worker.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		close(c.requestQueue)
		<-c.workerDone
	})
}

// parseRetryAfter handles both integer-seconds and HTTP-date forms,
// clipped to ceiling. Returns 0 when the header is absent or malformed.
func parseRetryAfter(value string, ceiling time.Duration) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		if d > ceiling {
			return ceiling
		}
		if d < 0 {
			return 0
		}
		return d
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d > ceiling {
			return ceiling
		}
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// excerpt truncates a response body for logs and error messages.
func excerpt(body []byte) string {
	s := string(body)
	if len(s) > bodyExcerptLimit {
		return s[:bodyExcerptLimit] + "..."
	}
	return s
}
