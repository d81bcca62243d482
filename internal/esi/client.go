// Package esi implements the upstream market API client: paginated order
// fetches, the concurrent history fan-out, and batched name resolution.
// Rate limiting, retry with backoff, and ETag handling all live here so
// callers only ever see final results or classified errors.
package esi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mkts-backend/internal/auth"
	"mkts-backend/internal/errs"
)

// StructureMarketScope is the scope required for structure order reads.
const StructureMarketScope = "esi-markets.structure_markets.v1"

// ErrNotModified signals an ETag match: the upstream state has not changed
// and the caller should skip writes for this fetch.
var ErrNotModified = fmt.Errorf("not modified")

// StatusError carries the HTTP status of a permanent upstream rejection.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// TokenSource provides bearer tokens for authenticated requests.
type TokenSource interface {
	Get(ctx context.Context, scopes ...string) (*auth.Token, error)
}

// Config tunes the client. Defaults implement the two-limiter discipline:
// a 300-requests-per-rolling-60s token bucket plus a 50-slot concurrency
// semaphore, with per-request jitter and a bounded retry budget.
type Config struct {
	BaseURL           string
	UserAgent         string
	CompatibilityDate string
	MaxConcurrency    int
	RequestTimeout    time.Duration
	MaxJitter         time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RetryBudget       time.Duration
	RateLimit         float64 // requests per second, steady state
	RateBurst         int
}

// DefaultConfig returns the production tuning.
func DefaultConfig(baseURL, userAgent, compatibilityDate string) Config {
	return Config{
		BaseURL:           baseURL,
		UserAgent:         userAgent,
		CompatibilityDate: compatibilityDate,
		MaxConcurrency:    50,
		RequestTimeout:    30 * time.Second,
		MaxJitter:         50 * time.Millisecond,
		BackoffBase:       time.Second,
		BackoffMax:        60 * time.Second,
		RetryBudget:       180 * time.Second,
		RateLimit:         300.0 / 60.0,
		RateBurst:         300,
	}
}

// Client is the upstream API client.
type Client struct {
	cfg     Config
	http    *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	tokens  TokenSource

	mu    sync.Mutex
	etags map[string]string

	errorLimitRemain int64
}

// New builds a client. tokens may be nil for purely unauthenticated use.
func New(cfg Config, tokens TokenSource) *Client {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		tokens:  tokens,
		etags:   make(map[string]string),
	}
	// Three consecutive page failures exhaust the error budget and the
	// cycle aborts rather than hammering a refusing upstream.
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "esi-orders",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// ETag matches and permanent rejections are definitive upstream
		// answers, not transient faults, so they leave the count alone.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotModified) || errors.Is(err, errs.ErrPermanentFetch)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return c
}

type requestOpts struct {
	authenticated bool
	useETag       bool
}

// do performs one logical request with the full retry discipline: pre-flight
// jitter, Retry-After on 429, exponential backoff with jitter on 5xx and
// transport errors, and a hard wall-clock budget. 4xx other than 429 is
// permanent and returned immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, opts requestOpts) ([]byte, http.Header, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	if err := c.jitter(ctx); err != nil {
		return nil, nil, err
	}

	fullURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	deadline := time.Now().Add(c.cfg.RetryBudget)
	var lastErr error
	slept := false
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if time.Now().After(deadline) {
				return nil, nil, fmt.Errorf("%w: retry budget exhausted for %s: %v", errs.ErrTransientFetch, path, lastErr)
			}
			// A Retry-After wait already happened for this retry; the
			// upstream hint replaces the backoff, it does not stack on it.
			if slept {
				slept = false
			} else {
				backoff := c.backoff(attempt)
				log.Debug().Str("url", fullURL).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying request")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("building request: %w", err)
		}
		if err := c.setHeaders(ctx, req, opts); err != nil {
			return nil, nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.recordErrorLimit(resp.Header)

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			if opts.useETag {
				if etag := resp.Header.Get("ETag"); etag != "" {
					c.setETag(fullURL, etag)
				}
			}
			return respBody, resp.Header, nil

		case resp.StatusCode == http.StatusNotModified:
			return nil, resp.Header, ErrNotModified

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := c.backoff(attempt)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.ParseFloat(ra, 64); err == nil {
					wait = time.Duration(secs * float64(time.Second))
				}
			}
			log.Warn().Str("url", fullURL).Dur("retry_after", wait).Msg("rate limited by upstream")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP 429: %s", resp.Status)
			slept = true
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			continue

		default:
			// Remaining 4xx are permanent for this request.
			return nil, resp.Header, fmt.Errorf("%w: %w", errs.ErrPermanentFetch,
				&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
		}
	}
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, opts requestOpts) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("X-Compatibility-Date", c.cfg.CompatibilityDate)
	req.Header.Set("X-Tenant", "tranquility")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.useETag {
		if etag := c.getETag(req.URL.String()); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}
	if opts.authenticated {
		if c.tokens == nil {
			return fmt.Errorf("%w: authenticated request without a token source", errs.ErrConfig)
		}
		tok, err := c.tokens.Get(ctx, StructureMarketScope)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return nil
}

func (c *Client) jitter(ctx context.Context) error {
	if c.cfg.MaxJitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int63n(int64(c.cfg.MaxJitter)))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if backoff > c.cfg.BackoffMax {
		backoff = c.cfg.BackoffMax
	}
	// Up to 10% jitter keeps retries from synchronizing.
	return backoff + time.Duration(rand.Float64()*0.1*float64(backoff))
}

func (c *Client) recordErrorLimit(h http.Header) {
	v := h.Get("X-Esi-Error-Limit-Remain")
	if v == "" {
		return
	}
	remain, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.errorLimitRemain = remain
	c.mu.Unlock()
	if remain < 100 {
		log.Warn().Int64("error_limit_remain", remain).Msg("upstream error budget running low")
	}
}

// ErrorLimitRemain reports the last X-Esi-Error-Limit-Remain value seen.
func (c *Client) ErrorLimitRemain() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorLimitRemain
}

func (c *Client) getETag(url string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etags[url]
}

func (c *Client) setETag(url, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.etags[url] = etag
}
