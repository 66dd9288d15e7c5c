package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/scores-ws/internal/auth"
)

// Client interface for testability
type Client interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

type Options struct {
	BaseURL       string
	Ruleset       string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	MaxBackoff    time.Duration
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	ruleset    string
	auth       auth.Authorizer
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

func NewClient(opts Options, authorizer auth.Authorizer, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       10,
		MaxConnsPerHost:    2,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		ruleset:    opts.Ruleset,
		auth:       authorizer,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		maxBackoff: opts.MaxBackoff,
		logger:     logger,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// FetchPage fetches one page of the score feed. Transient failures are retried
// with exponential backoff; once the budget is spent ErrExhausted is returned
// wrapping the last failure.
func (c *HTTPClient) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	url := c.pageURL(req)

	var (
		lastErr     error
		attempts    int
		rateLimited int
		reauthed    bool
	)

	for {
		// Wait for rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		c.logger.Debug("requesting", zap.String("url", url))
		resp, err := c.do(ctx, url)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err

		case resp.status == http.StatusOK:
			return decodePage(resp.body)

		case resp.status == http.StatusUnauthorized:
			if reauthed {
				return nil, ErrAuthExpired
			}
			reauthed = true
			c.logger.Warn("upstream rejected token, re-authorizing")
			c.auth.Invalidate()
			continue

		case resp.status == http.StatusTooManyRequests:
			rateLimited++
			if rateLimited > c.retryCount {
				return nil, fmt.Errorf("%w: %w", ErrExhausted, ErrRateLimited)
			}
			// An advertised Retry-After is honored as is; only the fallback is capped.
			delay, ok := retryAfter(resp.header)
			if !ok {
				delay = c.backoff(rateLimited)
			}
			c.logger.Warn("rate limited", zap.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.status == http.StatusUnprocessableEntity && bytes.Contains(resp.body, []byte(ErrCursorExpired.Error())):
			return nil, ErrCursorExpired

		case resp.status >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.status)

		default:
			return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.status, string(resp.body))
		}

		attempts++
		if attempts > c.retryCount {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
		}

		delay := c.backoff(attempts)
		c.logger.Debug("retrying request", zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(lastErr))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, url string) (*response, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("authorizing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Read body before closing for error messages
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// backoff doubles the retry delay for every attempt, capped at maxBackoff.
func (c *HTTPClient) backoff(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.maxBackoff > 0 && delay >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	return delay
}

func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
