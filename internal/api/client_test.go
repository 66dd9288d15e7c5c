package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingAuth struct {
	invalidated atomic.Int32
}

func (a *countingAuth) Token(context.Context) (string, error) {
	return fmt.Sprintf("tok-%d", a.invalidated.Load()), nil
}

func (a *countingAuth) Invalidate() { a.invalidated.Add(1) }

func newTestClient(url string, retryCount int, authorizer *countingAuth) *HTTPClient {
	logger, _ := zap.NewDevelopment()
	return NewClient(Options{
		BaseURL:       url,
		Ruleset:       "osu",
		RatePerSecond: 1000,
		Burst:         10,
		Timeout:       5 * time.Second,
		RetryCount:    retryCount,
		RetryDelay:    time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
	}, authorizer, logger)
}

// requestLog records when each request reached the test server.
type requestLog struct {
	mu    sync.Mutex
	times []time.Time
	urls  []string
}

func (l *requestLog) record(r *http.Request) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, time.Now())
	l.urls = append(l.urls, r.URL.String())
	return len(l.times)
}

func (l *requestLog) gaps() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	times := slices.Clone(l.times)
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })

	var gaps []time.Duration
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	return gaps
}

func TestFetchPage_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-0", r.Header.Get("Authorization"))
		assert.Equal(t, "/scores", r.URL.Path)
		assert.Equal(t, "osu", r.URL.Query().Get("ruleset"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor_string"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scores":[{"id":12,"pp":101.5},{"id":11}],"cursor_string":"next"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3, &countingAuth{})

	page, err := client.FetchPage(context.Background(), PageRequest{CursorString: "abc", CursorID: 5})
	require.NoError(t, err)

	assert.Equal(t, "next", page.CursorString)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, uint64(12), page.Entries[0].ID)
	assert.JSONEq(t, `{"id":12,"pp":101.5}`, string(page.Entries[0].Payload))
}

func TestFetchPage_CursorID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("cursor[id]"))
		_, _ = w.Write([]byte(`{"scores":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0, &countingAuth{})

	page, err := client.FetchPage(context.Background(), PageRequest{CursorID: 42})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Empty(t, page.CursorString)
}

func TestFetchPage_RateLimitedThenOK(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"scores":[{"id":1}],"cursor_string":"x"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1, &countingAuth{})

	page, err := client.FetchPage(context.Background(), PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchPage_HonorsRetryAfter(t *testing.T) {
	requests := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.record(r) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"scores":[{"id":1}]}`))
	}))
	defer server.Close()

	// MaxBackoff is far below Retry-After and must not shorten it.
	client := newTestClient(server.URL, 1, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{CursorString: "abc"})
	require.NoError(t, err)

	gaps := requests.gaps()
	require.Len(t, gaps, 1)
	assert.GreaterOrEqual(t, gaps[0], time.Second)
	assert.Equal(t, requests.urls[0], requests.urls[1], "the same page is requested again")
}

func TestFetchPage_SpacesRequests(t *testing.T) {
	requests := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.record(r)
		_, _ = w.Write([]byte(`{"scores":[]}`))
	}))
	defer server.Close()

	client := NewClient(Options{
		BaseURL:       server.URL,
		RatePerSecond: 10,
		Burst:         1,
		Timeout:       5 * time.Second,
	}, &countingAuth{}, zap.NewNop())

	// Sequential calls.
	for range 2 {
		_, err := client.FetchPage(context.Background(), PageRequest{})
		require.NoError(t, err)
	}

	// Concurrent calls share the same budget.
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchPage(context.Background(), PageRequest{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	gaps := requests.gaps()
	require.Len(t, gaps, 4)
	for i, gap := range gaps {
		// 100ms per request, minus scheduling jitter on the server side.
		assert.GreaterOrEqual(t, gap, 80*time.Millisecond, "gap %d", i)
	}
}

func TestFetchPage_RateLimitedExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchPage_ServerErrorExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{})
	assert.ErrorIs(t, err, ErrExhausted)

	// Initial attempt + 2 retries
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetchPage_ReauthorizesOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"scores":[{"id":3}]}`))
	}))
	defer server.Close()

	authorizer := &countingAuth{}
	client := newTestClient(server.URL, 0, authorizer)

	_, err := client.FetchPage(context.Background(), PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), authorizer.invalidated.Load())
}

func TestFetchPage_AuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	authorizer := &countingAuth{}
	client := newTestClient(server.URL, 3, authorizer)

	_, err := client.FetchPage(context.Background(), PageRequest{})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), authorizer.invalidated.Load(), "exactly one re-authorization")
}

func TestFetchPage_CursorExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"cursor is too old"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{CursorString: "stale"})
	assert.ErrorIs(t, err, ErrCursorExpired)
}

func TestFetchPage_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestFetchPage_MissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[{"pp":1}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0, &countingAuth{})

	_, err := client.FetchPage(context.Background(), PageRequest{})
	assert.Error(t, err, "score without id")
}

func TestFetchPage_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 100, &countingAuth{})
	client.retryDelay = time.Second
	client.maxBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchPage(ctx, PageRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffCapped(t *testing.T) {
	c := &HTTPClient{retryDelay: 2 * time.Second, maxBackoff: 120 * time.Second}

	cases := map[int]time.Duration{
		1:  2 * time.Second,
		2:  4 * time.Second,
		6:  64 * time.Second,
		7:  120 * time.Second,
		30: 120 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, c.backoff(attempt), "backoff(%d)", attempt)
	}
}
