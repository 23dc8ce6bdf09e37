package taostats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig builds a client config with millisecond backoffs so retry
// paths run quickly.
func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		APIKey:        "test-key",
		RatePerMinute: 60000,
		MaxRetries:    3,
		Timeout:       5 * time.Second,
		MaxPages:      10,
		BackoffBase:   time.Millisecond,
		BackoffCap:    10 * time.Millisecond,
	}
}

func listResponse(rows interface{}, nextPage *int) map[string]interface{} {
	return map[string]interface{}{
		"pagination": map[string]interface{}{
			"current_page": 1,
			"next_page":    nextPage,
		},
		"data": rows,
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(listResponse([]StakeBalance{}, nil))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	_, err := client.GetStakeBalances(context.Background(), "5Ftest")
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotAuth)
}

func TestRetriesTransient5xx(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(listResponse([]SubnetInfo{{Netuid: 1, Name: "apex"}}, nil))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	subnets, err := client.GetSubnets(context.Background())
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	assert.Equal(t, "apex", subnets[0].Name)

	mu.Lock()
	assert.Equal(t, 3, calls, "two failures then a success")
	mu.Unlock()
}

func TestClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such coldkey"}`))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	_, err := client.GetStakeBalances(context.Background(), "5Fmissing")
	require.Error(t, err)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusNotFound, upstream.Status)
	assert.Contains(t, upstream.BodyExcerpt, "no such coldkey")

	mu.Lock()
	assert.Equal(t, 1, calls, "4xx must not be retried")
	mu.Unlock()
}

func TestRateLimitSurfacedWithRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxRetries = 1
	cfg.BackoffCap = 2 * time.Second
	client := NewClient(cfg, nil, zerolog.Nop())
	defer client.Close()

	_, err := client.GetPoolLatest(context.Background())
	require.Error(t, err)

	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok, "error should carry the rate limit")
	assert.Equal(t, time.Second, retryAfter)

	assert.Greater(t, client.CurrentRetryAfter(), time.Duration(0))
}

func TestPaginationAccumulatesAllPages(t *testing.T) {
	var mu sync.Mutex
	var pagesSeen []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		mu.Lock()
		pagesSeen = append(pagesSeen, page)
		mu.Unlock()

		switch page {
		case "1":
			next := 2
			json.NewEncoder(w).Encode(listResponse([]DelegationEvent{{ID: "a"}, {ID: "b"}}, &next))
		case "2":
			next := 3
			json.NewEncoder(w).Encode(listResponse([]DelegationEvent{{ID: "c"}}, &next))
		default:
			json.NewEncoder(w).Encode(listResponse([]DelegationEvent{{ID: "d"}}, nil))
		}
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	events, err := client.GetDelegationEvents(context.Background(), "5Ftest")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "d", events[3].ID)

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, pagesSeen)
	mu.Unlock()
}

func TestPaginationStopsAtPageCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always claims another page exists.
		next := 999
		json.NewEncoder(w).Encode(listResponse([]DelegationEvent{{ID: "x"}}, &next))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxPages = 3
	client := NewClient(cfg, nil, zerolog.Nop())
	defer client.Close()

	events, err := client.GetDelegationEvents(context.Background(), "5Ftest")
	require.NoError(t, err)
	assert.Len(t, events, 3, "one row per page up to the cap")
}

func TestPaginationCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // cancel as soon as the first page is served
		next := 2
		json.NewEncoder(w).Encode(listResponse([]DelegationEvent{{ID: "a"}}, &next))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	_, err := client.GetDelegationEvents(ctx, "5Ftest")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeErrorOnMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"timestamp": "definitely not a time"}]}`))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	_, err := client.GetStakeBalances(context.Background(), "5Ftest")
	require.Error(t, err)

	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"pagination": {"current_page": 1, "next_page": null},
			"data": [{"netuid": 7, "name": "subnet-seven", "brand_new_field": {"nested": true}}],
			"some_envelope_extra": 42
		}`))
	}))
	defer server.Close()

	client := NewClient(fastConfig(server.URL), nil, zerolog.Nop())
	defer client.Close()

	subnets, err := client.GetSubnets(context.Background())
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	assert.Equal(t, 7, subnets[0].Netuid)
}

func TestRequestsAreSpaced(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		json.NewEncoder(w).Encode(listResponse([]SubnetInfo{}, nil))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.RatePerMinute = 1200 // 50ms between requests
	client := NewClient(cfg, nil, zerolog.Nop())
	defer client.Close()

	for i := 0; i < 3; i++ {
		_, err := client.GetSubnets(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 45*time.Millisecond,
			"requests %d and %d should be spaced by the rate budget", i-1, i)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listResponse([]SubnetInfo{}, nil))
	}))
	defer healthy.Close()

	client := NewClient(fastConfig(healthy.URL), nil, zerolog.Nop())
	defer client.Close()
	assert.True(t, client.HealthCheck(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	downClient := NewClient(fastConfig(down.URL), nil, zerolog.Nop())
	defer downClient.Close()
	assert.False(t, downClient.HealthCheck(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	ceiling := time.Minute

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", ceiling))
	assert.Equal(t, ceiling, parseRetryAfter("3600", ceiling), "clipped to the cap")
	assert.Equal(t, time.Duration(0), parseRetryAfter("", ceiling))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", ceiling))

	httpDate := time.Now().Add(20 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(httpDate, ceiling)
	assert.InDelta(t, float64(20*time.Second), float64(got), float64(2*time.Second))
}

func TestErrorsContainRateLimit(t *testing.T) {
	errs := []error{
		fmt.Errorf("plain failure"),
		fmt.Errorf("wrapped: %w", &RateLimitedError{RetryAfter: time.Second}),
	}
	assert.True(t, ErrorsContainRateLimit(errs))
	assert.False(t, ErrorsContainRateLimit([]error{fmt.Errorf("nope")}))
}
