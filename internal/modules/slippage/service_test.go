package slippage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/modules/settings"
	testutil "github.com/taovault/taovault/internal/testing"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSlippageService(t *testing.T, client *taostats.Client) (*Service, *Repository) {
	t.Helper()
	marketDB, cleanupMarket := testutil.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	configDB, cleanupConfig := testutil.NewTestDB(t, "config")
	t.Cleanup(cleanupConfig)

	repo := NewRepository(marketDB.Conn(), zerolog.Nop())
	settingsRepo := settings.NewRepository(configDB.Conn(), zerolog.Nop())
	return NewService(repo, client, settingsRepo, zerolog.Nop()), repo
}

func cachePoint(t *testing.T, repo *Repository, netuid int, action, size, pct string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, repo.Upsert(Surface{
		Netuid:      netuid,
		Action:      action,
		SizeTao:     d(size),
		SlippagePct: d(pct),
		ComputedAt:  time.Now().UTC().Add(-time.Minute),
		ExpiresAt:   expiresAt,
	}))
}

// failingClient points at a server that always 500s, so any live quote
// attempt in a test fails fast instead of hanging.
func failingClient(t *testing.T) *taostats.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	client := taostats.NewClient(taostats.Config{
		BaseURL:       server.URL,
		APIKey:        "test-key",
		RatePerMinute: 60000,
		MaxRetries:    1,
		Timeout:       time.Second,
		MaxPages:      5,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
	}, nil, zerolog.Nop())
	t.Cleanup(client.Close)
	return client
}

func TestEstimateInterpolatesBetweenSizes(t *testing.T) {
	svc, repo := newSlippageService(t, nil)
	fresh := time.Now().UTC().Add(5 * time.Minute)
	cachePoint(t, repo, 7, ActionUnstake, "10", "0.01", fresh)
	cachePoint(t, repo, 7, ActionUnstake, "20", "0.03", fresh)

	est := svc.Estimate(context.Background(), 7, ActionUnstake, d("15"), false)

	assert.True(t, est.SlippagePct.Equal(d("0.02")), "midpoint of 1%%..3%%, got %s", est.SlippagePct)
	assert.False(t, est.Stale)
	assert.False(t, est.Fallback)
}

func TestEstimateStaysWithinCachedRange(t *testing.T) {
	svc, repo := newSlippageService(t, nil)
	fresh := time.Now().UTC().Add(5 * time.Minute)
	cachePoint(t, repo, 7, ActionUnstake, "2", "0.004", fresh)
	cachePoint(t, repo, 7, ActionUnstake, "5", "0.009", fresh)
	cachePoint(t, repo, 7, ActionUnstake, "10", "0.018", fresh)

	lo, hi := d("0.004"), d("0.018")
	for _, size := range []string{"2", "3.7", "5", "6.1", "9.99", "10"} {
		est := svc.Estimate(context.Background(), 7, ActionUnstake, d(size), false)
		assert.True(t, est.SlippagePct.GreaterThanOrEqual(lo) && est.SlippagePct.LessThanOrEqual(hi),
			"size %s gave %s outside [%s, %s]", size, est.SlippagePct, lo, hi)
	}
}

func TestEstimateClampsOutsideEnvelope(t *testing.T) {
	svc, repo := newSlippageService(t, nil)
	fresh := time.Now().UTC().Add(5 * time.Minute)
	cachePoint(t, repo, 7, ActionUnstake, "2", "0.005", fresh)
	cachePoint(t, repo, 7, ActionUnstake, "20", "0.04", fresh)

	below := svc.Estimate(context.Background(), 7, ActionUnstake, d("0.5"), false)
	assert.True(t, below.SlippagePct.Equal(d("0.005")), "below smallest clamps to smallest, got %s", below.SlippagePct)

	above := svc.Estimate(context.Background(), 7, ActionUnstake, d("100"), false)
	assert.True(t, above.SlippagePct.Equal(d("0.04")), "above largest clamps to largest, got %s", above.SlippagePct)
}

func TestEstimateRootIsAlwaysZero(t *testing.T) {
	svc, _ := newSlippageService(t, nil)
	est := svc.Estimate(context.Background(), 0, ActionUnstake, d("1000"), false)
	assert.True(t, est.SlippagePct.IsZero())
	assert.False(t, est.Fallback)
}

func TestEstimateStaleSurfaceOnlyWhenOptedIn(t *testing.T) {
	svc, repo := newSlippageService(t, failingClient(t))
	expired := time.Now().UTC().Add(-time.Minute)
	cachePoint(t, repo, 7, ActionUnstake, "10", "0.015", expired)

	opted := svc.Estimate(context.Background(), 7, ActionUnstake, d("10"), true)
	assert.True(t, opted.Stale)
	assert.True(t, opted.SlippagePct.Equal(d("0.015")))

	// Without opting in, the expired point is ignored and the failed live
	// quote falls through to the default.
	refused := svc.Estimate(context.Background(), 7, ActionUnstake, d("10"), false)
	assert.True(t, refused.Fallback)
	assert.False(t, refused.Stale)
}

func TestEstimateFallbackDefaultIsFlagged(t *testing.T) {
	svc, _ := newSlippageService(t, failingClient(t))

	est := svc.Estimate(context.Background(), 42, ActionUnstake, d("10"), true)

	assert.True(t, est.Fallback)
	assert.True(t, est.SlippagePct.Equal(d("0.02")), "conservative default, got %s", est.SlippagePct)
}

func TestRefreshSubnetQuotesEverySizeBothDirections(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RawQuery)
		w.Write([]byte(`{"netuid":7,"action":"` + r.URL.Query().Get("action") +
			`","input_amount":"` + r.URL.Query().Get("amount") +
			`","expected_output":"1","slippage":"0.01","total_tao":"1000","total_alpha":"2000"}`))
	}))
	defer server.Close()
	client := taostats.NewClient(taostats.Config{
		BaseURL:       server.URL,
		APIKey:        "test-key",
		RatePerMinute: 60000,
		MaxRetries:    1,
		Timeout:       time.Second,
		MaxPages:      5,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
	}, nil, zerolog.Nop())
	defer client.Close()

	svc, repo := newSlippageService(t, client)
	errs := svc.RefreshSubnet(context.Background(), 7)
	require.Empty(t, errs)
	assert.Len(t, paths, 2*len(SurfaceSizes))

	stake, err := repo.GetSurface(7, ActionStake)
	require.NoError(t, err)
	unstake, err := repo.GetSurface(7, ActionUnstake)
	require.NoError(t, err)
	assert.Len(t, stake, len(SurfaceSizes))
	assert.Len(t, unstake, len(SurfaceSizes))
}

func TestRefreshSubnetSkipsRoot(t *testing.T) {
	svc, _ := newSlippageService(t, nil)
	assert.Empty(t, svc.RefreshSubnet(context.Background(), 0))
}

func TestPurgeOlderThanKeepsRecentlyExpired(t *testing.T) {
	_, repo := newSlippageService(t, nil)
	now := time.Now().UTC()
	cachePoint(t, repo, 7, ActionUnstake, "10", "0.01", now.Add(-48*time.Hour))
	cachePoint(t, repo, 7, ActionUnstake, "20", "0.02", now.Add(-time.Minute))

	purged, err := repo.PurgeOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	remaining, err := repo.GetSurface(7, ActionUnstake)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].SizeTao.Equal(d("20")))
}
