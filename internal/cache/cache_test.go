package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/taovault/taovault/internal/testing"
)

type cachedPool struct {
	Netuid int
	Price  string
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	return New(db.Conn(), zerolog.Nop())
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)

	in := cachedPool{Netuid: 42, Price: "0.025"}
	require.NoError(t, c.Set("pool_latest:42", in, time.Hour))

	var out cachedPool
	found, err := c.Get("pool_latest:42", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	exists, err := c.Exists("pool_latest:42")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete("pool_latest:42"))
	found, err = c.Get("pool_latest:42", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetMissingKey(t *testing.T) {
	c := newTestCache(t)

	var out cachedPool
	found, err := c.Get("pool_latest:7", &out)
	require.NoError(t, err, "a miss is not an error")
	assert.False(t, found)
}

func TestExpiredEntryServedOnlyAsStale(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("pool_latest:7", cachedPool{Netuid: 7, Price: "1.5"}, -time.Minute))

	var out cachedPool
	found, err := c.Get("pool_latest:7", &out)
	require.NoError(t, err)
	assert.False(t, found, "expired entries are invisible to fresh reads")

	exists, err := c.Exists("pool_latest:7")
	require.NoError(t, err)
	assert.False(t, exists)

	// When the upstream is down, old data beats none.
	found, err = c.GetStale("pool_latest:7", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1.5", out.Price)
}

func TestGetOrSetFillsOnceThenHits(t *testing.T) {
	c := newTestCache(t)

	calls := 0
	fill := func() (interface{}, error) {
		calls++
		return cachedPool{Netuid: 9, Price: "0.8"}, nil
	}

	var out cachedPool
	require.NoError(t, c.GetOrSet("pool_latest:9", &out, time.Hour, fill))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "0.8", out.Price)

	var again cachedPool
	require.NoError(t, c.GetOrSet("pool_latest:9", &again, time.Hour, fill))
	assert.Equal(t, 1, calls, "a fresh entry must not refill")
	assert.Equal(t, out, again)
}

func TestGetOrSetFillErrorPropagates(t *testing.T) {
	c := newTestCache(t)

	upstream := errors.New("upstream 503")
	var out cachedPool
	err := c.GetOrSet("pool_latest:9", &out, time.Hour, func() (interface{}, error) {
		return nil, upstream
	})
	require.ErrorIs(t, err, upstream)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Zero(t, n, "failed fills leave nothing behind")
}

func TestGetOrSetSurvivesBrokenCache(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t, "cache")
	c := New(db.Conn(), zerolog.Nop())
	// Kill the cache out from under the call: reads and writes will fail,
	// but the data path must stay open.
	cleanup()

	var out cachedPool
	err := c.GetOrSet("pool_latest:3", &out, time.Hour, func() (interface{}, error) {
		return cachedPool{Netuid: 3, Price: "2.5"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2.5", out.Price)
}

func TestDeleteExpiredPurgesOnlyStale(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("pool_latest:1", cachedPool{Netuid: 1}, time.Hour))
	require.NoError(t, c.Set("pool_latest:2", cachedPool{Netuid: 2}, time.Hour))
	require.NoError(t, c.Set("extrinsics:old", cachedPool{}, -time.Hour))
	require.NoError(t, c.Set("delegation:old", cachedPool{}, -time.Hour))

	deleted, err := c.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var out cachedPool
	found, err := c.Get("pool_latest:1", &out)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDeletePrefixClearsNamespace(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("pool_latest:1", cachedPool{Netuid: 1}, time.Hour))
	require.NoError(t, c.Set("pool_latest:2", cachedPool{Netuid: 2}, time.Hour))
	require.NoError(t, c.Set("slippage:1:stake", cachedPool{Netuid: 1}, time.Hour))

	deleted, err := c.DeletePrefix("pool_latest:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var out cachedPool
	found, err := c.Get("slippage:1:stake", &out)
	require.NoError(t, err)
	assert.True(t, found, "other namespaces are untouched")
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "pool_latest", Namespace("pool_latest:42"))
	assert.Equal(t, "slippage", Namespace("slippage:42:stake:100"))
	assert.Equal(t, "plain", Namespace("plain"))
	assert.Equal(t, ":odd", Namespace(":odd"))
}
