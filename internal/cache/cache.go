// Package cache provides persistent caching for upstream API responses.
// Values are stored as msgpack blobs in cache.db with expiration timestamps.
// The cache is best-effort: callers treat any error as a miss and fall
// through to the upstream call.
package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taovault/taovault/internal/metrics"
)

// TTL constants for the datasets we cache. These are added to time.Now()
// when storing to calculate expires_at.
const (
	TTLPoolLatest     = 5 * time.Minute // pool reserves move every block
	TTLSlippage       = 5 * time.Minute // slippage quotes expire with the pool
	TTLStakeBalance   = 5 * time.Minute // balances refresh each cycle
	TTLSubnetRegistry = time.Hour       // registration data changes slowly
	TTLValidatorSet   = time.Hour       // validator metadata is near-static intraday
	TTLPoolHistory    = 24 * time.Hour  // closed historical bars never change
	TTLExtrinsics     = 24 * time.Hour  // confirmed extrinsics are immutable
	TTLDelegationFeed = 6 * time.Hour   // event feed only ever appends
	TTLTaxAccounting  = 24 * time.Hour  // accounting reports regenerate daily
)

// Cache wraps cache.db with a msgpack codec and TTL semantics.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a cache over the given cache.db handle.
func New(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
	}
}

// Namespace extracts the key namespace (the part before the first colon)
// for metrics labels. Keys look like "pool_latest:42" or "slippage:42:stake".
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// Set stores a value with expiration = now + ttl.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	now := time.Now().Unix()
	expiresAt := time.Now().Add(ttl).Unix()

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (key, value, expires_at, created_at) VALUES (?, ?, ?, ?)",
		key, blob, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	return nil
}

// Get retrieves a fresh value into dest. Returns false if the key is
// missing or expired. Use GetStale to read past expiration as a fallback
// when the upstream is unavailable.
func (c *Cache) Get(key string, dest interface{}) (bool, error) {
	var blob []byte
	err := c.db.QueryRow(
		"SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, time.Now().Unix(),
	).Scan(&blob)
	if err == sql.ErrNoRows {
		metrics.CacheMiss(Namespace(key))
		return false, nil
	}
	if err != nil {
		metrics.CacheMiss(Namespace(key))
		return false, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		metrics.CacheMiss(Namespace(key))
		return false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}

	metrics.CacheHit(Namespace(key))
	return true, nil
}

// GetStale retrieves a value regardless of expiration. Stale data is
// better than no data when the upstream call fails.
func (c *Cache) GetStale(key string, dest interface{}) (bool, error) {
	var blob []byte
	err := c.db.QueryRow(
		"SELECT value FROM cache_entries WHERE key = ?",
		key,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}

	return true, nil
}

// GetOrSet returns the cached value if fresh, otherwise calls fill,
// stores the result and decodes it into dest. Cache write failures are
// logged and swallowed so an unhealthy cache never blocks data flow.
func (c *Cache) GetOrSet(key string, dest interface{}, ttl time.Duration, fill func() (interface{}, error)) error {
	found, err := c.Get(key, dest)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling through")
	}
	if found {
		return nil
	}

	value, err := fill()
	if err != nil {
		return err
	}

	if err := c.Set(key, value, ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}

	// Round-trip through msgpack so dest is populated the same way a
	// cache hit would populate it.
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal fill result for %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return fmt.Errorf("failed to unmarshal fill result for %s: %w", key, err)
	}

	return nil
}

// Exists reports whether a non-expired entry is present without decoding it.
func (c *Cache) Exists(key string) (bool, error) {
	var n int
	err := c.db.QueryRow(
		"SELECT COUNT(*) FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, time.Now().Unix(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check cache entry %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes a specific entry.
func (c *Cache) Delete(key string) error {
	_, err := c.db.Exec("DELETE FROM cache_entries WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes all entries in a namespace, e.g. "pool_latest:".
func (c *Cache) DeletePrefix(prefix string) (int64, error) {
	result, err := c.db.Exec("DELETE FROM cache_entries WHERE key LIKE ? || '%'", prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache prefix %s: %w", prefix, err)
	}
	return result.RowsAffected()
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (c *Cache) DeleteExpired() (int64, error) {
	result, err := c.db.Exec("DELETE FROM cache_entries WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of cache entries.
func (c *Cache) Count() (int64, error) {
	var n int64
	if err := c.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}
