// Package cache provides the fingerprint-keyed result store.
//
// Results are opaque JSON blobs in a SQLite table keyed by hex fingerprint
// under a namespace, with a TTL chosen by result class. The cache is best
// effort throughout: a backend failure disables it and every subsequent get
// is a miss, every set a no-op — the request itself never fails.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"go.uber.org/zap"
)

// ResultClass selects the TTL applied to a stored result.
type ResultClass string

const (
	ClassStandard     ResultClass = "standard"
	ClassOptimization ResultClass = "optimization"
	ClassMonteCarlo   ResultClass = "montecarlo"
	ClassQuickScan    ResultClass = "quick_scan"
)

// ErrDisabled reports that the backend is unavailable and the cache has
// turned itself off.
var ErrDisabled = errors.New("cache disabled")

// ttlByClass maps result classes to their time-to-live.
var ttlByClass = map[ResultClass]time.Duration{
	ClassStandard:     24 * time.Hour,
	ClassOptimization: 48 * time.Hour,
	ClassMonteCarlo:   12 * time.Hour,
	ClassQuickScan:    6 * time.Hour,
}

// Stats summarizes cache contents and operation counters.
type Stats struct {
	Enabled      bool           `json:"enabled"`
	TotalEntries int            `json:"total_entries"`
	ByClass      map[string]int `json:"entries_by_class"`
	Hits         int64          `json:"hits"`
	Misses       int64          `json:"misses"`
	Sets         int64          `json:"sets"`
	Errors       int64          `json:"errors"`
}

// Cache is the SQLite-backed result store.
type Cache struct {
	logger *zap.Logger
	config types.CacheConfig

	mu       sync.Mutex
	db       *sql.DB
	disabled bool
	hits     int64
	misses   int64
	sets     int64
	errs     int64
}

// New opens (or creates) the store. A connect failure does not error: the
// cache comes up disabled and the caller proceeds without it.
func New(logger *zap.Logger, config types.CacheConfig) *Cache {
	c := &Cache{logger: logger, config: config}

	db, err := sql.Open("sqlite", config.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err == nil {
		_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace    TEXT NOT NULL,
			cache_key    TEXT NOT NULL,
			result_class TEXT NOT NULL,
			payload      TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL,
			PRIMARY KEY (namespace, cache_key)
		)`)
	}
	if err != nil {
		logger.Warn("cache backend unavailable, running without result caching", zap.Error(err))
		c.disabled = true
		return c
	}

	c.db = db
	logger.Info("result cache ready", zap.String("path", config.Path), zap.String("namespace", config.Namespace))
	return c
}

// Enabled reports whether the backend is usable.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled
}

// disable turns the cache off after a backend failure.
func (c *Cache) disable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disabled {
		c.logger.Warn("disabling result cache after backend failure", zap.Error(err))
		c.disabled = true
	}
}

// Get returns the stored value for key, or ok=false on a miss. Expired and
// undecodable entries are misses. Never returns a hard error to the caller.
func (c *Cache) Get(ctx context.Context, key string) (map[string]any, bool) {
	if !c.Enabled() {
		c.count(&c.misses)
		return nil, false
	}

	payload, err := utils.Retry(c.retryConfig(), func() (string, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
		defer cancel()

		var payload string
		err := c.db.QueryRowContext(opCtx,
			`SELECT payload FROM cache_entries WHERE namespace = ? AND cache_key = ? AND expires_at > ?`,
			c.config.Namespace, key, time.Now().Unix(),
		).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return payload, err
	})
	if err != nil {
		c.count(&c.errs)
		c.disable(err)
		c.count(&c.misses)
		return nil, false
	}
	if payload == "" {
		c.count(&c.misses)
		return nil, false
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		c.logger.Warn("cached payload undecodable, treating as miss", zap.String("key", key), zap.Error(err))
		c.count(&c.misses)
		return nil, false
	}

	c.count(&c.hits)
	return value, true
}

// Set stores value under key with the TTL of its class. Best effort: on
// failure the cache disables itself and the error is swallowed.
func (c *Cache) Set(ctx context.Context, key string, value map[string]any, class ResultClass) {
	if !c.Enabled() {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("result not serializable, skipping cache set", zap.String("key", key), zap.Error(err))
		return
	}

	ttl, ok := ttlByClass[class]
	if !ok {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()

	_, err = utils.Retry(c.retryConfig(), func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
		defer cancel()

		_, err := c.db.ExecContext(opCtx,
			`INSERT INTO cache_entries (namespace, cache_key, result_class, payload, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(namespace, cache_key) DO UPDATE SET
			   result_class = excluded.result_class,
			   payload      = excluded.payload,
			   created_at   = excluded.created_at,
			   expires_at   = excluded.expires_at`,
			c.config.Namespace, key, string(class), string(payload), now.Unix(), now.Add(ttl).Unix(),
		)
		return struct{}{}, err
	})
	if err != nil {
		c.count(&c.errs)
		c.disable(err)
		return
	}

	c.count(&c.sets)
}

// Clear removes entries matching the GLOB pattern ("*" clears everything).
// Returns the number of entries removed.
func (c *Cache) Clear(ctx context.Context, pattern string) (int64, error) {
	if !c.Enabled() {
		return 0, ErrDisabled
	}
	if pattern == "" {
		pattern = "*"
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	res, err := c.db.ExecContext(opCtx,
		`DELETE FROM cache_entries WHERE namespace = ? AND cache_key GLOB ?`,
		c.config.Namespace, pattern,
	)
	if err != nil {
		c.count(&c.errs)
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// Stats reports entry counts and rolling operation counters.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	stats := Stats{
		Enabled: !c.disabled,
		ByClass: map[string]int{},
		Hits:    c.hits,
		Misses:  c.misses,
		Sets:    c.sets,
		Errors:  c.errs,
	}
	c.mu.Unlock()

	if !stats.Enabled {
		return stats
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx,
		`SELECT result_class, COUNT(*) FROM cache_entries WHERE namespace = ? AND expires_at > ? GROUP BY result_class`,
		c.config.Namespace, time.Now().Unix(),
	)
	if err != nil {
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		var class string
		var count int
		if rows.Scan(&class, &count) == nil {
			stats.ByClass[class] = count
			stats.TotalEntries += count
		}
	}
	return stats
}

// EvictExpired removes entries whose TTL has lapsed. Returns the count.
func (c *Cache) EvictExpired(ctx context.Context) int64 {
	if !c.Enabled() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	res, err := c.db.ExecContext(opCtx,
		`DELETE FROM cache_entries WHERE namespace = ? AND expires_at <= ?`,
		c.config.Namespace, time.Now().Unix(),
	)
	if err != nil {
		return 0
	}
	evicted, _ := res.RowsAffected()
	return evicted
}

// Shutdown closes the backend.
func (c *Cache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.disabled = true
	return err
}

func (c *Cache) retryConfig() utils.RetryConfig {
	attempts := c.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return utils.RetryConfig{
		MaxAttempts: attempts,
		Backoff:     backoff,
		MaxBackoff:  2 * time.Second,
	}
}

func (c *Cache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
