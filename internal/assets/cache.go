package assets

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// Cache stores raw asset bytes by key. Load reports a miss as (nil, false, nil).
type Cache interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// RedisCache keeps assets as Redis strings.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, data, ttl).Err()
}

// backoff retries cache calls that failed for a reason worth waiting out.
type backoff struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

// do runs fn until it succeeds, fails permanently or attempts run out.
// retried is called before each wait.
func (b backoff) do(ctx context.Context, fn func() error, retried func(attempt int, err error)) error {
	wait := b.initial
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= b.attempts || !retryableCacheError(err) {
			return err
		}
		if retried != nil {
			retried(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, b.max)
	}
}

// retryableCacheError reports timeouts and the Redis replies a server sends
// while it is still loading its dataset or failing over.
func retryableCacheError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range []string{"LOADING ", "TRYAGAIN ", "CLUSTERDOWN ", "MASTERDOWN "} {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}

// CachedSource serves assets from a cache and falls back to the wrapped
// source on a miss. Cache errors never fail a fetch.
type CachedSource struct {
	source    Fetcher
	cache     Cache
	ttl       time.Duration
	maxCached int
	retry     backoff
	logger    *zap.Logger
}

// NewCachedSource wraps source with cache. Assets larger than maxCached bytes
// are fetched but not stored.
func NewCachedSource(source Fetcher, cache Cache, ttl time.Duration, maxCached int, logger *zap.Logger) *CachedSource {
	return &CachedSource{
		source:    source,
		cache:     cache,
		ttl:       ttl,
		maxCached: maxCached,
		retry:     backoff{attempts: 3, initial: 50 * time.Millisecond, max: time.Second},
		logger:    logger.Named("asset_cache"),
	}
}

func cacheKey(uri string) string {
	sum := sha1.Sum([]byte(uri))
	return "asset:" + hex.EncodeToString(sum[:])
}

// Fetch implements face.AssetSource.
func (c *CachedSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "assets.cached_fetch", requestID).With(zap.String("uri", uri))
	key := cacheKey(uri)

	data, hit, err := c.load(ctx, requestID, key, opLogger)
	switch {
	case err != nil:
		opLogger.Warn("asset cache unavailable, fetching upstream", zap.Error(err))
	case hit:
		opLogger.Debug("asset cache hit")
		return data, nil
	}

	data, err = c.source.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	if c.maxCached > 0 && len(data) > c.maxCached {
		opLogger.Info("asset too large to cache", zap.Int("bytes", len(data)))
		return data, nil
	}
	if err := c.store(ctx, requestID, key, data, opLogger); err != nil {
		opLogger.Warn("failed to cache asset", zap.Error(err))
	}
	return data, nil
}

func (c *CachedSource) load(ctx context.Context, requestID, key string, logger *zap.Logger) ([]byte, bool, error) {
	var (
		data []byte
		hit  bool
	)
	err := c.retry.do(ctx, func() error {
		var err error
		data, hit, err = c.cache.Load(ctx, key)
		return err
	}, retryLogger(logger, "load"))
	if err != nil {
		return nil, false, logging.NewOperationError("assets.cache_load", requestID, err)
	}
	return data, hit, nil
}

func (c *CachedSource) store(ctx context.Context, requestID, key string, data []byte, logger *zap.Logger) error {
	err := c.retry.do(ctx, func() error {
		return c.cache.Store(ctx, key, data, c.ttl)
	}, retryLogger(logger, "store"))
	if err != nil {
		return logging.NewOperationError("assets.cache_store", requestID, err)
	}
	return nil
}

func retryLogger(logger *zap.Logger, op string) func(int, error) {
	return func(attempt int, err error) {
		logger.Debug("retrying asset cache "+op, zap.Int("attempt", attempt), zap.Error(err))
	}
}
