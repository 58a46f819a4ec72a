package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// DefaultCacheTTL bounds how stale a cached campaign can be
const DefaultCacheTTL = 5 * time.Minute

const keyPrefix = "kredo:directory:"

// Source is the directory a Cache reads through to
type Source interface {
	Campaign(ctx context.Context, id string) (*types.Campaign, error)
	CampaignByUTM(ctx context.Context, brandID, utmCampaign string) (*types.Campaign, error)
	Agency(ctx context.Context, id string) (*types.Agency, error)
}

// cacheClient is the subset of the Redis client the cache uses
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Connect initializes a Redis client from URL or host:port input
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Cache is a Redis read-through cache. Redis failures fall through to the
// source; misses in the source are not cached.
type Cache struct {
	source Source
	client cacheClient
	ttl    time.Duration
	logger *telemetry.Logger
}

// NewCache wraps source with a Redis cache
func NewCache(source Source, client cacheClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		source: source,
		client: client,
		ttl:    ttl,
		logger: telemetry.NewLogger("directory-cache"),
	}
}

func (c *Cache) Campaign(ctx context.Context, id string) (*types.Campaign, error) {
	var out types.Campaign
	err := c.readThrough(ctx, keyPrefix+"campaign:"+id, &out, func() (any, error) {
		return c.source.Campaign(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Cache) CampaignByUTM(ctx context.Context, brandID, utmCampaign string) (*types.Campaign, error) {
	var out types.Campaign
	key := keyPrefix + "utm:" + brandID + ":" + utmCampaign
	err := c.readThrough(ctx, key, &out, func() (any, error) {
		return c.source.CampaignByUTM(ctx, brandID, utmCampaign)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Cache) Agency(ctx context.Context, id string) (*types.Agency, error) {
	var out types.Agency
	err := c.readThrough(ctx, keyPrefix+"agency:"+id, &out, func() (any, error) {
		return c.source.Agency(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// InvalidateCampaign drops a cached campaign after it changes
func (c *Cache) InvalidateCampaign(ctx context.Context, id string) error {
	return c.client.Del(ctx, keyPrefix+"campaign:"+id).Err()
}

func (c *Cache) readThrough(ctx context.Context, key string, out any, load func() (any, error)) error {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, out); jsonErr == nil {
			return nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.WithContext(ctx).Warn().Err(err).Str("key", key).Msg("directory cache read failed")
	}

	v, err := load()
	if err != nil {
		return err
	}

	data, err = json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal directory entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithContext(ctx).Warn().Err(err).Str("key", key).Msg("directory cache write failed")
	}
	return json.Unmarshal(data, out)
}
