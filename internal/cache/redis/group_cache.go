package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	rplatform "github.com/open-builders/gift-exchange-backend/internal/platform/redis"
)

// setIfGenerationScript writes the snapshot only while the group's generation
// is still the one the caller saw before reading the database.
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[3] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1`)

// GroupCache provides Redis-based caching for group snapshots. Every
// invalidation bumps a per-group generation, so a snapshot read before a
// commit can never be written back after it.
type GroupCache struct {
	client *rplatform.Client
	ttl    time.Duration
}

func NewGroupCache(client *rplatform.Client, ttl time.Duration) *GroupCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &GroupCache{client: client, ttl: ttl}
}

func (c *GroupCache) keyByID(id string) string { return rplatform.Key("group", id) }
func (c *GroupCache) genKey(id string) string  { return rplatform.Key("group-gen", id) }

// Generation returns the group's current cache generation.
func (c *GroupCache) Generation(ctx context.Context, id string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set stores the group snapshot if the generation is still gen. It reports
// whether the snapshot was stored.
func (c *GroupCache) Set(ctx context.Context, g *dx.Group, gen int64) (bool, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return false, err
	}
	keys := []string{c.keyByID(g.ID), c.genKey(g.ID)}
	stored, err := setIfGenerationScript.Run(ctx, c.client, keys,
		b, c.ttl.Milliseconds(), strconv.FormatInt(gen, 10)).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Get returns the cached group; a miss is reported as redis.Nil.
func (c *GroupCache) Get(ctx context.Context, id string) (*dx.Group, error) {
	v, err := c.client.Get(ctx, c.keyByID(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var g dx.Group
	if err := json.Unmarshal(v, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Invalidate bumps the generation and removes the cached snapshot.
func (c *GroupCache) Invalidate(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(id))
		pipe.Del(ctx, c.keyByID(id))
		return nil
	})
	return err
}
