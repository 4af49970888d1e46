package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	rplatform "github.com/open-builders/gift-exchange-backend/internal/platform/redis"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// DrawLock is a short-lived claim that rejects overlapping draws for the same
// group before they queue on the database row lock.
type DrawLock struct {
	client *rplatform.Client
	ttl    time.Duration
}

func NewDrawLock(client *rplatform.Client, ttl time.Duration) *DrawLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DrawLock{client: client, ttl: ttl}
}

func (l *DrawLock) key(groupID string) string { return rplatform.Key("draw-lock", groupID) }

// Acquire claims the group or returns ErrDrawInProgress. The returned func
// releases the claim; it never removes a claim taken by someone else after
// ours expired.
func (l *DrawLock) Acquire(ctx context.Context, groupID string) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := l.key(groupID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dx.ErrDrawInProgress
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
