package inflight

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares slots between processes through Redis. Locks expire
// after ttl so a crashed holder cannot block a story forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard connects to redisURL and verifies the connection.
func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisGuardWithClient(client, ttl), nil
}

// NewRedisGuardWithClient creates a guard from an existing client.
func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGuard{client: client, prefix: "storyforge:inflight:", ttl: ttl}
}

func (g *RedisGuard) key(storyID string) string {
	return g.prefix + storyID
}

// Acquire claims storyID for op.
func (g *RedisGuard) Acquire(ctx context.Context, storyID, op string) (func(), error) {
	token := op + ":" + uuid.NewString()
	key := g.key(storyID)

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, err, "claiming story %s", storyID)
	}
	if !ok {
		holder, _ := g.client.Get(ctx, key).Result()
		return nil, apperr.New(apperr.CodeBusy, "story %s is busy (%s)", storyID, holder)
	}

	return func() {
		// The caller's context may already be cancelled; release regardless.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("Failed to release lock for story %s: %v", storyID, err)
		}
	}, nil
}

// Ping checks the Redis connection.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
