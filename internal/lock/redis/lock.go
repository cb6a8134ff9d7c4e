// Package redis provides a Redis-backed run lock shared by every replica.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/headlines/internal/scrape"
)

const (
	defaultKey = "headlines:scrape:lock"
	defaultTTL = 2 * time.Minute

	connectionTimeout = 5 * time.Second
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Config holds Redis connection and lock settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Locker implements scrape.Locker with SET NX PX.
type Locker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, cfg.Key, cfg.TTL), nil
}

// New builds a Locker on an existing client.
func New(client *redis.Client, key string, ttl time.Duration) *Locker {
	if key == "" {
		key = defaultKey
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock or returns scrape.ErrRunInProgress when another
// holder has it. The returned release func is safe to call once the lock has
// expired.
func (l *Locker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, scrape.ErrRunInProgress
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", l.key, err)
		}
		return nil
	}
	return release, nil
}

// Close closes the Redis client.
func (l *Locker) Close() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
