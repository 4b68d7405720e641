// Package lock claims drivers for the duration of a dispatch call so that
// dispatch nodes sharing a store never race on the same driver.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrHeld = errors.New("driver claimed by another dispatch")

// DriverLocker hands out exclusive, expiring claims on drivers.
type DriverLocker interface {
	Claim(ctx context.Context, driverID models.DriverID) (release func(context.Context) error, err error)
}

// Nop never contends. Used when the store alone provides isolation.
type Nop struct{}

func (Nop) Claim(context.Context, models.DriverID) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Client is the subset of *redis.Client the locker needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type RedisLocker struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker claims drivers with SET NX PX under prefix. ttl bounds how
// long a crashed node can hold a driver.
func NewRedisLocker(client Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "dispatch:driver:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Claim(ctx context.Context, driverID models.DriverID) (func(context.Context) error, error) {
	key := l.prefix + string(driverID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim driver %s: %w", driverID, err)
	}
	if !ok {
		return nil, fmt.Errorf("claim driver %s: %w", driverID, ErrHeld)
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
