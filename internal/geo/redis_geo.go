package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisPlaces keeps the place registry in a single Redis hash so every
// dispatch node resolves request sources the same way.
type RedisPlaces struct {
	client redis.Cmdable
	key    string
}

func NewRedisPlaces(client redis.Cmdable, key string) *RedisPlaces {
	if key == "" {
		key = "places"
	}
	return &RedisPlaces{client: client, key: key}
}

func (r *RedisPlaces) Register(ctx context.Context, name string, p models.Point) error {
	return r.client.HSet(ctx, r.key, name, encodePoint(p)).Err()
}

func (r *RedisPlaces) Lookup(ctx context.Context, name string) (models.Point, error) {
	v, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return models.Point{}, ErrUnknownPlace
	}
	if err != nil {
		return models.Point{}, fmt.Errorf("lookup place %q: %w", name, err)
	}
	return decodePoint(v)
}

func encodePoint(p models.Point) string {
	return strconv.FormatFloat(p.X, 'g', -1, 64) + "," + strconv.FormatFloat(p.Y, 'g', -1, 64)
}

func decodePoint(v string) (models.Point, error) {
	xs, ys, ok := strings.Cut(v, ",")
	if !ok {
		return models.Point{}, fmt.Errorf("malformed place value %q", v)
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("malformed place x %q: %w", xs, err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("malformed place y %q: %w", ys, err)
	}
	return models.Point{X: x, Y: y}, nil
}
