package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror keeps a best-effort copy of driver presence in Redis GEO
// structures so other processes (dashboards, the presence consumer) can
// query driver positions. The in-memory registry stays authoritative.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (r *RedisMirror) Upsert(ctx context.Context, driverID string, coord models.Coord, onDuty bool) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: coord.Lon, Latitude: coord.Lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"onDuty":  strconv.FormatBool(onDuty),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisMirror) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *RedisMirror) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
