package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator with Redis GEO commands plus a metadata hash
// per driver. The location consumer writes the same keys.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.LocationPing) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
	pipe.HSet(ctx, MetaKey(p.DriverID), MetaFields(p))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, MetaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Nearby, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		n := Nearby{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, DistanceM: g.Dist}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					n.Rating = f
				}
			}
			n.Online = m["online"] == "true"
		}
		out = append(out, n)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash written next to the GEO member.
func MetaFields(p models.LocationPing) map[string]any {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]any{
		"rating":  strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(p.Online),
		"heading": strconv.FormatFloat(p.Heading, 'f', -1, 64),
		"updated": at.UTC().Format(time.RFC3339),
	}
}
