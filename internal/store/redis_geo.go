package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// The geospatial index is a Redis GEO sorted set; removal is ZREM.

func (r *RedisStore) GeoAdd(ctx context.Context, key, member string, lat, lon float64) error {
	err := r.client.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: member}).Err()
	if err != nil {
		return unavailable("geoadd", key, err)
	}
	return nil
}

func (r *RedisStore) GeoRemove(ctx context.Context, key string, members ...string) error {
	return r.zrem(ctx, key, members...)
}

func (r *RedisStore) GeoRadius(ctx context.Context, key string, lat, lon, radiusMeters float64, count int) ([]GeoMember, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if count > 0 {
		q.Count = count
	}
	res, err := r.client.GeoRadius(ctx, key, lon, lat, q).Result()
	if err != nil {
		return nil, unavailable("georadius", key, err)
	}
	out := make([]GeoMember, 0, len(res))
	for _, g := range res {
		out = append(out, GeoMember{Name: g.Name, Lat: g.Latitude, Lon: g.Longitude, DistanceMeters: g.Dist})
	}
	return out, nil
}

func (r *RedisStore) GeoPos(ctx context.Context, key, member string) (GeoMember, bool, error) {
	res, err := r.client.GeoPos(ctx, key, member).Result()
	if err != nil {
		return GeoMember{}, false, unavailable("geopos", key, err)
	}
	if len(res) == 0 || res[0] == nil {
		return GeoMember{}, false, nil
	}
	return GeoMember{Name: member, Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

func (r *RedisStore) GeoMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("zrange", key, err)
	}
	return members, nil
}
