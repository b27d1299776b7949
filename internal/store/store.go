// Package store is the fast shared state store: key/value with TTLs, atomic
// conditional writes, a geospatial index and deadline schedules. Every
// instance of the process talks to the same backend, so all cross-request
// coordination goes through here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("store unavailable")
)

// GeoMember is one entry returned by a radius query.
type GeoMember struct {
	Name           string
	Lat            float64
	Lon            float64
	DistanceMeters float64
}

// Store is the contract the dispatch components rely on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// MGet returns only the keys that exist.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	Incr(ctx context.Context, key string) (int64, error)

	// SetNX sets key only if absent. A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSwap replaces the value only if it currently holds expected.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	GeoAdd(ctx context.Context, key, member string, lat, lon float64) error
	GeoRemove(ctx context.Context, key string, members ...string) error
	// GeoRadius returns members within radiusMeters, nearest first, at most count.
	GeoRadius(ctx context.Context, key string, lat, lon, radiusMeters float64, count int) ([]GeoMember, error)
	GeoPos(ctx context.Context, key, member string) (GeoMember, bool, error)
	GeoMembers(ctx context.Context, key string) ([]string, error)

	// Schedule records member as due at the given time.
	Schedule(ctx context.Context, key, member string, due time.Time) error
	// Due lists members whose due time is at or before now.
	Due(ctx context.Context, key string, now time.Time, limit int) ([]string, error)
	Unschedule(ctx context.Context, key string, members ...string) error
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}
