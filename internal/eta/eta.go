package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is an estimated trip between two points.
type Route struct {
	DistanceMeters float64
	DurationSec    float64
}

// Estimator is the interface used by ride creation to price a trip.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) (Route, error)
}

// roadFactor approximates how much longer streets are than a straight line.
const roadFactor = 1.3

// Naive estimates from great-circle distance at a constant city speed.
type Naive struct {
	SpeedMps float64
}

func (n Naive) Estimate(_ context.Context, from, to models.Coord) (Route, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Distance(from, to) * roadFactor
	return Route{DistanceMeters: d, DurationSec: d / speed}, nil
}

// Fallback tries Primary and falls back to Secondary on error.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
}

func (f Fallback) Estimate(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.Primary.Estimate(ctx, from, to)
	if err == nil {
		return r, nil
	}
	return f.Secondary.Estimate(ctx, from, to)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	next  Estimator
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache wraps next with a cache holding results for ttl.
func NewCache(next Estimator, ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, next: next}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

func (c *Cache) Estimate(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.get(from, to); ok {
		return r, nil
	}
	r, err := c.next.Estimate(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.set(from, to, r)
	return r, nil
}

func (c *Cache) get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
