// Package presence owns the store-resident view of drivers: status, last
// position, current ride reservation and offer counters, plus the geospatial
// index used for radius search. A driver has a geo entry only while online.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

var ErrAlreadyReserved = errors.New("driver already holds a ride")

type Options struct {
	// TTL bounds how long a driver stays online without a heartbeat or update.
	TTL time.Duration
	// RideTTL bounds a reservation so a lost completion cannot pin a driver forever.
	RideTTL time.Duration
	// MirrorTTL is the lifetime of a ride-status mirror entry.
	MirrorTTL time.Duration
}

type Registry struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
}

func NewRegistry(s store.Store, opts Options, logger *slog.Logger) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	if opts.RideTTL <= 0 {
		opts.RideTTL = 12 * time.Hour
	}
	if opts.MirrorTTL <= 0 {
		opts.MirrorTTL = 6 * time.Hour
	}
	return &Registry{store: s, opts: opts, logger: logger}
}

// Connect marks the driver online. If a last position is known the driver is
// put back in the geo index straight away.
func (r *Registry) Connect(ctx context.Context, driverID string) error {
	if err := r.store.Set(ctx, StatusKey(driverID), string(models.DriverOnline), r.opts.TTL); err != nil {
		return err
	}
	loc, err := r.store.Get(ctx, LocationKey(driverID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c, err := parseCoord(loc)
	if err != nil {
		r.logger.Warn("presence_bad_location", "driver_id", driverID, "value", loc)
		return nil
	}
	if err := r.store.Expire(ctx, LocationKey(driverID), r.opts.TTL); err != nil {
		return err
	}
	return r.store.GeoAdd(ctx, GeoKey, driverID, c.Lat, c.Lon)
}

// UpdateLocation records a new position and keeps the driver online. A
// position the geo index cannot hold is rejected before anything is written.
func (r *Registry) UpdateLocation(ctx context.Context, driverID string, c models.Coord) error {
	if err := geo.ValidateCoord(c); err != nil {
		return err
	}
	if err := r.store.Set(ctx, StatusKey(driverID), string(models.DriverOnline), r.opts.TTL); err != nil {
		return err
	}
	if err := r.store.Set(ctx, LocationKey(driverID), formatCoord(c), r.opts.TTL); err != nil {
		return err
	}
	return r.store.GeoAdd(ctx, GeoKey, driverID, c.Lat, c.Lon)
}

// Heartbeat extends the presence TTL. A driver who went offline explicitly
// stays offline; one whose status lapsed while still connected comes back.
func (r *Registry) Heartbeat(ctx context.Context, driverID string) error {
	status, err := r.store.Get(ctx, StatusKey(driverID))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.Connect(ctx, driverID)
	case err != nil:
		return err
	case status != string(models.DriverOnline):
		return nil
	}
	if err := r.store.Expire(ctx, StatusKey(driverID), r.opts.TTL); err != nil {
		return err
	}
	return r.store.Expire(ctx, LocationKey(driverID), r.opts.TTL)
}

// GoOffline flips status to offline and drops the geo entry. The offline
// status does not expire, so only Connect or a location update undoes it.
func (r *Registry) GoOffline(ctx context.Context, driverID string) error {
	if err := r.store.Set(ctx, StatusKey(driverID), string(models.DriverOffline), 0); err != nil {
		return err
	}
	return r.store.GeoRemove(ctx, GeoKey, driverID)
}

// Get reads a single driver's presence. Unknown drivers come back offline.
func (r *Registry) Get(ctx context.Context, driverID string) (models.Presence, error) {
	all, err := r.Snapshots(ctx, []string{driverID})
	if err != nil {
		return models.Presence{}, err
	}
	return all[driverID], nil
}

// Snapshots batch-reads presence for many drivers in one round trip.
func (r *Registry) Snapshots(ctx context.Context, driverIDs []string) (map[string]models.Presence, error) {
	keys := make([]string, 0, len(driverIDs)*5)
	for _, id := range driverIDs {
		keys = append(keys, StatusKey(id), LocationKey(id), RideKey(id), AcceptsKey(id), TotalOffersKey(id))
	}
	vals, err := r.store.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Presence, len(driverIDs))
	for _, id := range driverIDs {
		p := models.Presence{DriverID: id, Status: models.DriverOffline}
		if s := vals[StatusKey(id)]; s == string(models.DriverOnline) {
			p.Status = models.DriverOnline
		}
		if v, ok := vals[LocationKey(id)]; ok {
			if c, err := parseCoord(v); err == nil {
				p.Loc = &c
			}
		}
		p.RideID = vals[RideKey(id)]
		p.AcceptedOffers = parseCount(vals[AcceptsKey(id)])
		p.TotalOffers = parseCount(vals[TotalOffersKey(id)])
		out[id] = p
	}
	return out, nil
}

// Reserve sets the driver's current ride. Reserving the same ride twice is
// fine; reserving over a different ride fails with ErrAlreadyReserved.
func (r *Registry) Reserve(ctx context.Context, driverID, rideID string) error {
	ok, err := r.store.SetNX(ctx, RideKey(driverID), rideID, r.opts.RideTTL)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	current, err := r.store.Get(ctx, RideKey(driverID))
	if errors.Is(err, store.ErrNotFound) {
		// expired between the two calls
		return r.Reserve(ctx, driverID, rideID)
	}
	if err != nil {
		return err
	}
	if current == rideID {
		return nil
	}
	return fmt.Errorf("%w: driver %s has ride %s", ErrAlreadyReserved, driverID, current)
}

// ClearRide removes the reservation only if it still points at rideID, so a
// stale rollback cannot free a driver who has since been given another ride.
func (r *Registry) ClearRide(ctx context.Context, driverID, rideID string) (bool, error) {
	return r.store.CompareAndDelete(ctx, RideKey(driverID), rideID)
}

func (r *Registry) IncrTotalOffers(ctx context.Context, driverID string) error {
	_, err := r.store.Incr(ctx, TotalOffersKey(driverID))
	return err
}

func (r *Registry) IncrAccepts(ctx context.Context, driverID string) error {
	_, err := r.store.Incr(ctx, AcceptsKey(driverID))
	return err
}

// AllowLocationUpdate enforces a minimum interval between accepted location
// updates for a driver, across all instances.
func (r *Registry) AllowLocationUpdate(ctx context.Context, driverID string, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		return true, nil
	}
	return r.store.SetNX(ctx, debounceKey(driverID), "1", minInterval)
}

// Nearby runs a radius search over online drivers, nearest first.
func (r *Registry) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, count int) ([]store.GeoMember, error) {
	return r.store.GeoRadius(ctx, GeoKey, c.Lat, c.Lon, radiusMeters, count)
}

func formatCoord(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', 7, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 7, 64)
}

func parseCoord(v string) (models.Coord, error) {
	latS, lonS, ok := strings.Cut(v, ",")
	if !ok {
		return models.Coord{}, fmt.Errorf("malformed location %q", v)
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

func parseCount(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
