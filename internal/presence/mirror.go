package presence

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

// The ride-status mirror is a cache of the durable status for realtime
// readers. It never decides whether a transition is legal.

func (r *Registry) SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	return r.store.Set(ctx, RideStatusKey(rideID), string(status), r.opts.MirrorTTL)
}

func (r *Registry) ClearRideStatus(ctx context.Context, rideID string) error {
	return r.store.Delete(ctx, RideStatusKey(rideID))
}

// RideStatus returns the mirrored status and whether it was present.
func (r *Registry) RideStatus(ctx context.Context, rideID string) (models.RideStatus, bool, error) {
	v, err := r.store.Get(ctx, RideStatusKey(rideID))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.RideStatus(v), true, nil
}
