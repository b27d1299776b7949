package lifecycle

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Status returns the durable status of a ride, rewriting the mirror when it
// is missing or disagrees.
func (s *Service) Status(ctx context.Context, rideID string) (models.RideStatus, error) {
	r, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	cached, ok, err := s.Presence.RideStatus(ctx, rideID)
	if err != nil {
		s.Logger.Warn("mirror_read_failed", "ride_id", rideID, "error", err)
		return r.Status, nil
	}
	if !ok || cached != r.Status {
		s.Metrics.MirrorRepairs.Inc()
		s.Logger.Info("mirror_repaired", "ride_id", rideID, "mirror", cached, "durable", r.Status)
		s.mirror(ctx, rideID, r.Status)
	}
	return r.Status, nil
}

// Get returns the ride to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, rideID, userID string, role models.Role) (*models.Ride, error) {
	r, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch {
	case role == models.RoleAdmin:
	case role == models.RoleClient && r.ClientID == userID:
	case role == models.RoleDriver && r.DriverID != "" && r.DriverID == userID:
	default:
		return nil, ErrForbidden
	}
	return r, nil
}
