// Package lifecycle enforces the ride status graph:
//
//	pending -> accepted -> started -> completed -> paid
//	pending | accepted | started -> cancelled
//
// Legality is always decided against the durable record. The store mirror is
// written after each change and repaired on read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrIllegalTransition = errors.New("illegal ride transition")
	ErrForbidden         = errors.New("caller is not a party to this ride")
)

type Presence interface {
	ClearRide(ctx context.Context, driverID, rideID string) (bool, error)
	IncrAccepts(ctx context.Context, driverID string) error
	SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error
	RideStatus(ctx context.Context, rideID string) (models.RideStatus, bool, error)
}

// OfferCloser closes an open offer so a late driver answer cannot resolve it.
type OfferCloser interface {
	Expire(ctx context.Context, rideID, driverID string) (bool, error)
}

type EventSink interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Service struct {
	Rides     storage.RideStore
	Presence  Presence
	Publisher dispatch.Publisher
	Events    EventSink
	Offers    OfferCloser
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	// Now is overridable in tests.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

type step struct {
	to        models.RideStatus
	from      []models.RideStatus
	authorize func(r *models.Ride) error
	apply     func(r *models.Ride, now time.Time)
	event     string
	reason    string
}

// Accept is the assigned driver taking a pending ride.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.transition(ctx, rideID, step{
		to:        models.RideStatusAccepted,
		from:      []models.RideStatus{models.RideStatusPending},
		authorize: assignedDriver(driverID),
		apply:     func(r *models.Ride, now time.Time) { r.AcceptedAt = &now },
		event:     dispatch.EventRideAccepted,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Presence.IncrAccepts(ctx, driverID); err != nil {
		s.Logger.Warn("accept_counter_failed", "driver_id", driverID, "error", err)
	}
	return r, nil
}

func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, step{
		to:        models.RideStatusStarted,
		from:      []models.RideStatus{models.RideStatusAccepted},
		authorize: assignedDriver(driverID),
		apply:     func(r *models.Ride, now time.Time) { r.StartedAt = &now },
		event:     dispatch.EventRideStarted,
	})
}

// Complete finishes the trip and frees the driver for new matches.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.transition(ctx, rideID, step{
		to:        models.RideStatusCompleted,
		from:      []models.RideStatus{models.RideStatusStarted},
		authorize: assignedDriver(driverID),
		apply: func(r *models.Ride, now time.Time) {
			r.CompletedAt = &now
			dist, fare := r.EstDistanceMeters, r.EstFare
			dur := r.EstDurationSec
			if r.StartedAt != nil {
				dur = now.Sub(*r.StartedAt).Seconds()
			}
			r.DistanceMeters, r.DurationSec, r.Fare = &dist, &dur, &fare
		},
		event: dispatch.EventRideCompleted,
	})
	if err != nil {
		return nil, err
	}
	s.freeDriver(ctx, r)
	return r, nil
}

// MarkPaid records settlement by the ride's client or an admin.
func (s *Service) MarkPaid(ctx context.Context, rideID, userID string, role models.Role) (*models.Ride, error) {
	return s.transition(ctx, rideID, step{
		to:   models.RideStatusPaid,
		from: []models.RideStatus{models.RideStatusCompleted},
		authorize: func(r *models.Ride) error {
			if role == models.RoleAdmin || (role == models.RoleClient && r.ClientID == userID) {
				return nil
			}
			return ErrForbidden
		},
		apply: func(*models.Ride, time.Time) {},
		event: dispatch.EventRidePaid,
	})
}

// Cancel is available to the ride's client and its assigned driver while the
// ride is not terminal.
func (s *Service) Cancel(ctx context.Context, rideID, userID string, role models.Role, reason string) (*models.Ride, error) {
	return s.cancel(ctx, rideID, reason, func(r *models.Ride) error {
		switch {
		case role == models.RoleClient && r.ClientID == userID:
			return nil
		case role == models.RoleDriver && r.DriverID != "" && r.DriverID == userID:
			return nil
		}
		return ErrForbidden
	}, []models.RideStatus{models.RideStatusPending, models.RideStatusAccepted, models.RideStatusStarted})
}

// Abandon cancels a ride that never got a driver to accept it. Only pending
// rides qualify.
func (s *Service) Abandon(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	return s.cancel(ctx, rideID, reason, func(*models.Ride) error { return nil },
		[]models.RideStatus{models.RideStatusPending})
}

func (s *Service) cancel(ctx context.Context, rideID, reason string, authorize func(*models.Ride) error, from []models.RideStatus) (*models.Ride, error) {
	r, err := s.transition(ctx, rideID, step{
		to:        models.RideStatusCancelled,
		from:      from,
		authorize: authorize,
		apply: func(r *models.Ride, now time.Time) {
			reason := reason
			r.CancelledAt = &now
			r.CancelReason = &reason
		},
		event:  dispatch.EventRideCancelled,
		reason: reason,
	})
	if err != nil {
		return nil, err
	}
	s.closeOffer(ctx, r)
	s.freeDriver(ctx, r)
	return r, nil
}

// closeOffer expires an offer still waiting on the driver. It is a no-op once
// the offer was answered or when the ride never had one.
func (s *Service) closeOffer(ctx context.Context, r *models.Ride) {
	if s.Offers == nil || r.DriverID == "" {
		return
	}
	if _, err := s.Offers.Expire(ctx, r.ID, r.DriverID); err != nil {
		s.Logger.Warn("offer_close_failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
	}
}

func (s *Service) transition(ctx context.Context, rideID string, st step) (*models.Ride, error) {
	cur, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := st.authorize(cur); err != nil {
		return nil, err
	}
	if !slices.Contains(st.from, cur.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, st.to)
	}

	now := s.now()
	next := cur.Clone()
	next.Status = st.to
	next.UpdatedAt = now
	st.apply(next, now)

	if err := s.Rides.UpdateRide(ctx, next, cur.Status); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// someone else moved the ride first; the new state decides
			return nil, fmt.Errorf("%w: %w", ErrIllegalTransition, err)
		}
		return nil, err
	}
	s.Metrics.Transitions.WithLabelValues(string(st.to)).Inc()
	s.Logger.Info("ride_transition", "ride_id", rideID, "from", cur.Status, "to", st.to, "driver_id", next.DriverID)

	s.mirror(ctx, next.ID, next.Status)
	s.fanOut(ctx, next, st.event, st.reason)
	return next, nil
}

func (s *Service) freeDriver(ctx context.Context, r *models.Ride) {
	if r.DriverID == "" {
		return
	}
	err := retry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.Presence.ClearRide(ctx, r.DriverID, r.ID)
		return err
	})
	if err != nil {
		s.Metrics.StoreErrors.WithLabelValues("clear_ride").Inc()
		s.Logger.Error("driver_release_failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
	}
}

// mirror writes the status cache, retrying briefly. A write that still fails
// is repaired by the next Status read.
func (s *Service) mirror(ctx context.Context, rideID string, status models.RideStatus) {
	err := retry(ctx, 3, 50*time.Millisecond, func() error {
		return s.Presence.SetRideStatus(ctx, rideID, status)
	})
	if err != nil {
		s.Metrics.StoreErrors.WithLabelValues("mirror_write").Inc()
		s.Logger.Warn("mirror_write_failed", "ride_id", rideID, "status", status, "error", err)
	}
}

func (s *Service) fanOut(ctx context.Context, r *models.Ride, event, reason string) {
	update := dispatch.RideUpdate{RideID: r.ID, DriverID: r.DriverID, Status: r.Status, Reason: reason}
	channels := []string{dispatch.RideChannel(r.ID), dispatch.UserChannel(r.ClientID)}
	if r.DriverID != "" {
		channels = append(channels, dispatch.DriverChannel(r.DriverID))
	}
	for _, ch := range channels {
		if err := dispatch.PublishEvent(ctx, s.Publisher, ch, event, update); err != nil {
			s.Logger.Warn("ride_fanout_failed", "ride_id", r.ID, "channel", ch, "error", err)
		}
	}
	if s.Events == nil {
		return
	}
	ev := models.RideEvent{RideID: r.ID, ClientID: r.ClientID, DriverID: r.DriverID, Status: r.Status, Reason: reason, At: r.UpdatedAt}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.Logger.Warn("ride_event_publish_failed", "ride_id", r.ID, "error", err)
	}
}

func assignedDriver(driverID string) func(*models.Ride) error {
	return func(r *models.Ride) error {
		if r.DriverID == "" || r.DriverID != driverID {
			return ErrForbidden
		}
		return nil
	}
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
