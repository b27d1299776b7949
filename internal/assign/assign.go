// Package assign turns a ride request into a ride offered to, and
// acknowledged by, one driver.
//
// The flow per attempt is: claim a driver under lock, persist or reassign the
// pending ride, reserve the driver in the store, push the offer and wait for
// the acknowledgment. A negative or missing answer rolls the reservation back
// and the next candidate is tried. The claim lock is released after every
// attempt whatever its outcome.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidInput       = errors.New("invalid ride request")
	ErrClientNotFound     = errors.New("client not found")
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrDriverNoResponse   = errors.New("driver did not respond")
	ErrDriverDeclined     = errors.New("driver declined")
	// ErrOfferClosed is returned to a driver answering an offer that is no
	// longer open to them.
	ErrOfferClosed = errors.New("offer is no longer open")
	// ErrRideCancelled means the ride was cancelled while assignment ran.
	ErrRideCancelled = errors.New("ride was cancelled")
)

// Cancellation reasons recorded when no driver could be assigned.
const (
	ReasonNoDrivers  = "no_drivers"
	ReasonNoResponse = "driver_no_response"
	ReasonDeclined   = "driver_declined"
)

type Matcher interface {
	Match(ctx context.Context, req matcher.Request) (matcher.Claim, error)
	Release(ctx context.Context, c matcher.Claim)
}

type Presence interface {
	Reserve(ctx context.Context, driverID, rideID string) error
	ClearRide(ctx context.Context, driverID, rideID string) (bool, error)
	SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error
	ClearRideStatus(ctx context.Context, rideID string) error
	IncrTotalOffers(ctx context.Context, driverID string) error
}

type Acks interface {
	Open(ctx context.Context, rideID, driverID string, deadline time.Time) error
	Await(ctx context.Context, rideID, driverID string, deadline time.Time) (dispatch.AckState, error)
	Resolve(ctx context.Context, rideID, driverID string, accepted bool) (bool, error)
	Expire(ctx context.Context, rideID, driverID string) (bool, error)
	State(ctx context.Context, rideID string) (dispatch.Ack, bool, error)
	Overdue(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Forget(ctx context.Context, rideID string) error
}

type Lifecycle interface {
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Abandon(ctx context.Context, rideID, reason string) (*models.Ride, error)
}

type Pricer interface {
	Quote(tariff models.Tariff, meters, seconds float64) (float64, error)
}

type Request struct {
	ClientID           string        `json:"client_id"`
	Pickup             models.Coord  `json:"pickup"`
	Destination        models.Coord  `json:"destination"`
	PickupAddress      string        `json:"pickup_address,omitempty"`
	DestinationAddress string        `json:"destination_address,omitempty"`
	Tariff             models.Tariff `json:"tariff"`
}

type Service struct {
	Clients   storage.ClientDirectory
	Rides     storage.RideStore
	Matcher   Matcher
	Presence  Presence
	Acks      Acks
	Lifecycle Lifecycle
	Publisher dispatch.Publisher
	Estimator eta.Estimator
	Fares     Pricer

	AckTimeout  time.Duration
	MaxAttempts int
	// Deadline bounds a whole CreateRide call; zero means only the caller's
	// context applies.
	Deadline time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateRide validates the request and runs assignment attempts until a
// driver acknowledges or attempts run out. The ride is returned as currently
// stored. When nobody can be assigned after the ride was persisted, the ride
// is cancelled and the last specific reason is returned. Running out of
// Deadline counts as the driver not responding.
func (s *Service) CreateRide(ctx context.Context, req Request) (*models.Ride, error) {
	if s.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Deadline)
		defer cancel()
	}

	est, fare, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ride := &models.Ride{
		ID:                 uuid.NewString(),
		ClientID:           req.ClientID,
		Pickup:             req.Pickup,
		Destination:        req.Destination,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		Tariff:             req.Tariff,
		EstDistanceMeters:  est.DistanceMeters,
		EstDurationSec:     est.DurationSec,
		EstFare:            fare,
		Status:             models.RideStatusPending,
		RequestedAt:        now,
		UpdatedAt:          now,
	}

	attempts := max(s.MaxAttempts, 1)
	exclude := make(map[string]bool)
	persisted := false
	var lastErr error
	lastReason := ReasonNoDrivers

	for attempt := 1; attempt <= attempts; attempt++ {
		claim, err := s.Matcher.Match(ctx, matcher.Request{Pickup: req.Pickup, Tariff: req.Tariff, Exclude: exclude})
		if err != nil {
			if lastErr == nil && expired(ctx) {
				lastErr, lastReason = fmt.Errorf("%w: %w", ErrDriverNoResponse, ctx.Err()), ReasonNoResponse
			} else if lastErr == nil {
				lastErr = fmt.Errorf("%w: %w", ErrNoDriversAvailable, err)
			}
			break
		}

		outcome, err := s.offer(ctx, ride, claim, persisted)
		if outcome.persisted {
			persisted = true
		}
		if err != nil {
			if persisted && s.cancelled(ctx, ride) {
				return nil, ErrRideCancelled
			}
			reason := "assignment_failed"
			if expired(ctx) {
				reason, err = ReasonNoResponse, fmt.Errorf("%w: %w", ErrDriverNoResponse, err)
			}
			if persisted {
				s.abandon(ctx, ride.ID, reason)
			}
			return nil, err
		}
		cur := s.current(ctx, ride)
		if cur.Status == models.RideStatusCancelled {
			// the cancellation already freed the driver; this covers a reserve
			// that landed after it
			s.Rollback(context.WithoutCancel(ctx), ride.ID, claim.DriverID)
			s.Logger.Info("assign_ride_cancelled", "ride_id", ride.ID, "driver_id", claim.DriverID)
			return nil, ErrRideCancelled
		}
		if outcome.state == dispatch.AckAccepted {
			return cur, nil
		}
		if outcome.offered {
			s.notifyRejected(ctx, ride, claim.DriverID, outcome.state)
		}

		exclude[claim.DriverID] = true
		if outcome.state == dispatch.AckDeclined {
			lastErr, lastReason = ErrDriverDeclined, ReasonDeclined
		} else {
			lastErr, lastReason = ErrDriverNoResponse, ReasonNoResponse
		}
		s.Logger.Info("assign_attempt_failed", "ride_id", ride.ID, "driver_id", claim.DriverID, "attempt", attempt, "ack", outcome.state)
	}

	if persisted {
		s.abandon(ctx, ride.ID, lastReason)
	}
	return nil, lastErr
}

func (s *Service) validate(ctx context.Context, req Request) (eta.Route, float64, error) {
	if req.ClientID == "" {
		return eta.Route{}, 0, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if err := geo.ValidateCoord(req.Pickup); err != nil {
		return eta.Route{}, 0, fmt.Errorf("%w: pickup: %w", ErrInvalidInput, err)
	}
	if err := geo.ValidateCoord(req.Destination); err != nil {
		return eta.Route{}, 0, fmt.Errorf("%w: destination: %w", ErrInvalidInput, err)
	}
	if _, err := s.Fares.Quote(req.Tariff, 0, 0); err != nil {
		return eta.Route{}, 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ok, err := s.Clients.ClientExists(ctx, req.ClientID)
	if err != nil {
		return eta.Route{}, 0, err
	}
	if !ok {
		return eta.Route{}, 0, ErrClientNotFound
	}

	est, err := s.Estimator.Estimate(ctx, req.Pickup, req.Destination)
	if err != nil {
		return eta.Route{}, 0, fmt.Errorf("estimate route: %w", err)
	}
	fare, err := s.Fares.Quote(req.Tariff, est.DistanceMeters, est.DurationSec)
	if err != nil {
		return eta.Route{}, 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return est, fare, nil
}

type outcome struct {
	state     dispatch.AckState
	persisted bool
	offered   bool
}

// offer runs one attempt against a claimed driver. A returned error is fatal
// to the whole request; a non-accepted state means try the next candidate.
func (s *Service) offer(ctx context.Context, ride *models.Ride, claim matcher.Claim, persisted bool) (outcome, error) {
	defer s.Matcher.Release(context.WithoutCancel(ctx), claim)

	out := outcome{persisted: persisted}
	prev := ride.DriverID
	ride.DriverID = claim.DriverID
	ride.UpdatedAt = s.now()
	if !persisted {
		if err := s.Rides.CreateRide(ctx, ride); err != nil {
			return out, fmt.Errorf("persist ride: %w", err)
		}
		out.persisted = true
	} else if err := s.Rides.UpdateRide(ctx, ride, models.RideStatusPending); err != nil {
		ride.DriverID = prev
		return out, fmt.Errorf("reassign ride: %w", err)
	}

	if err := s.Presence.Reserve(ctx, claim.DriverID, ride.ID); err != nil {
		if errors.Is(err, presence.ErrAlreadyReserved) {
			// lost the driver after the claim, e.g. lock outlived by a slow caller
			s.Logger.Warn("assign_reserve_lost", "ride_id", ride.ID, "driver_id", claim.DriverID)
			out.state = dispatch.AckExpired
			return out, nil
		}
		s.Metrics.StoreErrors.WithLabelValues("reserve").Inc()
		s.Rollback(context.WithoutCancel(ctx), ride.ID, claim.DriverID)
		return out, fmt.Errorf("reserve driver: %w", err)
	}
	if err := s.Presence.SetRideStatus(ctx, ride.ID, models.RideStatusPending); err != nil {
		s.Logger.Warn("mirror_write_failed", "ride_id", ride.ID, "error", err)
	}
	if err := s.Presence.IncrTotalOffers(ctx, claim.DriverID); err != nil {
		s.Logger.Warn("offer_counter_failed", "driver_id", claim.DriverID, "error", err)
	}

	deadline := s.now().Add(s.AckTimeout)
	if err := s.Acks.Open(ctx, ride.ID, claim.DriverID, deadline); err != nil {
		s.Metrics.StoreErrors.WithLabelValues("ack_open").Inc()
		s.Rollback(context.WithoutCancel(ctx), ride.ID, claim.DriverID)
		return out, fmt.Errorf("open offer: %w", err)
	}
	out.offered = true

	err := dispatch.PublishEvent(ctx, s.Publisher, dispatch.DriverChannel(claim.DriverID), dispatch.EventRideRequest, dispatch.RideRequest{
		RideID:      ride.ID,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
		PickupAddr:  ride.PickupAddress,
		DestAddr:    ride.DestinationAddress,
		Fare:        ride.EstFare,
		Tariff:      ride.Tariff,
		ExpiresAt:   deadline,
	})
	if err != nil {
		// the driver cannot answer an offer they never saw
		s.Logger.Warn("offer_notify_failed", "ride_id", ride.ID, "driver_id", claim.DriverID, "error", err)
		if _, err := s.Acks.Expire(ctx, ride.ID, claim.DriverID); err != nil {
			s.Logger.Warn("offer_expire_failed", "ride_id", ride.ID, "error", err)
		}
	}

	state, err := s.Acks.Await(ctx, ride.ID, claim.DriverID, deadline)
	if err != nil && state == "" {
		s.Rollback(context.WithoutCancel(ctx), ride.ID, claim.DriverID)
		return out, fmt.Errorf("await ack: %w", err)
	}
	out.state = state
	s.Metrics.AckOutcomes.WithLabelValues(ackLabel(state)).Inc()

	if state != dispatch.AckAccepted {
		s.Rollback(context.WithoutCancel(ctx), ride.ID, claim.DriverID)
	}
	return out, err
}

// Rollback undoes an offer's store reservation. It is safe to run more than
// once and when the reservation was never made.
func (s *Service) Rollback(ctx context.Context, rideID, driverID string) {
	if _, err := s.Presence.ClearRide(ctx, driverID, rideID); err != nil {
		s.Metrics.StoreErrors.WithLabelValues("clear_ride").Inc()
		s.Logger.Error("rollback_clear_ride_failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	if err := s.Presence.ClearRideStatus(ctx, rideID); err != nil {
		s.Logger.Warn("rollback_clear_mirror_failed", "ride_id", rideID, "error", err)
	}
}

// Respond applies a driver's answer to an open offer. An acceptance also
// moves the ride to accepted.
func (s *Service) Respond(ctx context.Context, rideID, driverID string, accepted bool, reason string) (*models.Ride, error) {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status.Terminal() {
		return nil, ErrOfferClosed
	}
	ok, err := s.Acks.Resolve(ctx, rideID, driverID, accepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		ack, found, err := s.Acks.State(ctx, rideID)
		if err != nil {
			return nil, err
		}
		// an acceptance already recorded for this driver may be retried; the
		// durable record decides whether it still applies
		retry := accepted && (!found || (ack.State == dispatch.AckAccepted && ack.DriverID == driverID))
		if !retry {
			return nil, ErrOfferClosed
		}
	}
	s.Logger.Info("offer_answered", "ride_id", rideID, "driver_id", driverID, "accepted", accepted, "reason", reason)
	if !accepted {
		return nil, nil
	}
	return s.Lifecycle.Accept(ctx, rideID, driverID)
}

func (s *Service) notifyRejected(ctx context.Context, ride *models.Ride, driverID string, state dispatch.AckState) {
	reason := ReasonNoResponse
	if state == dispatch.AckDeclined {
		reason = ReasonDeclined
	}
	update := dispatch.RideUpdate{RideID: ride.ID, DriverID: driverID, Status: models.RideStatusPending, Reason: reason}
	for _, ch := range []string{dispatch.RideChannel(ride.ID), dispatch.UserChannel(ride.ClientID)} {
		if err := dispatch.PublishEvent(ctx, s.Publisher, ch, dispatch.EventRideRejected, update); err != nil {
			s.Logger.Warn("reject_notify_failed", "ride_id", ride.ID, "channel", ch, "error", err)
		}
	}
}

func (s *Service) abandon(ctx context.Context, rideID, reason string) {
	if _, err := s.Lifecycle.Abandon(context.WithoutCancel(ctx), rideID, reason); err != nil {
		s.Logger.Warn("abandon_failed", "ride_id", rideID, "reason", reason, "error", err)
	}
}

func expired(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (s *Service) cancelled(ctx context.Context, ride *models.Ride) bool {
	r, err := s.Rides.GetRide(context.WithoutCancel(ctx), ride.ID)
	return err == nil && r.Status == models.RideStatusCancelled
}

func (s *Service) current(ctx context.Context, ride *models.Ride) *models.Ride {
	r, err := s.Rides.GetRide(ctx, ride.ID)
	if err != nil {
		return ride.Clone()
	}
	return r
}

func ackLabel(st dispatch.AckState) string {
	if st == dispatch.AckExpired {
		return "timeout"
	}
	return string(st)
}
