package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/store"
)

// PendingOffersKey schedules open offers by deadline for the expiry sweeper.
const PendingOffersKey = "offers:pending"

// ackRetention keeps a resolved ack readable for late responders.
const ackRetention = 10 * time.Minute

type AckState string

const (
	AckPending  AckState = "pending"
	AckAccepted AckState = "accepted"
	AckDeclined AckState = "declined"
	AckExpired  AckState = "expired"
)

type Ack struct {
	State    AckState
	DriverID string
}

func (a Ack) encode() string { return string(a.State) + ":" + a.DriverID }

func decodeAck(v string) Ack {
	state, driver, _ := strings.Cut(v, ":")
	return Ack{State: AckState(state), DriverID: driver}
}

func AckKey(rideID string) string { return "ride:" + rideID + ":ack" }

func ackChannel(rideID string) string { return "ack:" + rideID }

// Signaler wakes waiters across instances.
type Signaler interface {
	Notify(ctx context.Context, channel string) error
	Listen(ctx context.Context, channel string) (<-chan struct{}, func(), error)
}

// Acks correlates ride offers with driver responses through the shared store.
// Each offer resolves exactly once: whichever of accept, decline or expiry
// swaps the pending value first wins, and every later attempt is a no-op.
type Acks struct {
	store  store.Store
	signal Signaler
}

func NewAcks(s store.Store, sig Signaler) *Acks {
	return &Acks{store: s, signal: sig}
}

// Open records a pending offer to driverID that expires at deadline.
func (a *Acks) Open(ctx context.Context, rideID, driverID string, deadline time.Time) error {
	ttl := time.Until(deadline) + ackRetention
	if err := a.store.Set(ctx, AckKey(rideID), Ack{AckPending, driverID}.encode(), ttl); err != nil {
		return err
	}
	return a.store.Schedule(ctx, PendingOffersKey, rideID, deadline)
}

// Resolve applies the driver's answer. It reports false if the offer was not
// pending for this driver, e.g. because it already expired.
func (a *Acks) Resolve(ctx context.Context, rideID, driverID string, accepted bool) (bool, error) {
	to := AckDeclined
	if accepted {
		to = AckAccepted
	}
	return a.transition(ctx, rideID, driverID, to)
}

// Expire closes a pending offer without an answer.
func (a *Acks) Expire(ctx context.Context, rideID, driverID string) (bool, error) {
	return a.transition(ctx, rideID, driverID, AckExpired)
}

func (a *Acks) transition(ctx context.Context, rideID, driverID string, to AckState) (bool, error) {
	ok, err := a.store.CompareAndSwap(ctx, AckKey(rideID), Ack{AckPending, driverID}.encode(), Ack{to, driverID}.encode(), ackRetention)
	if err != nil || !ok {
		return false, err
	}
	// the swap already decided the outcome; these only tidy up and wake the waiter
	_ = a.store.Unschedule(ctx, PendingOffersKey, rideID)
	_ = a.signal.Notify(ctx, ackChannel(rideID))
	return true, nil
}

// State reads the current offer state. ok is false when no offer is recorded.
func (a *Acks) State(ctx context.Context, rideID string) (Ack, bool, error) {
	v, err := a.store.Get(ctx, AckKey(rideID))
	if errors.Is(err, store.ErrNotFound) {
		return Ack{}, false, nil
	}
	if err != nil {
		return Ack{}, false, err
	}
	return decodeAck(v), true, nil
}

// Await blocks until the offer to driverID resolves or deadline passes, in
// which case it expires the offer itself. The returned state is final.
func (a *Acks) Await(ctx context.Context, rideID, driverID string, deadline time.Time) (AckState, error) {
	wake, stop, err := a.signal.Listen(ctx, ackChannel(rideID))
	if err != nil {
		return "", err
	}
	defer stop()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		// checked after subscribing, so a resolution in between is not lost
		ack, ok, err := a.State(ctx, rideID)
		if err != nil {
			return "", err
		}
		if !ok {
			return AckExpired, nil
		}
		if ack.DriverID != driverID {
			// superseded by a newer offer for the same ride
			return AckExpired, nil
		}
		if ack.State != AckPending {
			return ack.State, nil
		}

		select {
		case <-wake:
		case <-timer.C:
			return a.expireAndRead(context.WithoutCancel(ctx), rideID, driverID)
		case <-ctx.Done():
			st, _ := a.expireAndRead(context.WithoutCancel(ctx), rideID, driverID)
			return st, ctx.Err()
		}
	}
}

func (a *Acks) expireAndRead(ctx context.Context, rideID, driverID string) (AckState, error) {
	ok, err := a.Expire(ctx, rideID, driverID)
	if err != nil {
		return "", err
	}
	if ok {
		return AckExpired, nil
	}
	// lost the race to an answer that arrived at the deadline
	ack, found, err := a.State(ctx, rideID)
	if err != nil {
		return "", err
	}
	if !found || ack.DriverID != driverID {
		return AckExpired, nil
	}
	return ack.State, nil
}

// Overdue lists rides whose offer deadline passed before cutoff.
func (a *Acks) Overdue(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return a.store.Due(ctx, PendingOffersKey, cutoff, limit)
}

// Forget removes a ride from the schedule.
func (a *Acks) Forget(ctx context.Context, rideID string) error {
	return a.store.Unschedule(ctx, PendingOffersKey, rideID)
}
