package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/dispatch/dispatchtest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store/storetest"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (e *eventLog) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type fixture struct {
	svc      *Service
	rides    *storage.MemoryStore
	presence *presence.Registry
	pub      *dispatchtest.Recorder
	events   *eventLog
	acks     *dispatch.Acks
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	s, mr := storetest.New(t)
	reg := presence.NewRegistry(s, presence.Options{}, logging.Discard())
	f := &fixture{
		rides:    storage.NewMemoryStore(),
		presence: reg,
		pub:      &dispatchtest.Recorder{},
		events:   &eventLog{},
		acks:     dispatch.NewAcks(s, dispatch.NewRedisBroker(s.Client(), logging.Discard())),
		mr:       mr,
	}
	f.svc = &Service{
		Rides:     f.rides,
		Presence:  reg,
		Publisher: f.pub,
		Events:    f.events,
		Offers:    f.acks,
		Logger:    logging.Discard(),
		Metrics:   observability.NewTestMetrics(),
	}
	return f
}

// seed stores a ride in status st, assigned to d1 with the reservation held.
func (f *fixture) seed(t *testing.T, st models.RideStatus) *models.Ride {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	r := &models.Ride{
		ID: "r1", ClientID: "c1", DriverID: "d1",
		Tariff: models.TariffEconomy, EstDistanceMeters: 4000, EstDurationSec: 600, EstFare: 13000,
		Status: st, RequestedAt: now, UpdatedAt: now,
	}
	if st == models.RideStatusStarted {
		r.StartedAt = &now
	}
	require.NoError(t, f.rides.CreateRide(ctx, r))
	require.NoError(t, f.presence.Reserve(ctx, "d1", "r1"))
	return r
}

func (f *fixture) driverRide(t *testing.T) string {
	t.Helper()
	p, err := f.presence.Get(context.Background(), "d1")
	require.NoError(t, err)
	return p.RideID
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.RideStatusPending)

	r, err := f.svc.Accept(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusAccepted, r.Status)
	assert.NotNil(t, r.AcceptedAt)

	_, err = f.svc.Start(ctx, "r1", "d1")
	require.NoError(t, err)

	r, err = f.svc.Complete(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusCompleted, r.Status)
	require.NotNil(t, r.Fare)
	assert.Equal(t, 13000.0, *r.Fare)
	assert.Empty(t, f.driverRide(t), "completion frees the driver")

	r, err = f.svc.MarkPaid(ctx, "r1", "c1", models.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusPaid, r.Status)

	p, err := f.presence.Get(ctx, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.AcceptedOffers)

	mirrored, ok, err := f.presence.RideStatus(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RideStatusPaid, mirrored)

	assert.Equal(t, []string{
		dispatch.EventRideAccepted, dispatch.EventRideStarted, dispatch.EventRideCompleted, dispatch.EventRidePaid,
	}, f.pub.Events(dispatch.UserChannel("c1")))
	assert.Len(t, f.pub.Events(dispatch.DriverChannel("d1")), 4)
	assert.Len(t, f.pub.Events(dispatch.RideChannel("r1")), 4)
	assert.Len(t, f.events.events, 4)
}

func TestStartOnPendingIsIllegal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusPending)

	_, err := f.svc.Start(context.Background(), "r1", "d1")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	r, err := f.rides.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusPending, r.Status, "no mutation on rejection")
}

func TestOnlyAssignedDriverMayDrive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusPending)

	_, err := f.svc.Accept(context.Background(), "r1", "d2")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteFreesDriver(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusStarted)
	require.Equal(t, "r1", f.driverRide(t))

	r, err := f.svc.Complete(context.Background(), "r1", "d1")
	require.NoError(t, err)
	assert.NotNil(t, r.CompletedAt)
	assert.Empty(t, f.driverRide(t))
}

func TestClientCancelsAcceptedRide(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusAccepted)

	r, err := f.svc.Cancel(context.Background(), "r1", "c1", models.RoleClient, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusCancelled, r.Status)
	require.NotNil(t, r.CancelReason)
	assert.Equal(t, "changed plans", *r.CancelReason)
	assert.Empty(t, f.driverRide(t))

	var update dispatch.RideUpdate
	require.True(t, f.pub.Last(dispatch.DriverChannel("d1"), dispatch.EventRideCancelled, &update))
	assert.Equal(t, "changed plans", update.Reason)
}

func TestCancelClosesPendingOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.RideStatusPending)
	require.NoError(t, f.acks.Open(ctx, "r1", "d1", time.Now().Add(time.Minute)))

	_, err := f.svc.Cancel(ctx, "r1", "c1", models.RoleClient, "changed_mind")
	require.NoError(t, err)

	ack, found, err := f.acks.State(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dispatch.AckExpired, ack.State)

	ok, err := f.acks.Resolve(ctx, "r1", "d1", true)
	require.NoError(t, err)
	assert.False(t, ok, "late acceptance cannot resolve a cancelled offer")
	assert.Empty(t, f.driverRide(t))
}

func TestCancelKeepsAnsweredOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.RideStatusAccepted)
	require.NoError(t, f.acks.Open(ctx, "r1", "d1", time.Now().Add(time.Minute)))
	ok, err := f.acks.Resolve(ctx, "r1", "d1", true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Cancel(ctx, "r1", "d1", models.RoleDriver, "")
	require.NoError(t, err)

	ack, _, err := f.acks.State(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.AckAccepted, ack.State)
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusAccepted)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, "r1", "c2", models.RoleClient, "x")
	assert.ErrorIs(t, err, ErrForbidden)
	// a driver id matching the client id must not pass as the client
	_, err = f.svc.Cancel(ctx, "r1", "c1", models.RoleDriver, "x")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Cancel(ctx, "r1", "d1", models.RoleDriver, "breakdown")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "r1", "c1", models.RoleClient, "again")
	assert.ErrorIs(t, err, ErrIllegalTransition, "cancelled is terminal")
}

func TestMarkPaidAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusCompleted)
	ctx := context.Background()

	_, err := f.svc.MarkPaid(ctx, "r1", "d1", models.RoleDriver)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.MarkPaid(ctx, "r1", "ops", models.RoleAdmin)
	require.NoError(t, err)
}

func TestAbandonOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusAccepted)

	_, err := f.svc.Abandon(context.Background(), "r1", "driver_no_response")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusAccepted)

	const callers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Start(context.Background(), "r1", "d1"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestStatusRepairsMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.RideStatusAccepted)

	st, err := f.svc.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusAccepted, st)
	got, err := f.mr.Get(presence.RideStatusKey("r1"))
	require.NoError(t, err)
	assert.Equal(t, "accepted", got)

	// a stale mirror never wins
	require.NoError(t, f.mr.Set(presence.RideStatusKey("r1"), "pending"))
	st, err = f.svc.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusAccepted, st)
	got, _ = f.mr.Get(presence.RideStatusKey("r1"))
	assert.Equal(t, "accepted", got)
}

func TestGetAuthorization(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.RideStatusPending)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "r1", "c1", models.RoleClient)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, "r1", "c9", models.RoleClient)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Get(ctx, "missing", "c1", models.RoleClient)
	assert.ErrorIs(t, err, storage.ErrRideNotFound)
}
