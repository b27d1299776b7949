package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const secret = "test-secret"

type fakeAssigner struct {
	lastReq   assign.Request
	createErr error
	delay     time.Duration
	responded []string
}

func (f *fakeAssigner) CreateRide(ctx context.Context, req assign.Request) (*models.Ride, error) {
	f.lastReq = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Ride{ID: "r1", ClientID: req.ClientID, DriverID: "d1", Status: models.RideStatusAccepted}, nil
}

func (f *fakeAssigner) Respond(_ context.Context, rideID, driverID string, accepted bool, _ string) (*models.Ride, error) {
	f.responded = append(f.responded, fmt.Sprintf("%s/%s/%t", rideID, driverID, accepted))
	if !accepted {
		return nil, nil
	}
	return &models.Ride{ID: rideID, DriverID: driverID, Status: models.RideStatusAccepted}, nil
}

type fakeLifecycle struct {
	ride *models.Ride
	err  error
}

func (f *fakeLifecycle) result(status models.RideStatus) (*models.Ride, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.ride.Clone()
	r.Status = status
	return r, nil
}

func (f *fakeLifecycle) Start(context.Context, string, string) (*models.Ride, error) {
	return f.result(models.RideStatusStarted)
}
func (f *fakeLifecycle) Complete(context.Context, string, string) (*models.Ride, error) {
	return f.result(models.RideStatusCompleted)
}
func (f *fakeLifecycle) MarkPaid(context.Context, string, string, models.Role) (*models.Ride, error) {
	return f.result(models.RideStatusPaid)
}
func (f *fakeLifecycle) Cancel(context.Context, string, string, models.Role, string) (*models.Ride, error) {
	return f.result(models.RideStatusCancelled)
}
func (f *fakeLifecycle) Get(_ context.Context, rideID, userID string, _ models.Role) (*models.Ride, error) {
	if f.err != nil {
		return nil, f.err
	}
	if rideID != f.ride.ID {
		return nil, storage.ErrRideNotFound
	}
	if userID != f.ride.ClientID && userID != f.ride.DriverID {
		return nil, lifecycle.ErrForbidden
	}
	return f.ride.Clone(), nil
}
func (f *fakeLifecycle) Status(context.Context, string) (models.RideStatus, error) {
	return f.ride.Status, f.err
}

type sinkFunc func(models.DriverLocation) error

func (f sinkFunc) PublishLocation(_ context.Context, loc models.DriverLocation) error { return f(loc) }

type fixture struct {
	srv       *Server
	assigner  *fakeAssigner
	lifecycle *fakeLifecycle
	located   []models.DriverLocation
	ready     error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		assigner: &fakeAssigner{},
		lifecycle: &fakeLifecycle{ride: &models.Ride{
			ID: "r1", ClientID: "c1", DriverID: "d1", Status: models.RideStatusAccepted,
		}},
	}
	reg := prometheus.NewRegistry()
	f.srv = NewServer(Deps{
		Rides:     f.assigner,
		Lifecycle: f.lifecycle,
		Auth: auth.NewVerifier(map[models.Role]string{
			models.RoleClient: secret,
			models.RoleDriver: secret,
			models.RoleAdmin:  secret,
		}),
		Locations: sinkFunc(func(loc models.DriverLocation) error {
			f.located = append(f.located, loc)
			return nil
		}),
		Ready:    map[string]Check{"redis": func(context.Context) error { return f.ready }},
		Gatherer: reg,
	}, logging.Discard(), observability.NewMetrics(reg))
	return f
}

func (f *fixture) do(t *testing.T, method, path, userID string, role models.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := auth.SignHMAC(secret, userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", "", nil).Code)

	f.ready = errors.New("connection refused")
	rec := f.do(t, http.MethodGet, "/readyz", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestCreateRideUsesCallerAsClient(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/rides", "c1", models.RoleClient, assign.Request{
		ClientID:    "someone-else",
		Pickup:      models.Coord{Lat: 41.3, Lon: 69.24},
		Destination: models.Coord{Lat: 41.32, Lon: 69.28},
		Tariff:      models.TariffEconomy,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", f.assigner.lastReq.ClientID)

	var ride models.Ride
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ride))
	assert.Equal(t, "r1", ride.ID)
}

func TestCreateRideRequiresAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/rides", "", "", assign.Request{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRideForbiddenForDrivers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/rides", "d1", models.RoleDriver, assign.Request{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateRideErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad pickup", assign.ErrInvalidInput), http.StatusBadRequest},
		{assign.ErrClientNotFound, http.StatusNotFound},
		{assign.ErrNoDriversAvailable, http.StatusServiceUnavailable},
		{assign.ErrDriverDeclined, http.StatusServiceUnavailable},
		{assign.ErrDriverNoResponse, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", assign.ErrDriverNoResponse, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{assign.ErrRideCancelled, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.assigner.createErr = tc.err
			rec := f.do(t, http.MethodPost, "/rides", "c1", models.RoleClient, assign.Request{})
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCreateRideRejectionReachesClientBeforeWriteTimeout(t *testing.T) {
	f := newFixture(t)
	// an assignment that gives up just inside the server's write timeout
	f.assigner.delay = 150 * time.Millisecond
	f.assigner.createErr = assign.ErrDriverNoResponse
	ts := httptest.NewUnstartedServer(f.srv)
	ts.Config.WriteTimeout = 400 * time.Millisecond
	ts.Start()
	defer ts.Close()

	token, err := auth.SignHMAC(secret, "c1", models.RoleClient, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rides", strings.NewReader(`{"tariff":"economy"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body)
}

func TestGetRide(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/rides/r1", "c1", models.RoleClient, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/rides/r1", "c2", models.RoleClient, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/rides/nope", "c1", models.RoleClient, nil).Code)
}

func TestRideStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/rides/r1/status", "d1", models.RoleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"accepted"`)
}

func TestAcceptAndDeclineRouteToAssigner(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rides/r1/accept", "d1", models.RoleDriver, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rides/r1/decline", "d1", models.RoleDriver, reasonBody{Reason: "too far"}).Code)
	assert.Equal(t, []string{"r1/d1/true", "r1/d1/false"}, f.assigner.responded)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/rides/r1/accept", "c1", models.RoleClient, nil).Code)
}

func TestLifecycleSteps(t *testing.T) {
	f := newFixture(t)
	for path, want := range map[string]models.RideStatus{
		"/rides/r1/start":    models.RideStatusStarted,
		"/rides/r1/complete": models.RideStatusCompleted,
	} {
		rec := f.do(t, http.MethodPost, path, "d1", models.RoleDriver, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var ride models.Ride
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&ride))
		assert.Equal(t, want, ride.Status)
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rides/r1/pay", "c1", models.RoleClient, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rides/r1/cancel", "c1", models.RoleClient, reasonBody{Reason: "changed plans"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/rides/r1/start", "c1", models.RoleClient, nil).Code)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.err = fmt.Errorf("%w: pending -> started", lifecycle.ErrIllegalTransition)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/rides/r1/start", "d1", models.RoleDriver, nil).Code)
}

func TestDriverLocationIngest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/driver/locations", "", "", models.DriverLocation{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 41.3, Lon: 69.24},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.located, 1)
	assert.False(t, f.located[0].Timestamp.IsZero())

	rec = f.do(t, http.MethodPost, "/internal/driver/locations", "", "", models.DriverLocation{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 123, Lon: 69.24},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExportsRequests(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", "", "", nil)
	rec := f.do(t, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ride_dispatch_http_requests_total{method="GET",path="/healthz",status="200"}`))
}
