package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func sampleRide() *models.Ride {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &models.Ride{
		ID:                "r1",
		ClientID:          "c1",
		DriverID:          "d1",
		Pickup:            models.Coord{Lat: 41.30, Lon: 69.24},
		Destination:       models.Coord{Lat: 41.32, Lon: 69.28},
		Tariff:            models.TariffEconomy,
		EstDistanceMeters: 4200,
		EstDurationSec:    600,
		EstFare:           13300,
		Status:            models.RideStatusPending,
		RequestedAt:       now,
		UpdatedAt:         now,
	}
}

func TestCreateRideCommitsWithHistory(t *testing.T) {
	store, mock := setupMockDB(t)
	r := sampleRide()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rides(")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ride_status_history")).
		WithArgs("r1", models.RideStatusPending, "d1", r.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateRide(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRideRollsBackOnFailure(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rides(")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.CreateRide(context.Background(), sampleRide())
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func rideRows(r *models.Ride) *sqlmock.Rows {
	cols := []string{"id", "client_id", "driver_id", "pickup_lat", "pickup_lng", "dest_lat", "dest_lng",
		"pickup_address", "destination_address", "tariff", "est_distance_m", "est_duration_s", "est_fare",
		"distance_m", "duration_s", "fare", "status", "requested_at", "accepted_at", "started_at", "completed_at",
		"cancelled_at", "cancel_reason", "updated_at"}
	return sqlmock.NewRows(cols).AddRow(r.ID, r.ClientID, nil, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		"", "", string(r.Tariff), r.EstDistanceMeters, r.EstDurationSec, r.EstFare,
		nil, nil, nil, string(r.Status), r.RequestedAt, nil, nil, nil,
		nil, nil, r.UpdatedAt)
}

func TestGetRide(t *testing.T) {
	store, mock := setupMockDB(t)
	want := sampleRide()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, client_id, driver_id")).
		WithArgs("r1").
		WillReturnRows(rideRows(want))

	got, err := store.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Empty(t, got.DriverID)
	assert.Equal(t, models.TariffEconomy, got.Tariff)
	assert.Equal(t, models.RideStatusPending, got.Status)
	assert.Nil(t, got.AcceptedAt)
	assert.Nil(t, got.Fare)
}

func TestGetRideNotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, client_id")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetRide(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRideNotFound)
}

func TestUpdateRideOptimistic(t *testing.T) {
	store, mock := setupMockDB(t)
	r := sampleRide()
	r.Status = models.RideStatusAccepted

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ride_status_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateRide(context.Background(), r, models.RideStatusPending))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRideConflictAndMissing(t *testing.T) {
	store, mock := setupMockDB(t)
	r := sampleRide()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM rides")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	assert.ErrorIs(t, store.UpdateRide(context.Background(), r, models.RideStatusAccepted), ErrConflict)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM rides")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()
	assert.ErrorIs(t, store.UpdateRide(context.Background(), r, models.RideStatusAccepted), ErrRideNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClientExists(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM clients")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.ClientExists(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}
