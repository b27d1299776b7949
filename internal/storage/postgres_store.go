package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, client_id, driver_id, pickup_lat, pickup_lng, dest_lat, dest_lng,
	pickup_address, destination_address, tariff, est_distance_m, est_duration_s, est_fare,
	distance_m, duration_s, fare, status, requested_at, accepted_at, started_at, completed_at,
	cancelled_at, cancel_reason, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

// CreateRide inserts the ride and its first history row in one transaction.
func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.ClientID, nullString(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.PickupAddress, r.DestinationAddress, r.Tariff, r.EstDistanceMeters, r.EstDurationSec, r.EstFare,
		r.DistanceMeters, r.DurationSec, r.Fare, r.Status, r.RequestedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt,
		r.CancelledAt, r.CancelReason, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	if err := insertHistory(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

// UpdateRide is an optimistic write guarded by the expected current status.
func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride, expected models.RideStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, distance_m=$3, duration_s=$4, fare=$5,
		accepted_at=$6, started_at=$7, completed_at=$8, cancelled_at=$9, cancel_reason=$10, updated_at=$11
		WHERE id=$12 AND status=$13`,
		nullString(r.DriverID), r.Status, r.DistanceMeters, r.DurationSec, r.Fare,
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancelReason, r.UpdatedAt,
		r.ID, expected)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ride %s: %w", r.ID, err)
		}
		if !exists {
			return ErrRideNotFound
		}
		return ErrConflict
	}
	if err := insertHistory(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ClientExists(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id=$1)`, clientID).Scan(&exists)
	return exists, err
}

func insertHistory(ctx context.Context, tx *sql.Tx, r *models.Ride) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ride_status_history(ride_id, status, driver_id, at) VALUES($1,$2,$3,$4)`,
		r.ID, r.Status, nullString(r.DriverID), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", r.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r        models.Ride
		driverID sql.NullString
	)
	err := row.Scan(&r.ID, &r.ClientID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.PickupAddress, &r.DestinationAddress, &r.Tariff, &r.EstDistanceMeters, &r.EstDurationSec, &r.EstFare,
		&r.DistanceMeters, &r.DurationSec, &r.Fare, &r.Status, &r.RequestedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt,
		&r.CancelledAt, &r.CancelReason, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
