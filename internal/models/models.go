package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Tariff is the service class a ride is requested under.
type Tariff string

const (
	TariffEconomy  Tariff = "economy"
	TariffComfort  Tariff = "comfort"
	TariffBusiness Tariff = "business"
)

// Role identifies which party a caller acts as.
type Role string

const (
	RoleClient Role = "client"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

type RideStatus string

const (
	RideStatusPending   RideStatus = "pending"
	RideStatusAccepted  RideStatus = "accepted"
	RideStatusStarted   RideStatus = "started"
	RideStatusCompleted RideStatus = "completed"
	RideStatusPaid      RideStatus = "paid"
	RideStatusCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == RideStatusPaid || s == RideStatusCancelled
}

// Ride is the durable ride record.
type Ride struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"client_id"`
	DriverID           string     `json:"driver_id,omitempty"`
	Pickup             Coord      `json:"pickup"`
	Destination        Coord      `json:"destination"`
	PickupAddress      string     `json:"pickup_address,omitempty"`
	DestinationAddress string     `json:"destination_address,omitempty"`
	Tariff             Tariff     `json:"tariff"`
	EstDistanceMeters  float64    `json:"estimated_distance_m"`
	EstDurationSec     float64    `json:"estimated_duration_s"`
	EstFare            float64    `json:"estimated_fare"`
	DistanceMeters     *float64   `json:"distance_m,omitempty"`
	DurationSec        *float64   `json:"duration_s,omitempty"`
	Fare               *float64   `json:"fare,omitempty"`
	Status             RideStatus `json:"status"`
	RequestedAt        time.Time  `json:"requested_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelReason       *string    `json:"cancel_reason,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Clone returns a copy whose pointer fields do not alias the receiver.
func (r *Ride) Clone() *Ride {
	c := *r
	c.DistanceMeters = clonePtr(r.DistanceMeters)
	c.DurationSec = clonePtr(r.DurationSec)
	c.Fare = clonePtr(r.Fare)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	c.CancelReason = clonePtr(r.CancelReason)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
)

// Presence is the live snapshot of a driver held in the fast store.
type Presence struct {
	DriverID       string       `json:"driver_id"`
	Status         DriverStatus `json:"status"`
	Loc            *Coord       `json:"loc,omitempty"`
	RideID         string       `json:"ride_id,omitempty"`
	AcceptedOffers int64        `json:"accepted_offers"`
	TotalOffers    int64        `json:"total_offers"`
}

// Available reports whether the driver may be offered a ride.
func (p Presence) Available() bool {
	return p.Status == DriverOnline && p.RideID == ""
}

// AcceptanceRate returns accepted/total, or def when there is no history.
func (p Presence) AcceptanceRate(def float64) float64 {
	if p.TotalOffers <= 0 {
		return def
	}
	rate := float64(p.AcceptedOffers) / float64(p.TotalOffers)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// DriverLocation is a single position report, as carried on the ingest topic.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	RideID    string    `json:"ride_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RideEvent is emitted on every lifecycle change.
type RideEvent struct {
	RideID   string     `json:"ride_id"`
	ClientID string     `json:"client_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Status   RideStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}
