// Package dispatch carries real-time events between instances and to the
// websocket sessions connected to this one.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Inbound events.
const (
	EventAuth            = "auth"
	EventLocationUpdate  = "location:update"
	EventGoOffline       = "driver:go-offline"
	EventDriverSubscribe = "driver:subscribe"
	EventRideSubscribe   = "ride:subscribe"
	EventDriversInView   = "drivers:in-view"
	EventRideRespond     = "ride:respond"
	EventHeartbeat       = "heartbeat"
)

// Outbound events.
const (
	EventAuthSuccess         = "auth:success"
	EventAuthError           = "auth:error"
	EventDriverLocation      = "driver:location:update"
	EventDriverStatus        = "driver:status:update"
	EventDriversInViewResult = "drivers:in-view:response"
	EventRideRequest         = "ride:request"
	EventRideAccepted        = "ride:accepted"
	EventRideRejected        = "ride:rejected"
	EventRideStarted         = "ride:started"
	EventRideCompleted       = "ride:completed"
	EventRidePaid            = "ride:paid"
	EventRideCancelled       = "ride:cancelled"
	EventSubscribed          = "subscribed"
	EventError               = "error"
)

// Message is the wire envelope for every websocket frame.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event string, data any) (Message, error) {
	if data == nil {
		return Message{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: raw}, nil
}

// Publisher fans a message out to every session joined to channel, on any instance.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg Message) error
}

// PublishEvent builds the envelope and publishes it.
func PublishEvent(ctx context.Context, p Publisher, channel, event string, data any) error {
	msg, err := NewMessage(event, data)
	if err != nil {
		return err
	}
	return p.Publish(ctx, channel, msg)
}

func DriverChannel(driverID string) string         { return "driver:" + driverID }
func DriverWatchersChannel(driverID string) string { return "driver:" + driverID + ":watchers" }
func RideChannel(rideID string) string             { return "ride:" + rideID }
func UserChannel(userID string) string             { return "user:" + userID }

type AuthRequest struct {
	Token string      `json:"token"`
	Role  models.Role `json:"role"`
}

type AuthSuccess struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type LocationUpdate struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	RideID string  `json:"rideId,omitempty"`
}

type DriverLocation struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	RideID    string    `json:"rideId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverStatus struct {
	DriverID string              `json:"driverId"`
	Status   models.DriverStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
}

type SubscribeRequest struct {
	DriverID string `json:"driverId,omitempty"`
	RideID   string `json:"rideId,omitempty"`
}

type Subscribed struct {
	Channel string `json:"channel"`
}

type InViewRequest struct {
	NorthEast models.Coord `json:"northEast"`
	SouthWest models.Coord `json:"southWest"`
}

type DriverPosition struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type RideRespond struct {
	RideID   string `json:"rideId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// RideRequest is the offer pushed to a claimed driver.
type RideRequest struct {
	RideID      string        `json:"rideId"`
	Pickup      models.Coord  `json:"pickup"`
	Destination models.Coord  `json:"destination"`
	PickupAddr  string        `json:"pickupAddress,omitempty"`
	DestAddr    string        `json:"destinationAddress,omitempty"`
	Fare        float64       `json:"fare"`
	Tariff      models.Tariff `json:"tariff"`
	ExpiresAt   time.Time     `json:"expiresAt"`
}

// RideUpdate accompanies every lifecycle and offer-result event.
type RideUpdate struct {
	RideID   string            `json:"rideId"`
	DriverID string            `json:"driverId,omitempty"`
	Status   models.RideStatus `json:"status,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}
