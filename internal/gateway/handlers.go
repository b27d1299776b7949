package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// Location update results, as counted in metrics.
const (
	locAccepted  = "accepted"
	locDebounced = "debounced"
	locInvalid   = "invalid"
)

func (g *Gateway) handle(ctx context.Context, sess *dispatch.Session, msg dispatch.Message) {
	switch msg.Event {
	case dispatch.EventLocationUpdate:
		if g.driverOnly(sess, msg.Event) {
			g.handleLocation(ctx, sess, msg.Data)
		}
	case dispatch.EventGoOffline:
		if g.driverOnly(sess, msg.Event) {
			g.handleGoOffline(ctx, sess)
		}
	case dispatch.EventDriverSubscribe, dispatch.EventRideSubscribe:
		g.handleSubscribe(sess, msg)
	case dispatch.EventDriversInView:
		if sess.Role != models.RoleClient {
			g.sendError(sess, "forbidden", msg.Event+" is for clients")
			return
		}
		g.handleInView(ctx, sess, msg.Data)
	case dispatch.EventRideRespond:
		if g.driverOnly(sess, msg.Event) {
			g.handleRespond(ctx, sess, msg.Data)
		}
	case dispatch.EventHeartbeat:
		if sess.Role == models.RoleDriver {
			if err := g.Presence.Heartbeat(ctx, sess.UserID); err != nil {
				g.Logger.Warn("presence_heartbeat_failed", "driver_id", sess.UserID, "error", err)
			}
		}
		_ = sess.SendEvent(dispatch.EventHeartbeat, map[string]time.Time{"at": time.Now().UTC()})
	default:
		g.sendError(sess, "unknown_event", "unsupported event "+msg.Event)
	}
}

func (g *Gateway) driverOnly(sess *dispatch.Session, event string) bool {
	if sess.Role == models.RoleDriver {
		return true
	}
	g.sendError(sess, "forbidden", event+" is for drivers")
	return false
}

func (g *Gateway) handleLocation(ctx context.Context, sess *dispatch.Session, data json.RawMessage) {
	var upd dispatch.LocationUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		g.Metrics.LocationEvents.WithLabelValues(locInvalid).Inc()
		g.sendError(sess, "invalid_payload", "location must carry lat and lng")
		return
	}
	c := models.Coord{Lat: upd.Lat, Lon: upd.Lng}
	if err := geo.ValidateCoord(c); err != nil {
		g.Metrics.LocationEvents.WithLabelValues(locInvalid).Inc()
		g.sendError(sess, "invalid_location", err.Error())
		return
	}

	driverID := sess.UserID
	ok, err := g.Presence.AllowLocationUpdate(ctx, driverID, g.cfg.LocationMinInterval)
	if err != nil {
		g.Logger.Warn("location_debounce_failed", "driver_id", driverID, "error", err)
		ok = true
	}
	if !ok {
		g.Metrics.LocationEvents.WithLabelValues(locDebounced).Inc()
		return
	}
	if err := g.Presence.UpdateLocation(ctx, driverID, c); err != nil {
		g.Metrics.StoreErrors.WithLabelValues("location_update").Inc()
		g.Logger.Error("location_update_failed", "driver_id", driverID, "error", err)
		g.sendError(sess, "unavailable", "location could not be recorded")
		return
	}
	g.Metrics.LocationEvents.WithLabelValues(locAccepted).Inc()

	// the reservation decides which ride sees the position, not the payload
	rideID := ""
	if p, err := g.Presence.Get(ctx, driverID); err == nil {
		rideID = p.RideID
	}
	now := time.Now().UTC()
	out := dispatch.DriverLocation{DriverID: driverID, Lat: c.Lat, Lng: c.Lon, RideID: rideID, Timestamp: now}
	g.publish(ctx, dispatch.DriverWatchersChannel(driverID), dispatch.EventDriverLocation, out)
	if rideID != "" {
		g.publish(ctx, dispatch.RideChannel(rideID), dispatch.EventDriverLocation, out)
	}
	if g.Locations != nil {
		loc := models.DriverLocation{DriverID: driverID, Loc: c, RideID: rideID, Timestamp: now}
		if err := g.Locations.PublishLocation(ctx, loc); err != nil {
			g.Logger.Warn("location_sink_failed", "driver_id", driverID, "error", err)
		}
	}
}

func (g *Gateway) handleGoOffline(ctx context.Context, sess *dispatch.Session) {
	if err := g.Presence.GoOffline(ctx, sess.UserID); err != nil {
		g.Metrics.StoreErrors.WithLabelValues("go_offline").Inc()
		g.Logger.Error("presence_offline_failed", "driver_id", sess.UserID, "error", err)
		g.sendError(sess, "unavailable", "could not go offline")
		return
	}
	g.publishStatus(ctx, sess.UserID, models.DriverOffline, "went_offline")
	g.Logger.Info("driver_went_offline", "driver_id", sess.UserID)
}

func (g *Gateway) handleSubscribe(sess *dispatch.Session, msg dispatch.Message) {
	var req dispatch.SubscribeRequest
	_ = json.Unmarshal(msg.Data, &req)

	var channel string
	switch {
	case msg.Event == dispatch.EventDriverSubscribe && req.DriverID != "":
		channel = dispatch.DriverWatchersChannel(req.DriverID)
	case msg.Event == dispatch.EventRideSubscribe && req.RideID != "":
		channel = dispatch.RideChannel(req.RideID)
	default:
		g.sendError(sess, "invalid_payload", "subscription target is required")
		return
	}
	g.Hub.Join(sess, channel)
	_ = sess.SendEvent(dispatch.EventSubscribed, dispatch.Subscribed{Channel: channel})
}

func (g *Gateway) handleInView(ctx context.Context, sess *dispatch.Session, data json.RawMessage) {
	var req dispatch.InViewRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, "invalid_payload", "bounding box is required")
		return
	}
	box := geo.BoundingBox{NorthEast: req.NorthEast, SouthWest: req.SouthWest}
	if err := box.Validate(); err != nil {
		g.sendError(sess, "invalid_bounds", err.Error())
		return
	}
	members, err := g.Presence.Nearby(ctx, box.Center(), box.Radius(), g.cfg.InViewLimit)
	if err != nil {
		g.Metrics.StoreErrors.WithLabelValues("in_view").Inc()
		g.Logger.Error("in_view_query_failed", "error", err)
		g.sendError(sess, "unavailable", "drivers could not be listed")
		return
	}
	out := make([]dispatch.DriverPosition, 0, len(members))
	for _, m := range members {
		// the radius circle overhangs the box corners
		if !box.Contains(models.Coord{Lat: m.Lat, Lon: m.Lon}) {
			continue
		}
		out = append(out, dispatch.DriverPosition{DriverID: m.Name, Lat: m.Lat, Lng: m.Lon})
	}
	_ = sess.SendEvent(dispatch.EventDriversInViewResult, out)
}

func (g *Gateway) handleRespond(ctx context.Context, sess *dispatch.Session, data json.RawMessage) {
	var req dispatch.RideRespond
	if err := json.Unmarshal(data, &req); err != nil || req.RideID == "" {
		g.sendError(sess, "invalid_payload", "rideId is required")
		return
	}
	if _, err := g.Rides.Respond(ctx, req.RideID, sess.UserID, req.Accepted, req.Reason); err != nil {
		g.Logger.Info("ride_respond_rejected", "ride_id", req.RideID, "driver_id", sess.UserID, "error", err)
		g.sendError(sess, respondCode(err), err.Error())
	}
}

func respondCode(err error) string {
	switch {
	case errors.Is(err, assign.ErrOfferClosed):
		return "offer_closed"
	case errors.Is(err, lifecycle.ErrForbidden):
		return "forbidden"
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		return "illegal_transition"
	}
	return "respond_failed"
}

func (g *Gateway) publish(ctx context.Context, channel, event string, data any) {
	if err := dispatch.PublishEvent(ctx, g.Publisher, channel, event, data); err != nil {
		g.Logger.Warn("realtime_publish_failed", "channel", channel, "event", event, "error", err)
	}
}
