// Package gateway is the realtime websocket entry point. A connection must
// authenticate with its first frame; after that it exchanges enveloped
// events and must keep sending frames or answering pings, or it is treated
// as gone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

const (
	maxFrameBytes = 64 << 10
	ctrlTimeout   = time.Second
)

type Verifier interface {
	Verify(bearer string, role models.Role) (auth.Identity, error)
}

type Presence interface {
	Connect(ctx context.Context, driverID string) error
	UpdateLocation(ctx context.Context, driverID string, c models.Coord) error
	Heartbeat(ctx context.Context, driverID string) error
	GoOffline(ctx context.Context, driverID string) error
	Get(ctx context.Context, driverID string) (models.Presence, error)
	AllowLocationUpdate(ctx context.Context, driverID string, minInterval time.Duration) (bool, error)
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, count int) ([]store.GeoMember, error)
}

// Responder applies a driver's answer to a ride offer.
type Responder interface {
	Respond(ctx context.Context, rideID, driverID string, accepted bool, reason string) (*models.Ride, error)
}

type LocationSink interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Config struct {
	AuthTimeout         time.Duration
	HeartbeatTimeout    time.Duration
	LocationMinInterval time.Duration
	InViewLimit         int
}

type Deps struct {
	Verifier  Verifier
	Presence  Presence
	Rides     Responder
	Publisher dispatch.Publisher
	Hub       *dispatch.Hub
	Locations LocationSink
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

type Gateway struct {
	Deps
	cfg      Config
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.InViewLimit <= 0 {
		cfg.InViewLimit = 50
	}
	return &Gateway{
		Deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	id, err := g.authenticate(conn)
	if err != nil {
		g.Logger.Info("ws_auth_failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(ctrlTimeout))
		_ = conn.WriteJSON(mustMessage(dispatch.EventAuthError, dispatch.ErrorPayload{Code: "unauthorized", Message: authMessage(err)}))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(ctrlTimeout))
		return
	}

	// the connection outlives the upgrade request's context
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess := dispatch.NewSession(id.UserID, id.Role, conn)
	g.open(ctx, sess)
	defer g.close(sess)

	if err := sess.SendEvent(dispatch.EventAuthSuccess, dispatch.AuthSuccess{UserID: id.UserID, Role: id.Role}); err != nil {
		return
	}

	g.heartbeat(ctx, conn)
	g.readLoop(ctx, conn, sess)
}

func (g *Gateway) authenticate(conn *websocket.Conn) (auth.Identity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	mt, frame, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, errAuthTimeout
	}
	if mt != websocket.TextMessage {
		return auth.Identity{}, errBadAuthFrame
	}
	var msg dispatch.Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Event != dispatch.EventAuth {
		return auth.Identity{}, errBadAuthFrame
	}
	var req dispatch.AuthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || !req.Role.Valid() {
		return auth.Identity{}, errBadAuthFrame
	}
	return g.Verifier.Verify(req.Token, req.Role)
}

var (
	errAuthTimeout  = errors.New("authentication timeout")
	errBadAuthFrame = errors.New("first frame must be an auth event with token and role")
)

func authMessage(err error) string {
	switch {
	case errors.Is(err, errAuthTimeout), errors.Is(err, errBadAuthFrame):
		return err.Error()
	}
	return "invalid credentials"
}

// open joins the session to its inbox and, for drivers, brings presence online.
func (g *Gateway) open(ctx context.Context, sess *dispatch.Session) {
	g.Metrics.Sessions.WithLabelValues(string(sess.Role)).Inc()
	if sess.Role == models.RoleDriver {
		g.Hub.Join(sess, dispatch.DriverChannel(sess.UserID))
		if err := g.Presence.Connect(ctx, sess.UserID); err != nil {
			g.Logger.Warn("presence_connect_failed", "driver_id", sess.UserID, "error", err)
		}
		g.publishStatus(ctx, sess.UserID, models.DriverOnline, "connected")
	} else {
		g.Hub.Join(sess, dispatch.UserChannel(sess.UserID))
	}
	g.Logger.Info("ws_connected", "session", sess.ID, "user_id", sess.UserID, "role", sess.Role)
}

// close handles both graceful and silent disconnects the same way a
// go-offline would, unless the driver still has another session here.
func (g *Gateway) close(sess *dispatch.Session) {
	g.Hub.Remove(sess)
	g.Metrics.Sessions.WithLabelValues(string(sess.Role)).Dec()
	g.Logger.Info("ws_disconnected", "session", sess.ID, "user_id", sess.UserID, "role", sess.Role)
	if sess.Role != models.RoleDriver || g.Hub.Members(dispatch.DriverChannel(sess.UserID)) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Presence.GoOffline(ctx, sess.UserID); err != nil {
		g.Logger.Warn("presence_offline_failed", "driver_id", sess.UserID, "error", err)
	}
	g.publishStatus(ctx, sess.UserID, models.DriverOffline, "disconnected")
}

// heartbeat arms the read deadline and pings at half the timeout. Any frame
// or pong from the peer pushes the deadline out.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn) {
	timeout := g.cfg.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	go func() {
		ticker := time.NewTicker(timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *dispatch.Session) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				g.Logger.Info("ws_heartbeat_timeout", "session", sess.ID, "user_id", sess.UserID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.Logger.Info("ws_unexpected_close", "session", sess.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HeartbeatTimeout))

		var msg dispatch.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			g.sendError(sess, "invalid_payload", "malformed frame")
			continue
		}
		g.handle(ctx, sess, msg)
	}
}

func (g *Gateway) publishStatus(ctx context.Context, driverID string, status models.DriverStatus, reason string) {
	err := dispatch.PublishEvent(ctx, g.Publisher, dispatch.DriverWatchersChannel(driverID), dispatch.EventDriverStatus,
		dispatch.DriverStatus{DriverID: driverID, Status: status, Reason: reason})
	if err != nil {
		g.Logger.Warn("status_publish_failed", "driver_id", driverID, "error", err)
	}
}

func (g *Gateway) sendError(sess *dispatch.Session, code, message string) {
	_ = sess.SendEvent(dispatch.EventError, dispatch.ErrorPayload{Code: code, Message: message})
}

func mustMessage(event string, data any) dispatch.Message {
	msg, err := dispatch.NewMessage(event, data)
	if err != nil {
		return dispatch.Message{Event: event}
	}
	return msg
}
