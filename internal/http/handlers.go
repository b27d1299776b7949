package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store"
)

type Assigner interface {
	CreateRide(ctx context.Context, req assign.Request) (*models.Ride, error)
	Respond(ctx context.Context, rideID, driverID string, accepted bool, reason string) (*models.Ride, error)
}

type Lifecycle interface {
	Start(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	MarkPaid(ctx context.Context, rideID, userID string, role models.Role) (*models.Ride, error)
	Cancel(ctx context.Context, rideID, userID string, role models.Role, reason string) (*models.Ride, error)
	Get(ctx context.Context, rideID, userID string, role models.Role) (*models.Ride, error)
	Status(ctx context.Context, rideID string) (models.RideStatus, error)
}

type Authenticator interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

type LocationSink interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Rides     Assigner
	Lifecycle Lifecycle
	Auth      Authenticator
	Locations LocationSink
	// Realtime serves the websocket upgrade.
	Realtime http.Handler
	Ready    map[string]Check
	Gatherer prometheus.Gatherer
}

type Server struct {
	deps    Deps
	logger  *slog.Logger
	metrics *observability.Metrics
	mux     *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger, metrics *observability.Metrics) *Server {
	s := &Server{deps: deps, logger: logger, metrics: metrics, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if s.deps.Realtime != nil {
		s.mux.Handle("/ws", s.deps.Realtime)
	}

	s.mux.Handle("/rides", s.authMiddleware(http.HandlerFunc(s.handleCreateRide))).Methods("POST")
	rides := s.mux.PathPrefix("/rides").Subrouter()
	rides.Use(s.authMiddleware)
	rides.HandleFunc("/{id}", s.handleGetRide).Methods("GET")
	rides.HandleFunc("/{id}/status", s.handleRideStatus).Methods("GET")
	rides.HandleFunc("/{id}/accept", s.handleRespond(true)).Methods("POST")
	rides.HandleFunc("/{id}/decline", s.handleRespond(false)).Methods("POST")
	rides.HandleFunc("/{id}/start", s.handleDriverStep(s.deps.Lifecycle.Start)).Methods("POST")
	rides.HandleFunc("/{id}/complete", s.handleDriverStep(s.deps.Lifecycle.Complete)).Methods("POST")
	rides.HandleFunc("/{id}/cancel", s.handleCancel).Methods("POST")
	rides.HandleFunc("/{id}/pay", s.handlePay).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if loc.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	if err := geo.ValidateCoord(loc.Loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	if err := s.deps.Locations.PublishLocation(r.Context(), loc); err != nil {
		s.logger.Error("location_ingest_failed", "driver_id", loc.DriverID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location stream unavailable")
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var req assign.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch id.Role {
	case models.RoleClient:
		req.ClientID = id.UserID
	case models.RoleAdmin:
	default:
		writeError(w, http.StatusForbidden, "only clients request rides")
		return
	}
	ride, err := s.deps.Rides.CreateRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	ride, err := s.deps.Lifecycle.Get(r.Context(), mux.Vars(r)["id"], id.UserID, id.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	rideID := mux.Vars(r)["id"]
	if _, err := s.deps.Lifecycle.Get(r.Context(), rideID, id.UserID, id.Role); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := s.deps.Lifecycle.Status(r.Context(), rideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "status": status})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRespond(accepted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mustIdentity(r)
		if id.Role != models.RoleDriver {
			writeError(w, http.StatusForbidden, "only drivers answer offers")
			return
		}
		var body reasonBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		rideID := mux.Vars(r)["id"]
		ride, err := s.deps.Rides.Respond(r.Context(), rideID, id.UserID, accepted, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if ride == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideID, "accepted": false})
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleDriverStep(step func(ctx context.Context, rideID, driverID string) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mustIdentity(r)
		if id.Role != models.RoleDriver {
			writeError(w, http.StatusForbidden, "only the assigned driver may do this")
			return
		}
		ride, err := step(r.Context(), mux.Vars(r)["id"], id.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var body reasonBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	ride, err := s.deps.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], id.UserID, id.Role, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	ride, err := s.deps.Lifecycle.MarkPaid(r.Context(), mux.Vars(r)["id"], id.UserID, id.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// fail maps domain errors to status codes. Anything unrecognised is a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request_failed", "route", routeTemplate(r), "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, assign.ErrInvalidInput), errors.Is(err, geo.ErrInvalidCoord):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrRideNotFound), errors.Is(err, assign.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrIllegalTransition), errors.Is(err, storage.ErrConflict), errors.Is(err, assign.ErrOfferClosed),
		errors.Is(err, assign.ErrRideCancelled):
		return http.StatusConflict
	case errors.Is(err, assign.ErrDriverNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, assign.ErrNoDriversAvailable), errors.Is(err, assign.ErrDriverDeclined), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
