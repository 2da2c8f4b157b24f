// Package httpapi is the request/response glue around the dispatch
// core: ride CRUD endpoints, the authenticated WebSocket entry point,
// health and metrics.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	store    storage.RideStore
	manager  *dispatch.Manager
	verifier *auth.Verifier
	realtime *realtime.Handler
	hub      *gateway.Hub
	pay      payments.Processor // optional
	mux      *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, store storage.RideStore, manager *dispatch.Manager,
	verifier *auth.Verifier, rt *realtime.Handler, hub *gateway.Hub, pay payments.Processor) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		manager:  manager,
		verifier: verifier,
		realtime: rt,
		hub:      hub,
		pay:      pay,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{id}/status", s.handleUpdateStatus).Methods("PATCH")

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	var in models.RideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, domain.Validationf("invalid body: %v", err))
		return
	}
	if err := validateRideInput(in); err != nil {
		s.writeError(w, err)
		return
	}

	distance := fare.Distance(in.Pickup.Lat, in.Pickup.Lon, in.Drop.Lat, in.Drop.Lon)
	amount, err := fare.Fare(distance, in.Vehicle)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ride := &models.Ride{
		CustomerID:     ident.ID,
		Vehicle:        in.Vehicle,
		Pickup:         in.Pickup,
		Drop:           in.Drop,
		DistanceMeters: distance,
		Fare:           amount,
	}
	if err := s.store.Create(ride); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("ride created", "ride_id", ride.ID, "customer_id", ident.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{"message": "Ride created successfully", "ride": ride})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	if ident.Role != auth.RoleDriver {
		s.writeError(w, domain.Authf("accepting requires driver role"))
		return
	}
	rideID := mux.Vars(r)["id"]
	ride, err := s.manager.Accept(r.Context(), rideID, ident.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Ride accepted successfully", "ride": ride})
}

// statusPrecondition maps each status a client may request to the state
// the ride must currently be in.
var statusPrecondition = map[models.Status]models.Status{
	models.StatusArrived:   models.StatusMatched,
	models.StatusCompleted: models.StatusArrived,
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, domain.Validationf("invalid body: %v", err))
		return
	}
	from, ok := statusPrecondition[body.Status]
	if !ok {
		s.writeError(w, domain.Validationf("invalid ride status %q", body.Status))
		return
	}
	ride, err := s.store.Transition(rideID, from, body.Status, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if body.Status == models.StatusCompleted && s.pay != nil && ride.PaymentRef != "" {
		if err := s.pay.Capture(r.Context(), ride.PaymentRef); err != nil {
			s.logger.Warn("fare capture failed", "ride_id", rideID, "error", err)
		}
	}
	s.hub.PublishToRide(rideID, "rideUpdate", ride)
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Ride status updated to " + string(body.Status), "ride": ride})
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !models.KnownStatus(status) {
		s.writeError(w, domain.Validationf("unknown status %q", status))
		return
	}
	rides, err := s.store.ListByParticipant(ident.ID, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(rides), "rides": rides})
}

// handleWS authenticates the handshake before any event handler can
// run; a missing or invalid token refuses the connection outright.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.verifier.Verify(handshakeToken(r))
	if err != nil {
		http.Error(w, "authentication invalid", http.StatusUnauthorized)
		return
	}
	conn, err := gateway.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	ws := gateway.NewWSConn(conn)
	defer ws.Close()
	s.realtime.Serve(ws, ident)
}

func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func validateRideInput(in models.RideInput) error {
	if in.Vehicle == "" {
		return domain.Validationf("vehicle is required")
	}
	if err := validatePlace("pickup", in.Pickup); err != nil {
		return err
	}
	return validatePlace("drop", in.Drop)
}

func validatePlace(name string, p models.Place) error {
	if p.Address == "" {
		return domain.Validationf("%s address is required", name)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return domain.Validationf("%s coordinates out of range", name)
	}
	if p.Lat == 0 && p.Lon == 0 {
		return domain.Validationf("%s coordinates are required", name)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"message": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
