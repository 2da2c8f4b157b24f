// Package realtime maps client events arriving on a WebSocket connection
// onto the dispatch core: driver duty and location reports, customer
// zone subscriptions, ride searches, acceptances and cancellations.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

const mirrorTimeout = 2 * time.Second

// ClientConn is the connection surface the handler drives: the gateway's
// outbound send plus the inbound envelope reader.
type ClientConn interface {
	gateway.Conn
	ReadEnvelope() (gateway.Envelope, error)
}

type Handler struct {
	Registry *registry.Registry
	Hub      *gateway.Hub
	Manager  *dispatch.Manager
	Store    storage.RideStore
	Mirror   *geo.RedisMirror     // optional
	Kafka    *ingest.KafkaProducer // optional
	Log      *slog.Logger

	RadiusMeters float64

	mu       sync.Mutex
	zones    map[gateway.Conn]models.Coord // customers watching a zone
	searches map[gateway.Conn]string       // customer conn -> active search ride id
}

func NewHandler(reg *registry.Registry, hub *gateway.Hub, mgr *dispatch.Manager, store storage.RideStore, log *slog.Logger) *Handler {
	h := &Handler{
		Registry:     reg,
		Hub:          hub,
		Manager:      mgr,
		Store:        store,
		Log:          log,
		RadiusMeters: match.DefaultRadiusMeters,
		zones:        make(map[gateway.Conn]models.Coord),
		searches:     make(map[gateway.Conn]string),
	}
	reg.OnChange(h.broadcastNearby)
	return h
}

// Serve runs the read loop for an authenticated connection until it
// closes, then releases everything the connection held.
func (h *Handler) Serve(conn ClientConn, ident auth.Identity) {
	observability.WSConnections.Inc()
	h.Log.Info("user joined", "user_id", ident.ID, "role", ident.Role)
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			break
		}
		h.handle(conn, ident, env)
	}
	h.disconnect(conn, ident)
}

func (h *Handler) handle(conn ClientConn, ident auth.Identity, env gateway.Envelope) {
	switch env.Event {
	case "goOnDuty":
		h.asDriver(conn, ident, func() { h.goOnDuty(conn, ident, env.Payload) })
	case "goOffDuty":
		h.asDriver(conn, ident, func() { h.goOffDuty(conn, ident) })
	case "updateLocation":
		h.asDriver(conn, ident, func() { h.updateLocation(conn, ident, env.Payload) })
	case "acceptRide":
		h.asDriver(conn, ident, func() { h.acceptRide(conn, ident, env.Payload) })
	case "subscribeToZone":
		h.asCustomer(conn, ident, func() { h.subscribeToZone(conn, env.Payload) })
	case "searchRider":
		h.asCustomer(conn, ident, func() { h.searchRider(conn, ident, env.Payload) })
	case "cancelRide":
		h.asCustomer(conn, ident, func() { h.cancelRide(conn) })
	case "subscribeToDriverLocation":
		h.subscribeToDriverLocation(conn, env.Payload)
	case "subscribeToRide":
		h.subscribeToRide(conn, env.Payload)
	default:
		h.sendError(conn, "unknown event "+env.Event)
	}
}

func (h *Handler) asDriver(conn ClientConn, ident auth.Identity, fn func()) {
	if ident.Role != auth.RoleDriver {
		h.sendError(conn, "event requires driver role")
		return
	}
	fn()
}

func (h *Handler) asCustomer(conn ClientConn, ident auth.Identity, fn func()) {
	if ident.Role != auth.RoleCustomer {
		h.sendError(conn, "event requires customer role")
		return
	}
	fn()
}

func (h *Handler) goOnDuty(conn ClientConn, ident auth.Identity, raw json.RawMessage) {
	coord, err := parseCoord(raw)
	if err != nil {
		h.sendError(conn, "invalid coordinates")
		return
	}
	h.Hub.BindDriver(ident.ID, conn)
	h.Registry.Register(ident.ID, conn, coord)
	h.mirrorPresence(ident.ID, coord, true)
	observability.DriversOnDuty.Set(float64(h.Registry.Len()))
	h.Log.Info("driver on duty", "driver_id", ident.ID)
}

func (h *Handler) goOffDuty(conn ClientConn, ident auth.Identity) {
	h.Registry.Unregister(ident.ID)
	h.Hub.UnbindDriver(ident.ID)
	h.mirrorRemove(ident.ID)
	observability.DriversOnDuty.Set(float64(h.Registry.Len()))
	h.Log.Info("driver off duty", "driver_id", ident.ID)
}

func (h *Handler) updateLocation(conn ClientConn, ident auth.Identity, raw json.RawMessage) {
	coord, err := parseCoord(raw)
	if err != nil {
		h.sendError(conn, "invalid coordinates")
		return
	}
	if err := h.Registry.UpdateLocation(ident.ID, coord); err != nil {
		h.sendError(conn, "driver is not on duty")
		return
	}
	h.Hub.PublishToDriverWatchers(ident.ID, "driverLocationUpdate", map[string]any{
		"driverId": ident.ID,
		"coords":   coord,
	})
	h.mirrorPresence(ident.ID, coord, true)
}

func (h *Handler) acceptRide(conn ClientConn, ident auth.Identity, raw json.RawMessage) {
	rideID, err := parseString(raw)
	if err != nil {
		h.sendError(conn, "ride id is required")
		return
	}
	ride, err := h.Manager.Accept(context.Background(), rideID, ident.ID)
	if err != nil {
		h.sendError(conn, errMessage(err))
		return
	}
	h.Hub.SendToCaller(conn, "rideAccepted", []*models.Ride{ride})
}

func (h *Handler) subscribeToZone(conn ClientConn, raw json.RawMessage) {
	coord, err := parseCoord(raw)
	if err != nil {
		h.sendError(conn, "invalid coordinates")
		return
	}
	h.mu.Lock()
	h.zones[conn] = coord
	h.mu.Unlock()
	h.Hub.SendToCaller(conn, "nearbyDrivers", match.Rank(coord, h.Registry.Snapshot(), h.RadiusMeters))
}

func (h *Handler) searchRider(conn ClientConn, ident auth.Identity, raw json.RawMessage) {
	rideID, err := parseString(raw)
	if err != nil {
		h.sendError(conn, "ride id is required")
		return
	}
	ride, err := h.Store.FindByID(rideID)
	if err != nil {
		h.sendError(conn, "Ride not found")
		return
	}
	if ride.CustomerID != ident.ID {
		h.sendError(conn, "ride belongs to another customer")
		return
	}
	if _, err := h.Manager.Start(rideID); err != nil {
		h.sendError(conn, errMessage(err))
		return
	}
	h.mu.Lock()
	h.searches[conn] = rideID
	h.mu.Unlock()
}

func (h *Handler) cancelRide(conn ClientConn) {
	h.mu.Lock()
	rideID, ok := h.searches[conn]
	delete(h.searches, conn)
	h.mu.Unlock()
	if !ok {
		h.sendError(conn, "no active ride search")
		return
	}
	if err := h.Manager.Cancel(context.Background(), rideID); err != nil {
		h.sendError(conn, errMessage(err))
	}
}

func (h *Handler) subscribeToDriverLocation(conn ClientConn, raw json.RawMessage) {
	driverID, err := parseString(raw)
	if err != nil {
		h.sendError(conn, "driver id is required")
		return
	}
	p, ok := h.Registry.Lookup(driverID)
	if !ok {
		h.sendError(conn, "driver is not on duty")
		return
	}
	h.Hub.SubscribeToDriverLocation(conn, driverID)
	h.Hub.SendToCaller(conn, "driverLocationUpdate", map[string]any{
		"driverId": driverID,
		"coords":   p.Coord,
	})
}

func (h *Handler) subscribeToRide(conn ClientConn, raw json.RawMessage) {
	rideID, err := parseString(raw)
	if err != nil {
		h.sendError(conn, "ride id is required")
		return
	}
	ride, err := h.Store.FindByID(rideID)
	if err != nil {
		h.sendError(conn, "Ride not found")
		return
	}
	h.Hub.SubscribeToRide(conn, rideID)
	h.Hub.SendToCaller(conn, "rideData", ride)
}

// disconnect synchronously removes the driver presence so the next tick
// never offers to a dead connection.
func (h *Handler) disconnect(conn ClientConn, ident auth.Identity) {
	if ident.Role == auth.RoleDriver {
		h.Registry.Unregister(ident.ID)
		h.Hub.UnbindDriver(ident.ID)
		h.mirrorRemove(ident.ID)
		observability.DriversOnDuty.Set(float64(h.Registry.Len()))
	}
	h.Hub.DropConn(conn)
	h.mu.Lock()
	delete(h.zones, conn)
	delete(h.searches, conn)
	h.mu.Unlock()
	observability.WSConnections.Dec()
	h.Log.Info("user disconnected", "user_id", ident.ID, "role", ident.Role)
}

// broadcastNearby refreshes every zone-subscribed customer after a
// registry mutation.
func (h *Handler) broadcastNearby() {
	h.mu.Lock()
	subs := make(map[gateway.Conn]models.Coord, len(h.zones))
	for c, coord := range h.zones {
		subs[c] = coord
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	snap := h.Registry.Snapshot()
	for c, coord := range subs {
		h.Hub.SendToCaller(c, "nearbyDrivers", match.Rank(coord, snap, h.RadiusMeters))
	}
}

func (h *Handler) mirrorPresence(driverID string, coord models.Coord, onDuty bool) {
	if h.Kafka != nil {
		if err := h.Kafka.PublishPresence(ingest.PresenceUpdate{DriverID: driverID, Coord: coord, OnDuty: onDuty}); err != nil {
			h.Log.Warn("presence publish failed", "driver_id", driverID, "error", err)
		}
	}
	if h.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := h.Mirror.Upsert(ctx, driverID, coord, onDuty); err != nil {
			h.Log.Warn("redis mirror update failed", "driver_id", driverID, "error", err)
		}
	}
}

func (h *Handler) mirrorRemove(driverID string) {
	if h.Kafka != nil {
		if err := h.Kafka.PublishPresence(ingest.PresenceUpdate{DriverID: driverID, OnDuty: false}); err != nil {
			h.Log.Warn("presence publish failed", "driver_id", driverID, "error", err)
		}
	}
	if h.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := h.Mirror.Remove(ctx, driverID); err != nil {
			h.Log.Warn("redis mirror remove failed", "driver_id", driverID, "error", err)
		}
	}
}

func (h *Handler) sendError(conn ClientConn, msg string) {
	h.Hub.SendToCaller(conn, "error", map[string]string{"message": msg})
}
