// Package gateway is the real-time fan-out layer: subscriber groups per
// ride, a single addressable channel per driver, and watcher groups for
// driver locations. Delivery is at-most-once with no acknowledgment; a
// connection whose send fails is dropped from the group.
package gateway

import (
	"log/slog"
	"sync"
)

// Conn is the connection handle the hub owns. The driver registry and
// the realtime layer only hold references to it.
type Conn interface {
	Send(event string, payload any) error
}

type Hub struct {
	mu       sync.RWMutex
	rides    map[string]map[Conn]struct{}
	drivers  map[string]Conn
	watchers map[string]map[Conn]struct{}
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rides:    make(map[string]map[Conn]struct{}),
		drivers:  make(map[string]Conn),
		watchers: make(map[string]map[Conn]struct{}),
		log:      log,
	}
}

// SubscribeToRide adds c to the ride's update group.
func (h *Hub) SubscribeToRide(c Conn, rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.rides[rideID]
	if !ok {
		group = make(map[Conn]struct{})
		h.rides[rideID] = group
	}
	group[c] = struct{}{}
}

func (h *Hub) UnsubscribeRide(c Conn, rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.rides[rideID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.rides, rideID)
		}
	}
}

// SubscribeToDriverLocation adds c to the watcher group receiving the
// driver's location updates.
func (h *Hub) SubscribeToDriverLocation(c Conn, driverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.watchers[driverID]
	if !ok {
		group = make(map[Conn]struct{})
		h.watchers[driverID] = group
	}
	group[c] = struct{}{}
}

// BindDriver makes c the addressable channel for driverID, replacing any
// previous binding.
func (h *Hub) BindDriver(driverID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drivers[driverID] = c
}

func (h *Hub) UnbindDriver(driverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.drivers, driverID)
}

// DropConn removes c from every group it joined. Called on disconnect.
func (h *Hub) DropConn(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for rideID, group := range h.rides {
		delete(group, c)
		if len(group) == 0 {
			delete(h.rides, rideID)
		}
	}
	for driverID, group := range h.watchers {
		delete(group, c)
		if len(group) == 0 {
			delete(h.watchers, driverID)
		}
	}
}

// PublishToRide fans payload out to every subscriber of the ride,
// at most once per subscriber. Failed connections are dropped.
func (h *Hub) PublishToRide(rideID, event string, payload any) {
	h.fanout(h.snapshotGroup(h.rides, rideID), event, payload)
}

// PublishToDriverWatchers fans payload out to connections watching the
// driver's location.
func (h *Hub) PublishToDriverWatchers(driverID, event string, payload any) {
	h.fanout(h.snapshotGroup(h.watchers, driverID), event, payload)
}

// PublishToDriver sends to the driver's private channel. A driver that is
// not connected is a no-op, not an error.
func (h *Hub) PublishToDriver(driverID, event string, payload any) {
	h.mu.RLock()
	c, ok := h.drivers[driverID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Send(event, payload); err != nil {
		h.log.Warn("driver send failed", "driver_id", driverID, "event", event, "error", err)
		h.mu.Lock()
		if h.drivers[driverID] == c {
			delete(h.drivers, driverID)
		}
		h.mu.Unlock()
	}
}

// SendToCaller delivers directly to one connection.
func (h *Hub) SendToCaller(c Conn, event string, payload any) {
	if err := c.Send(event, payload); err != nil {
		h.log.Warn("caller send failed", "event", event, "error", err)
	}
}

func (h *Hub) snapshotGroup(groups map[string]map[Conn]struct{}, key string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	group := groups[key]
	out := make([]Conn, 0, len(group))
	for c := range group {
		out = append(out, c)
	}
	return out
}

func (h *Hub) fanout(conns []Conn, event string, payload any) {
	for _, c := range conns {
		if err := c.Send(event, payload); err != nil {
			h.log.Warn("fanout send failed", "event", event, "error", err)
			h.DropConn(c)
		}
	}
}
