// Package dispatch owns the bounded, ticking search that offers a ride
// to nearby drivers until one accepts, the customer cancels, or the
// attempt budget runs out.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Snapshotter is the registry view a search tick reads.
type Snapshotter interface {
	Snapshot() []registry.Presence
}

// Publisher is the event-gateway surface the dispatcher pushes through.
type Publisher interface {
	PublishToRide(rideID, event string, payload any)
	PublishToDriver(driverID, event string, payload any)
}

// Manager holds at most one active session per ride and routes
// acceptance and cancellation onto it.
type Manager struct {
	Registry Snapshotter
	Hub      Publisher
	Store    storage.RideStore
	Pay      payments.Processor // optional
	Log      *slog.Logger

	TickInterval time.Duration
	MaxAttempts  int
	RadiusMeters float64
	SpeedMps     float64
	Currency     string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(reg Snapshotter, hub Publisher, store storage.RideStore, log *slog.Logger) *Manager {
	return &Manager{
		Registry:     reg,
		Hub:          hub,
		Store:        store,
		Log:          log,
		TickInterval: 10 * time.Second,
		MaxAttempts:  30,
		RadiusMeters: 60000,
		SpeedMps:     10,
		Currency:     "usd",
		sessions:     make(map[string]*Session),
	}
}

// Start begins a search for the ride. A ride already under an active
// session gets that session back instead of a second timer.
func (m *Manager) Start(rideID string) (*Session, error) {
	ride, err := m.Store.FindByID(rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusSearching {
		return nil, domain.Conflictf("ride %s is %s, not %s", ride.ID, ride.Status, models.StatusSearching)
	}

	m.mu.Lock()
	if s, ok := m.sessions[rideID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(m, rideID)
	m.sessions[rideID] = s
	m.mu.Unlock()

	observability.ActiveSessions.Inc()
	m.Log.Info("search started", "ride_id", rideID)
	go s.run()
	return s, nil
}

// Accept applies a driver's acceptance. With an active session the
// session resolves; without one the guarded store transition still
// protects against stale or racing accepts.
func (m *Manager) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if s, ok := m.lookup(rideID); ok {
		return s.accept(ctx, driverID)
	}
	return m.applyAccept(ctx, rideID, driverID)
}

// Cancel applies the customer's cancellation.
func (m *Manager) Cancel(ctx context.Context, rideID string) error {
	if s, ok := m.lookup(rideID); ok {
		return s.cancel(ctx)
	}
	return m.applyCancel(ctx, rideID)
}

// Session returns the active session for a ride, if any.
func (m *Manager) Session(rideID string) (*Session, bool) {
	return m.lookup(rideID)
}

func (m *Manager) lookup(rideID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[rideID]
	return s, ok
}

func (m *Manager) remove(rideID string) {
	m.mu.Lock()
	if _, ok := m.sessions[rideID]; ok {
		delete(m.sessions, rideID)
		observability.ActiveSessions.Dec()
	}
	m.mu.Unlock()
}

// applyAccept is the single guarded SEARCHING -> MATCHED path: assign
// the driver exactly once, hold the fare, and tell the ride's group.
func (m *Manager) applyAccept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := m.Store.Transition(rideID, models.StatusSearching, models.StatusMatched, func(r *models.Ride) {
		r.DriverID = driverID
	})
	if err != nil {
		return nil, err
	}

	if m.Pay != nil {
		ref, err := m.Pay.Hold(ctx, int64(ride.Fare*100), m.Currency, ride.CustomerID)
		if err != nil {
			m.Log.Warn("fare hold failed", "ride_id", rideID, "error", err)
		} else {
			ride.PaymentRef = ref
			if err := m.Store.Update(ride); err != nil {
				m.Log.Warn("payment ref not persisted", "ride_id", rideID, "error", err)
			}
		}
	}

	m.Hub.PublishToRide(rideID, "rideUpdate", ride)
	m.Hub.PublishToRide(rideID, "rideAccepted", []*models.Ride{ride})
	observability.MatchesTotal.Inc()
	m.Log.Info("ride matched", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

// applyCancel is the guarded SEARCHING -> CANCELED path: the ride
// leaves the repository and the assigned driver (if any) is told.
func (m *Manager) applyCancel(ctx context.Context, rideID string) error {
	ride, err := m.Store.Transition(rideID, models.StatusSearching, models.StatusCanceled, nil)
	if err != nil {
		return err
	}
	_ = m.Store.Delete(rideID)

	if ride.PaymentRef != "" && m.Pay != nil {
		if err := m.Pay.Cancel(ctx, ride.PaymentRef); err != nil {
			m.Log.Warn("fare hold release failed", "ride_id", rideID, "error", err)
		}
	}
	if ride.DriverID != "" {
		m.Hub.PublishToDriver(ride.DriverID, "rideCanceled", map[string]string{
			"message": "Customer " + ride.CustomerID + " canceled the ride.",
		})
	}
	m.Hub.PublishToRide(rideID, "rideCanceled", map[string]string{"message": "Ride canceled"})
	observability.CancelsTotal.Inc()
	m.Log.Info("ride canceled", "ride_id", rideID)
	return nil
}
