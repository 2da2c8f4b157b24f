package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type published struct {
	kind    string // "ride" or "driver"
	id      string
	event   string
	payload any
}

type fakeHub struct {
	mu     sync.Mutex
	events []published
}

func (f *fakeHub) PublishToRide(rideID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{"ride", rideID, event, payload})
}

func (f *fakeHub) PublishToDriver(driverID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{"driver", driverID, event, payload})
}

func (f *fakeHub) count(kind, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == kind && e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeHub) offersTo(driverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.kind == "driver" && e.id == driverID && e.event == "rideOffer" {
			n++
		}
	}
	return n
}

type fakePay struct {
	mu       sync.Mutex
	held     []string // customer ids
	canceled []string // payment refs
}

func (f *fakePay) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, customerID)
	return "pi_test", nil
}

func (f *fakePay) Capture(ctx context.Context, ref string) error { return nil }

func (f *fakePay) Cancel(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, ref)
	return nil
}

func testManager(t *testing.T) (*Manager, *registry.Registry, *storage.MemoryStore, *fakeHub) {
	t.Helper()
	reg := registry.New()
	store := storage.NewMemoryStore()
	hub := &fakeHub{}
	m := NewManager(reg, hub, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.TickInterval = time.Hour // loop-driven tests never rely on the timer
	return m, reg, store, hub
}

func createRide(t *testing.T, store storage.RideStore) *models.Ride {
	t.Helper()
	r := &models.Ride{
		CustomerID: "cust-1",
		Vehicle:    models.VehicleAuto,
		Pickup:     models.Place{Address: "pickup", Lat: 1, Lon: 0},
		Drop:       models.Place{Address: "drop", Lat: 1.2, Lon: 0.2},
		Fare:       120,
	}
	require.NoError(t, store.Create(r))
	return r
}

// startSession registers a session without launching its timer so tests
// can drive ticks deterministically.
func startSession(m *Manager, rideID string) *Session {
	s := newSession(m, rideID)
	m.mu.Lock()
	m.sessions[rideID] = s
	m.mu.Unlock()
	return s
}

func TestTickOffersToNearbyDriversOnly(t *testing.T) {
	m, reg, store, hub := testManager(t)
	ride := createRide(t, store)
	reg.Register("near", nil, models.Coord{Lat: 1.045, Lon: 0}) // ~5 km
	reg.Register("far", nil, models.Coord{Lat: 1, Lon: 0.63})   // ~70 km

	s := startSession(m, ride.ID)
	require.True(t, s.tick())

	assert.Equal(t, 1, hub.offersTo("near"))
	assert.Zero(t, hub.offersTo("far"))
}

func TestOfferCarriesDistanceAndETA(t *testing.T) {
	m, reg, store, hub := testManager(t)
	ride := createRide(t, store)
	reg.Register("d1", nil, models.Coord{Lat: 1.045, Lon: 0})

	s := startSession(m, ride.ID)
	require.True(t, s.tick())

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.events, 1)
	offer, ok := hub.events[0].payload.(Offer)
	require.True(t, ok)
	assert.Equal(t, ride.ID, offer.ID)
	assert.InDelta(t, 5000, offer.Distance, 100)
	assert.GreaterOrEqual(t, offer.EstimatedTime, 1)
	assert.Equal(t, ride.OTP, offer.OTP)
}

func TestSearchTimesOutAfterMaxAttempts(t *testing.T) {
	m, _, store, hub := testManager(t)
	ride := createRide(t, store)
	s := startSession(m, ride.ID)

	for i := 0; i < m.MaxAttempts-1; i++ {
		require.True(t, s.tick(), "tick %d should continue", i+1)
	}
	assert.False(t, s.tick(), "final attempt resolves the session")
	assert.Equal(t, m.MaxAttempts, s.Attempts())
	assert.True(t, s.Resolved())

	_, err := store.FindByID(ride.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "timed out ride leaves the repository")
	assert.Equal(t, 1, hub.count("ride", "error"), "customer is told the search expired")

	// a late-firing tick is a safe no-op
	assert.False(t, s.tick())
	assert.Equal(t, m.MaxAttempts, s.Attempts())
}

func TestAcceptOnFourthTick(t *testing.T) {
	m, reg, store, hub := testManager(t)
	ride := createRide(t, store)
	reg.Register("d1", nil, models.Coord{Lat: 1.01, Lon: 0})
	s := startSession(m, ride.ID)

	for i := 0; i < 3; i++ {
		require.True(t, s.tick())
	}
	got, err := m.Accept(context.Background(), ride.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	assert.True(t, s.Resolved())

	offersBefore := hub.offersTo("d1")
	assert.False(t, s.tick(), "no fifth tick after acceptance")
	assert.Equal(t, offersBefore, hub.offersTo("d1"))

	assert.Equal(t, 1, hub.count("ride", "rideUpdate"))
	assert.Equal(t, 1, hub.count("ride", "rideAccepted"))

	_, active := m.Session(ride.ID)
	assert.False(t, active, "resolved session is removed")
}

func TestSecondAcceptConflicts(t *testing.T) {
	m, _, store, _ := testManager(t)
	ride := createRide(t, store)
	startSession(m, ride.ID)

	_, err := m.Accept(context.Background(), ride.ID, "d1")
	require.NoError(t, err)

	_, err = m.Accept(context.Background(), ride.ID, "d2")
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := store.FindByID(ride.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID, "assigned driver never changes")
}

func TestCancelStopsFurtherTicks(t *testing.T) {
	m, reg, store, hub := testManager(t)
	ride := createRide(t, store)
	reg.Register("d1", nil, models.Coord{Lat: 1.01, Lon: 0})
	s := startSession(m, ride.ID)

	require.True(t, s.tick())
	require.NoError(t, m.Cancel(context.Background(), ride.ID))

	_, err := store.FindByID(ride.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "canceled ride leaves the repository")
	assert.Equal(t, 1, hub.count("ride", "rideCanceled"))

	offersBefore := hub.offersTo("d1")
	assert.False(t, s.tick(), "no ticks after cancellation")
	assert.Equal(t, offersBefore, hub.offersTo("d1"))
}

func TestCancelThenAcceptConflicts(t *testing.T) {
	m, _, store, _ := testManager(t)
	ride := createRide(t, store)
	startSession(m, ride.ID)

	require.NoError(t, m.Cancel(context.Background(), ride.ID))
	_, err := m.Accept(context.Background(), ride.ID, "d1")
	assert.Error(t, err, "whichever resolution lands first wins")
}

func TestDisconnectedDriverExcludedNextTick(t *testing.T) {
	m, reg, store, hub := testManager(t)
	ride := createRide(t, store)
	reg.Register("d1", nil, models.Coord{Lat: 1.01, Lon: 0})
	reg.Register("d2", nil, models.Coord{Lat: 1.02, Lon: 0})
	s := startSession(m, ride.ID)

	require.True(t, s.tick())
	assert.Equal(t, 1, hub.offersTo("d1"))
	assert.Equal(t, 1, hub.offersTo("d2"))

	reg.Unregister("d1")
	require.True(t, s.tick())
	assert.Equal(t, 1, hub.offersTo("d1"), "gone driver gets no further offers")
	assert.Equal(t, 2, hub.offersTo("d2"))
}

func TestStartRejectsUnknownAndResolvedRides(t *testing.T) {
	m, _, store, _ := testManager(t)

	_, err := m.Start("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ride := createRide(t, store)
	_, err = store.Transition(ride.ID, models.StatusSearching, models.StatusMatched, nil)
	require.NoError(t, err)
	_, err = m.Start(ride.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestDuplicateStartReturnsExistingSession(t *testing.T) {
	m, _, store, _ := testManager(t)
	ride := createRide(t, store)

	first, err := m.Start(ride.ID)
	require.NoError(t, err)
	second, err := m.Start(ride.ID)
	require.NoError(t, err)
	assert.Same(t, first, second, "one timer per ride, never two")

	require.NoError(t, m.Cancel(context.Background(), ride.ID))
}

func TestAcceptWithoutSessionStillGuarded(t *testing.T) {
	m, _, store, hub := testManager(t)
	ride := createRide(t, store)

	got, err := m.Accept(context.Background(), ride.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
	assert.Equal(t, 1, hub.count("ride", "rideAccepted"))

	_, err = m.Accept(context.Background(), ride.ID, "d2")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestAcceptHoldsFare(t *testing.T) {
	m, _, store, _ := testManager(t)
	pay := &fakePay{}
	m.Pay = pay
	ride := createRide(t, store)
	startSession(m, ride.ID)

	got, err := m.Accept(context.Background(), ride.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, "pi_test", got.PaymentRef)
	assert.Equal(t, []string{"cust-1"}, pay.held)

	persisted, err := store.FindByID(ride.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_test", persisted.PaymentRef)
}

func TestSessionLoopTimesOutOnRealTimer(t *testing.T) {
	m, _, store, hub := testManager(t)
	m.TickInterval = 2 * time.Millisecond
	m.MaxAttempts = 3
	ride := createRide(t, store)

	s, err := m.Start(ride.ID)
	require.NoError(t, err)

	require.Eventually(t, s.Resolved, time.Second, time.Millisecond)
	assert.Equal(t, 3, s.Attempts())
	_, err = store.FindByID(ride.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, hub.count("ride", "error"))
}
