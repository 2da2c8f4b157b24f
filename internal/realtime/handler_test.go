package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type sent struct {
	event   string
	payload any
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeClient) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{event, payload})
	return nil
}

func (f *fakeClient) ReadEnvelope() (gateway.Envelope, error) {
	return gateway.Envelope{}, io.EOF
}

func (f *fakeClient) events(event string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, m := range f.msgs {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) lastError(t *testing.T) string {
	t.Helper()
	errs := f.events("error")
	require.NotEmpty(t, errs, "expected an error event")
	m, ok := errs[len(errs)-1].payload.(map[string]string)
	require.True(t, ok)
	return m["message"]
}

type rtEnv struct {
	h     *Handler
	reg   *registry.Registry
	hub   *gateway.Hub
	store *storage.MemoryStore
	mgr   *dispatch.Manager
}

func newRTEnv(t *testing.T) *rtEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	hub := gateway.NewHub(log)
	store := storage.NewMemoryStore()
	mgr := dispatch.NewManager(reg, hub, store, log)
	mgr.TickInterval = time.Hour
	h := NewHandler(reg, hub, mgr, store, log)
	return &rtEnv{h: h, reg: reg, hub: hub, store: store, mgr: mgr}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (e *rtEnv) emit(conn ClientConn, ident auth.Identity, event string, payload json.RawMessage) {
	e.h.handle(conn, ident, gateway.Envelope{Event: event, Payload: payload})
}

func driverIdent(id string) auth.Identity   { return auth.Identity{ID: id, Role: auth.RoleDriver} }
func customerIdent(id string) auth.Identity { return auth.Identity{ID: id, Role: auth.RoleCustomer} }

func (e *rtEnv) newRide(t *testing.T, customerID string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		CustomerID: customerID,
		Vehicle:    models.VehicleBike,
		Pickup:     models.Place{Address: "p", Lat: 1, Lon: 0},
		Drop:       models.Place{Address: "d", Lat: 1.1, Lon: 0.1},
		Fare:       60,
	}
	require.NoError(t, e.store.Create(r))
	return r
}

func TestGoOnDutyRegistersAndBinds(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}

	e.emit(conn, driverIdent("d1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 2}))

	p, ok := e.reg.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, p.Coord)

	e.hub.PublishToDriver("d1", "ping", nil)
	assert.Len(t, conn.events("ping"), 1, "duty binds the driver channel")
}

func TestDriverEventsRequireDriverRole(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}

	e.emit(conn, customerIdent("c1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 2}))
	assert.Contains(t, conn.lastError(t), "driver role")
	_, ok := e.reg.Lookup("c1")
	assert.False(t, ok)
}

func TestGoOffDutyUnregisters(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}
	e.emit(conn, driverIdent("d1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 2}))

	e.emit(conn, driverIdent("d1"), "goOffDuty", nil)

	_, ok := e.reg.Lookup("d1")
	assert.False(t, ok)
	e.hub.PublishToDriver("d1", "ping", nil)
	assert.Empty(t, conn.events("ping"), "off duty unbinds the channel")
}

func TestUpdateLocation(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}

	e.emit(conn, driverIdent("d1"), "updateLocation", raw(t, models.Coord{Lat: 3, Lon: 4}))
	assert.Contains(t, conn.lastError(t), "not on duty")

	e.emit(conn, driverIdent("d1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 2}))

	watcher := &fakeClient{}
	e.emit(watcher, customerIdent("c1"), "subscribeToDriverLocation", raw(t, "d1"))
	require.Len(t, watcher.events("driverLocationUpdate"), 1, "subscription replies with the current position")

	e.emit(conn, driverIdent("d1"), "updateLocation", raw(t, models.Coord{Lat: 3, Lon: 4}))

	p, _ := e.reg.Lookup("d1")
	assert.Equal(t, models.Coord{Lat: 3, Lon: 4}, p.Coord)
	assert.Len(t, watcher.events("driverLocationUpdate"), 2, "watchers see the move")
}

func TestSubscribeToZone(t *testing.T) {
	e := newRTEnv(t)
	driver := &fakeClient{}
	e.emit(driver, driverIdent("d1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 0}))

	cust := &fakeClient{}
	e.emit(cust, customerIdent("c1"), "subscribeToZone", raw(t, models.Coord{Lat: 1.01, Lon: 0}))
	require.Len(t, cust.events("nearbyDrivers"), 1, "subscription replies immediately")

	// any registry change refreshes the zone view
	e.emit(driver, driverIdent("d2"), "goOnDuty", raw(t, models.Coord{Lat: 1.02, Lon: 0}))
	assert.Len(t, cust.events("nearbyDrivers"), 2)
}

func TestSearchRiderOwnershipAndCancel(t *testing.T) {
	e := newRTEnv(t)
	ride := e.newRide(t, "c1")

	stranger := &fakeClient{}
	e.emit(stranger, customerIdent("c2"), "searchRider", raw(t, ride.ID))
	assert.Contains(t, stranger.lastError(t), "another customer")

	owner := &fakeClient{}
	e.emit(owner, customerIdent("c1"), "searchRider", raw(t, ride.ID))
	_, active := e.mgr.Session(ride.ID)
	assert.True(t, active, "search starts a session")

	e.emit(owner, customerIdent("c1"), "cancelRide", nil)
	_, err := e.store.FindByID(ride.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e.emit(owner, customerIdent("c1"), "cancelRide", nil)
	assert.Contains(t, owner.lastError(t), "no active ride search")
}

func TestSearchRiderUnknownRide(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}
	e.emit(conn, customerIdent("c1"), "searchRider", raw(t, "ghost"))
	assert.Equal(t, "Ride not found", conn.lastError(t))
}

func TestAcceptRideOverSocket(t *testing.T) {
	e := newRTEnv(t)
	ride := e.newRide(t, "c1")
	conn := &fakeClient{}

	e.emit(conn, driverIdent("d1"), "acceptRide", raw(t, ride.ID))
	require.Len(t, conn.events("rideAccepted"), 1)

	got, err := e.store.FindByID(ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
	assert.Equal(t, "d1", got.DriverID)

	loser := &fakeClient{}
	e.emit(loser, driverIdent("d2"), "acceptRide", raw(t, ride.ID))
	assert.NotEmpty(t, loser.events("error"), "second accept is refused")
}

func TestSubscribeToRide(t *testing.T) {
	e := newRTEnv(t)
	ride := e.newRide(t, "c1")
	conn := &fakeClient{}

	e.emit(conn, customerIdent("c1"), "subscribeToRide", raw(t, "ghost"))
	assert.Equal(t, "Ride not found", conn.lastError(t))

	e.emit(conn, customerIdent("c1"), "subscribeToRide", raw(t, ride.ID))
	require.Len(t, conn.events("rideData"), 1)

	e.hub.PublishToRide(ride.ID, "rideUpdate", ride)
	assert.Len(t, conn.events("rideUpdate"), 1)
}

func TestDisconnectReleasesDriver(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}
	e.emit(conn, driverIdent("d1"), "goOnDuty", raw(t, models.Coord{Lat: 1, Lon: 0}))

	e.h.disconnect(conn, driverIdent("d1"))

	_, ok := e.reg.Lookup("d1")
	assert.False(t, ok, "dead connections never stay matchable")
	e.hub.PublishToDriver("d1", "ping", nil)
	assert.Empty(t, conn.events("ping"))
}

func TestUnknownEvent(t *testing.T) {
	e := newRTEnv(t)
	conn := &fakeClient{}
	e.emit(conn, customerIdent("c1"), "teleport", nil)
	assert.Contains(t, conn.lastError(t), "unknown event")
}

func TestParseCoord(t *testing.T) {
	_, err := parseCoord(nil)
	assert.Error(t, err)
	_, err = parseCoord(json.RawMessage(`{"latitude": 95, "longitude": 0}`))
	assert.Error(t, err)

	c, err := parseCoord(json.RawMessage(`{"latitude": 12.9, "longitude": 77.5}`))
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 12.9, Lon: 77.5}, c)
}

func TestParseString(t *testing.T) {
	_, err := parseString(json.RawMessage(`""`))
	assert.Error(t, err)
	_, err = parseString(json.RawMessage(`{"id":"x"}`))
	assert.Error(t, err)

	s, err := parseString(json.RawMessage(`"ride-1"`))
	require.NoError(t, err)
	assert.Equal(t, "ride-1", s)
}

func TestErrMessage(t *testing.T) {
	assert.Equal(t, "ride r1 search already resolved",
		errMessage(domain.Conflictf("ride %s search already resolved", "r1")))
	assert.Equal(t, "plain", errMessage(errors.New("plain")))
}
