// Package registry tracks which drivers are currently on duty. It is the
// authoritative in-memory presence store: one entry per driver id,
// mutations serialized by a single mutex, snapshots safe to rank against
// while concurrent registrations arrive.
package registry

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
)

// Presence is one on-duty driver. The gateway owns the connection; the
// registry only references it.
type Presence struct {
	DriverID  string       `json:"driverId"`
	Conn      gateway.Conn `json:"-"`
	Coord     models.Coord `json:"coords"`
	OnDuty    bool         `json:"onDuty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Presence
	order    []string // registration order, keeps snapshots deterministic
	listener func()
}

func New() *Registry {
	return &Registry{byID: make(map[string]*Presence)}
}

// OnChange installs the callback invoked after every successful mutation.
// The callback runs outside the registry lock.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// Register puts a driver on duty. Registering an existing id refreshes
// its connection and coordinates in place.
func (r *Registry) Register(driverID string, conn gateway.Conn, coord models.Coord) {
	r.mu.Lock()
	if p, ok := r.byID[driverID]; ok {
		p.Conn = conn
		p.Coord = coord
		p.UpdatedAt = time.Now()
	} else {
		r.byID[driverID] = &Presence{
			DriverID:  driverID,
			Conn:      conn,
			Coord:     coord,
			OnDuty:    true,
			UpdatedAt: time.Now(),
		}
		r.order = append(r.order, driverID)
	}
	fn := r.listener
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// UpdateLocation moves an on-duty driver. Absent drivers are NotFound.
func (r *Registry) UpdateLocation(driverID string, coord models.Coord) error {
	r.mu.Lock()
	p, ok := r.byID[driverID]
	if !ok {
		r.mu.Unlock()
		return domain.NotFoundf("driver %s is not on duty", driverID)
	}
	p.Coord = coord
	p.UpdatedAt = time.Now()
	fn := r.listener
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Unregister takes a driver off duty. Unknown ids are a no-op.
func (r *Registry) Unregister(driverID string) {
	r.mu.Lock()
	if _, ok := r.byID[driverID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, driverID)
	for i, id := range r.order {
		if id == driverID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	fn := r.listener
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Snapshot returns a copy of every presence in registration order. The
// copy is immune to mutations that land while a matching pass runs.
func (r *Registry) Snapshot() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Presence, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

func (r *Registry) Lookup(driverID string) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[driverID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
