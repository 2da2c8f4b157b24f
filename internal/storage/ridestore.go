package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore defines persistence operations for ride records. Create
// assigns the id, one-time passcode and initial SEARCHING status.
// Transition is the guarded status change every lifecycle move goes
// through: it fails with a conflict when the record is not in `from`.
type RideStore interface {
	Create(r *models.Ride) error
	FindByID(id string) (*models.Ride, error)
	Update(r *models.Ride) error
	Transition(id string, from, to models.Status, mutate func(*models.Ride)) (*models.Ride, error)
	ListByParticipant(userID string, status models.Status) ([]*models.Ride, error)
	Delete(id string) error
}

type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Create(r *models.Ride) error {
	r.ID = uuid.NewString()
	r.OTP = fare.GenerateOTP()
	r.Status = models.StatusSearching
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) FindByID(id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, domain.NotFoundf("ride %s", id)
	}
	out := r
	return &out, nil
}

func (m *MemoryStore) Update(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return domain.NotFoundf("ride %s", r.ID)
	}
	r.UpdatedAt = time.Now()
	m.rides[r.ID] = *r
	return nil
}

// Transition applies from -> to atomically. The optional mutate runs on
// the record while the store lock is held, so a losing racer can never
// observe a half-applied change.
func (m *MemoryStore) Transition(id string, from, to models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	if !models.CanTransition(from, to) {
		return nil, domain.Validationf("illegal transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, domain.NotFoundf("ride %s", id)
	}
	if r.Status != from {
		return nil, domain.Conflictf("ride %s is %s, not %s", id, r.Status, from)
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&r)
	}
	m.rides[id] = r
	out := r
	return &out, nil
}

func (m *MemoryStore) ListByParticipant(userID string, status models.Status) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.CustomerID != userID && r.DriverID != userID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rides, id)
	return nil
}
