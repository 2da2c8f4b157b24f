package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Offer is the payload pushed to each candidate driver: the ride plus
// the driver's distance to pickup and estimated arrival time. The outer
// distance field shadows the ride's trip distance on the wire.
type Offer struct {
	models.Ride
	Distance      float64 `json:"distance"`
	EstimatedTime int     `json:"estimatedTime"`
}

// Session owns the timed retry loop for one ride's driver search. It
// starts RUNNING and becomes RESOLVED exactly once, by acceptance,
// cancellation or attempt exhaustion; whichever is applied first wins
// and later resolutions fail with a conflict.
type Session struct {
	RideID string

	mu       sync.Mutex
	attempts int
	resolved bool

	stop     chan struct{}
	stopOnce sync.Once

	m *Manager
}

func newSession(m *Manager, rideID string) *Session {
	return &Session{RideID: rideID, stop: make(chan struct{}), m: m}
}

// run drives the tick loop. The first attempt fires immediately, then
// one per tick interval until the session resolves.
func (s *Session) run() {
	t := time.NewTicker(s.m.TickInterval)
	defer t.Stop()
	for {
		if !s.tick() {
			return
		}
		select {
		case <-t.C:
		case <-s.stop:
			return
		}
	}
}

// tick performs one search attempt. It returns false once the session
// is resolved so a late-firing timer is a safe no-op.
func (s *Session) tick() bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	ride, err := s.m.Store.FindByID(s.RideID)
	if err != nil || ride.Status != models.StatusSearching {
		// the ride was resolved or removed out from under the search
		s.abandon()
		return false
	}

	snap := s.m.Registry.Snapshot()
	cands := match.RankForRide(ride, snap, s.m.RadiusMeters, s.m.SpeedMps)
	for _, c := range cands {
		s.m.Hub.PublishToDriver(c.DriverID, "rideOffer", Offer{Ride: *ride, Distance: c.DistanceMeters, EstimatedTime: c.ETAMinutes})
		observability.OffersTotal.Inc()
	}
	s.m.Log.Debug("search attempt", "ride_id", s.RideID, "attempt", attempt, "candidates", len(cands))

	if attempt >= s.m.MaxAttempts {
		s.timeout()
		return false
	}
	return true
}

// Attempts reports how many search passes have run.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// resolve claims the session. Exactly one caller succeeds.
func (s *Session) resolve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return domain.Conflictf("ride %s search already resolved", s.RideID)
	}
	s.resolved = true
	return nil
}

// Resolved reports whether the session has ended.
func (s *Session) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// accept assigns the driver and resolves the session. Stale acceptances
// lose the resolve race and get a conflict with no state change.
func (s *Session) accept(ctx context.Context, driverID string) (*models.Ride, error) {
	if err := s.resolve(); err != nil {
		return nil, err
	}
	ride, err := s.m.applyAccept(ctx, s.RideID, driverID)
	s.finish()
	return ride, err
}

// cancel resolves the session on behalf of the customer.
func (s *Session) cancel(ctx context.Context) error {
	if err := s.resolve(); err != nil {
		return err
	}
	err := s.m.applyCancel(ctx, s.RideID)
	s.finish()
	return err
}

// timeout ends the search after the final attempt: the ride becomes
// TIMED_OUT, leaves the repository, and the customer is told.
func (s *Session) timeout() {
	if s.resolve() != nil {
		return
	}
	if _, err := s.m.Store.Transition(s.RideID, models.StatusSearching, models.StatusTimedOut, nil); err == nil {
		_ = s.m.Store.Delete(s.RideID)
	}
	s.m.Hub.PublishToRide(s.RideID, "error", map[string]string{"message": "No drivers found within the search window."})
	observability.TimeoutsTotal.Inc()
	s.m.Log.Info("search timed out", "ride_id", s.RideID, "attempts", s.Attempts())
	s.finish()
}

// abandon resolves quietly when the ride disappeared mid-search.
func (s *Session) abandon() {
	if s.resolve() != nil {
		return
	}
	s.finish()
}

func (s *Session) finish() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.m.remove(s.RideID)
}
