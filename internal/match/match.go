// Package match is the pure candidate selection step of dispatch: rank
// on-duty drivers by great-circle distance from an origin. It holds no
// state and performs no I/O, so identical inputs always rank identically.
package match

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// DefaultRadiusMeters is the proximity radius: drivers farther than this
// from the origin are not candidates. The boundary is inclusive.
const DefaultRadiusMeters = 60000

type Candidate struct {
	DriverID       string       `json:"driverId"`
	Coord          models.Coord `json:"coords"`
	DistanceMeters float64      `json:"distance"`
	ETAMinutes     int          `json:"estimatedTime,omitempty"`
}

// Rank filters presences to those within radiusMeters of origin and
// sorts them ascending by distance. Equal distances keep the input
// (registration) order.
func Rank(origin models.Coord, presences []registry.Presence, radiusMeters float64) []Candidate {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	out := make([]Candidate, 0, len(presences))
	for _, p := range presences {
		d := geo.Haversine(origin.Lat, origin.Lon, p.Coord.Lat, p.Coord.Lon)
		if d > radiusMeters {
			continue
		}
		out = append(out, Candidate{DriverID: p.DriverID, Coord: p.Coord, DistanceMeters: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out
}

// RankForRide ranks candidates around the ride's pickup point and
// attaches an estimated arrival time from the distance and an average
// city speed in meters per second.
func RankForRide(ride *models.Ride, presences []registry.Presence, radiusMeters, speedMps float64) []Candidate {
	origin := models.Coord{Lat: ride.Pickup.Lat, Lon: ride.Pickup.Lon}
	out := Rank(origin, presences, radiusMeters)
	for i := range out {
		out[i].ETAMinutes = EstimateMinutes(out[i].DistanceMeters, speedMps)
	}
	return out
}

// EstimateMinutes is the naive ETA heuristic: distance over average
// speed, rounded to whole minutes with a one-minute floor.
func EstimateMinutes(distanceMeters, speedMps float64) int {
	if speedMps <= 0 {
		speedMps = 10 // ~36 km/h default city speed
	}
	m := int(math.Round(distanceMeters / speedMps / 60))
	if m < 1 {
		m = 1
	}
	return m
}
