// Package fare holds the pricing collaborators used at ride creation:
// trip distance, per-vehicle fare and the one-time passcode the customer
// reads to the driver at pickup.
package fare

import (
	"crypto/rand"
	"math/big"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// rate is base fare plus a per-kilometer charge, floored at the base.
type rate struct {
	base  float64
	perKm float64
}

var rates = map[models.VehicleClass]rate{
	models.VehicleBike:       {base: 10, perKm: 5},
	models.VehicleAuto:       {base: 15, perKm: 7},
	models.VehicleCabEconomy: {base: 25, perKm: 12},
	models.VehicleCabPremium: {base: 40, perKm: 18},
}

// Distance returns the great-circle trip distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.Haversine(lat1, lon1, lat2, lon2)
}

// Fare prices a trip of the given distance for a vehicle class.
func Fare(distanceMeters float64, vehicle models.VehicleClass) (float64, error) {
	r, ok := rates[vehicle]
	if !ok {
		return 0, domain.Validationf("unknown vehicle class %q", vehicle)
	}
	amount := r.base + r.perKm*distanceMeters/1000
	if amount < r.base {
		amount = r.base
	}
	return amount, nil
}

const otpDigits = 4

// GenerateOTP returns a numeric one-time passcode for in-person handoff.
func GenerateOTP() string {
	out := make([]byte, otpDigits)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			n = big.NewInt(int64(i))
		}
		out[i] = byte('0' + n.Int64())
	}
	return string(out)
}
