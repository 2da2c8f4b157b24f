package models

import "time"

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Place is a geocoded address used for pickup and drop points.
type Place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"latitude"`
	Lon     float64 `json:"longitude"`
}

type Status string

const (
	StatusSearching Status = "SEARCHING"
	StatusMatched   Status = "MATCHED"
	StatusArrived   Status = "ARRIVED"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// transitions lists every allowed forward move of the ride state machine.
var transitions = map[Status][]Status{
	StatusSearching: {StatusMatched, StatusCanceled, StatusTimedOut},
	StatusMatched:   {StatusArrived},
	StatusArrived:   {StatusCompleted},
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// KnownStatus reports whether s is one of the defined ride statuses.
func KnownStatus(s Status) bool {
	switch s {
	case StatusSearching, StatusMatched, StatusArrived, StatusCompleted, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

type VehicleClass string

const (
	VehicleBike       VehicleClass = "bike"
	VehicleAuto       VehicleClass = "auto"
	VehicleCabEconomy VehicleClass = "cabEconomy"
	VehicleCabPremium VehicleClass = "cabPremium"
)

type Ride struct {
	ID             string       `json:"id"`
	CustomerID     string       `json:"customer"`
	DriverID       string       `json:"driver,omitempty"`
	Vehicle        VehicleClass `json:"vehicle"`
	Pickup         Place        `json:"pickup"`
	Drop           Place        `json:"drop"`
	DistanceMeters float64      `json:"distance"`
	Fare           float64      `json:"fare"`
	OTP            string       `json:"otp"`
	Status         Status       `json:"status"`
	PaymentRef     string       `json:"-"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// RideInput is the payload accepted when a customer requests a ride.
type RideInput struct {
	Vehicle VehicleClass `json:"vehicle"`
	Pickup  Place        `json:"pickup"`
	Drop    Place        `json:"drop"`
}
