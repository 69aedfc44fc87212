package types

import "time"

// Departure is one scheduled trip leaving the depot.
type Departure struct {
	ID          string `json:"id"`
	Time        Clock  `json:"time"`
	Line        string `json:"line"`
	Destination string `json:"destination,omitempty"`
	Platform    string `json:"platform,omitempty"`
	VehicleID   string `json:"vehicle_id,omitempty"`
	DurationMin int    `json:"duration_min"` // Minutes the vehicle is away from the depot
}

// TripDuration is how long the assigned vehicle is out on this trip.
func (d Departure) TripDuration() time.Duration {
	return time.Duration(d.DurationMin) * time.Minute
}

type Vehicle struct {
	ID          string `json:"id"`
	Plate       string `json:"plate,omitempty"`
	Model       string `json:"model,omitempty"`
	Capacity    int    `json:"capacity,omitempty"`
	Maintenance bool   `json:"maintenance,omitempty"`
	ParkingSpot string `json:"parking_spot,omitempty"`
}

// TripStatus is the display status of a departure on the board.
type TripStatus string

const (
	TripScheduled TripStatus = "scheduled"
	TripImminent  TripStatus = "imminent"
	TripConfirmed TripStatus = "confirmed"
	TripDeparted  TripStatus = "departed"
)

// VehicleState is the live operational state of a vehicle.
type VehicleState string

const (
	StateEnRoute     VehicleState = "en_route"
	StateArriving    VehicleState = "arriving"
	StateBoarding    VehicleState = "boarding"
	StateAwaiting    VehicleState = "awaiting"
	StateReserve     VehicleState = "reserve"
	StateMaintenance VehicleState = "maintenance"
)

// AllVehicleStates lists every state in display order.
var AllVehicleStates = []VehicleState{
	StateEnRoute,
	StateArriving,
	StateBoarding,
	StateAwaiting,
	StateReserve,
	StateMaintenance,
}

// Category groups vehicle states by where the vehicle physically is.
type Category string

const (
	CategoryInTrip      Category = "in_trip"
	CategoryAtPlatform  Category = "at_platform"
	CategoryInDepot     Category = "in_depot"
	CategoryMaintenance Category = "maintenance"
)

func (s VehicleState) Category() Category {
	switch s {
	case StateEnRoute, StateArriving:
		return CategoryInTrip
	case StateBoarding:
		return CategoryAtPlatform
	case StateMaintenance:
		return CategoryMaintenance
	default:
		return CategoryInDepot
	}
}

// VehicleStatus is the derived state of one vehicle at a given instant.
type VehicleStatus struct {
	Vehicle     Vehicle      `json:"vehicle"`
	State       VehicleState `json:"state"`
	Category    Category     `json:"category"`
	CurrentTrip *Departure   `json:"current_trip,omitempty"`
	NextTrip    *Departure   `json:"next_trip,omitempty"`
	ReturnsAt   *time.Time   `json:"returns_at,omitempty"`
	Badge       string       `json:"badge,omitempty"`
}

// BoardEntry is one row of the departure board.
type BoardEntry struct {
	Departure      Departure    `json:"departure"`
	DepartsAt      time.Time    `json:"departs_at"`
	Status         TripStatus   `json:"status"`
	MinutesUntil   int          `json:"minutes_until"`
	VehicleState   VehicleState `json:"vehicle_state,omitempty"`
	VehicleMissing bool         `json:"vehicle_missing,omitempty"`
	LineColor      string       `json:"line_color,omitempty"`
	LineBadge      string       `json:"line_badge,omitempty"`
}
