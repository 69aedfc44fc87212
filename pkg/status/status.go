// Package status derives live trip and vehicle states from the schedule.
//
// Nothing here is stateful: every call recomputes from the departures, the
// fleet and the current instant, so the result only depends on its inputs.
package status

import (
	"math"
	"sort"
	"time"

	"depotboard/pkg/types"
)

// Windows are the time thresholds that drive the derived states.
type Windows struct {
	// Imminent is how long before departure a trip leaves "scheduled".
	Imminent time.Duration
	// Boarding is how long before departure the vehicle stands at the platform.
	Boarding time.Duration
	// Arriving is how long before its return an in-trip vehicle is "arriving".
	Arriving time.Duration
	// DepartedVisibility keeps departed trips on the board for a while.
	DepartedVisibility time.Duration
}

func DefaultWindows() Windows {
	return Windows{
		Imminent:           15 * time.Minute,
		Boarding:           5 * time.Minute,
		Arriving:           10 * time.Minute,
		DepartedVisibility: 2 * time.Minute,
	}
}

type Input struct {
	Departures []types.Departure
	Vehicles   []types.Vehicle
	ServiceDay time.Time
	Now        time.Time
	Windows    Windows
}

type trip struct {
	dep   types.Departure
	start time.Time
	end   time.Time
}

// Engine answers status questions for one instant.
type Engine struct {
	windows   Windows
	day       time.Time
	now       time.Time
	trips     []trip
	fleet     map[string]types.Vehicle
	vehicles  []types.Vehicle
	byVehicle map[string][]trip
}

func New(in Input) *Engine {
	e := &Engine{
		windows:   in.Windows,
		day:       in.ServiceDay,
		now:       in.Now,
		fleet:     make(map[string]types.Vehicle, len(in.Vehicles)),
		byVehicle: make(map[string][]trip),
	}

	for _, v := range in.Vehicles {
		if _, dup := e.fleet[v.ID]; dup {
			continue
		}
		e.fleet[v.ID] = v
		e.vehicles = append(e.vehicles, v)
	}
	sort.Slice(e.vehicles, func(i, j int) bool { return e.vehicles[i].ID < e.vehicles[j].ID })

	for _, d := range in.Departures {
		start := d.Time.On(in.ServiceDay)
		t := trip{dep: d, start: start, end: start.Add(d.TripDuration())}
		e.trips = append(e.trips, t)
		if d.VehicleID != "" {
			e.byVehicle[d.VehicleID] = append(e.byVehicle[d.VehicleID], t)
		}
	}

	sort.SliceStable(e.trips, func(i, j int) bool { return tripLess(e.trips[i], e.trips[j]) })
	for _, ts := range e.byVehicle {
		sort.SliceStable(ts, func(i, j int) bool { return tripLess(ts[i], ts[j]) })
	}

	return e
}

func tripLess(a, b trip) bool {
	if !a.start.Equal(b.start) {
		return a.start.Before(b.start)
	}
	if a.dep.Line != b.dep.Line {
		return a.dep.Line < b.dep.Line
	}
	return a.dep.ID < b.dep.ID
}

// Now is the instant the engine evaluates at.
func (e *Engine) Now() time.Time {
	return e.now
}

// TripStatus derives the display status of one departure.
func (e *Engine) TripStatus(d types.Departure) types.TripStatus {
	start := d.Time.On(e.day)
	return e.tripStatus(trip{dep: d, start: start, end: start.Add(d.TripDuration())})
}

func (e *Engine) tripStatus(t trip) types.TripStatus {
	if !e.now.Before(t.start) {
		return types.TripDeparted
	}
	if t.start.Sub(e.now) > e.windows.Imminent {
		return types.TripScheduled
	}
	if e.vehicleReadyFor(t) {
		return types.TripConfirmed
	}
	return types.TripImminent
}

// vehicleReadyFor reports whether the trip's vehicle is known, serviceable
// and not still out on another trip that returns after this one leaves.
func (e *Engine) vehicleReadyFor(t trip) bool {
	if t.dep.VehicleID == "" {
		return false
	}
	v, ok := e.fleet[t.dep.VehicleID]
	if !ok || v.Maintenance {
		return false
	}
	for _, other := range e.byVehicle[v.ID] {
		if other.dep.ID == t.dep.ID {
			continue
		}
		if e.inTrip(other) && other.end.After(t.start) {
			return false
		}
	}
	return true
}

func (e *Engine) inTrip(t trip) bool {
	return !e.now.Before(t.start) && e.now.Before(t.end)
}

// VehicleStatus derives the state of one vehicle.
func (e *Engine) VehicleStatus(v types.Vehicle) types.VehicleStatus {
	st := types.VehicleStatus{Vehicle: v}

	var current, next *trip
	for i := range e.byVehicle[v.ID] {
		t := &e.byVehicle[v.ID][i]
		if current == nil && e.inTrip(*t) {
			current = t
		}
		if next == nil && t.start.After(e.now) {
			next = t
		}
	}

	if current != nil {
		dep := current.dep
		returnsAt := current.end
		st.CurrentTrip = &dep
		st.ReturnsAt = &returnsAt
	}
	if next != nil {
		dep := next.dep
		st.NextTrip = &dep
	}

	switch {
	case v.Maintenance:
		st.State = types.StateMaintenance
	case current != nil && current.end.Sub(e.now) <= e.windows.Arriving:
		st.State = types.StateArriving
	case current != nil:
		st.State = types.StateEnRoute
	case next != nil && !e.now.Before(next.start.Add(-e.windows.Boarding)):
		st.State = types.StateBoarding
	case next != nil:
		st.State = types.StateAwaiting
	default:
		st.State = types.StateReserve
	}
	st.Category = st.State.Category()

	return st
}

// Vehicles derives the state of every vehicle in the fleet, sorted by id.
func (e *Engine) Vehicles() []types.VehicleStatus {
	out := make([]types.VehicleStatus, 0, len(e.vehicles))
	for _, v := range e.vehicles {
		out = append(out, e.VehicleStatus(v))
	}
	return out
}

// Counts tallies vehicles per state. Every state is present, possibly zero.
func (e *Engine) Counts() map[types.VehicleState]int {
	counts := make(map[types.VehicleState]int, len(types.AllVehicleStates))
	for _, s := range types.AllVehicleStates {
		counts[s] = 0
	}
	for _, st := range e.Vehicles() {
		counts[st.State]++
	}
	return counts
}

// Board lists the departures still on display, in departure order.
// A limit of zero or less means no limit.
func (e *Engine) Board(limit int) []types.BoardEntry {
	states := make(map[string]types.VehicleState, len(e.vehicles))
	for _, st := range e.Vehicles() {
		states[st.Vehicle.ID] = st.State
	}

	var board []types.BoardEntry
	for _, t := range e.trips {
		if !e.now.Before(t.start.Add(e.windows.DepartedVisibility)) {
			continue
		}

		entry := types.BoardEntry{
			Departure:    t.dep,
			DepartsAt:    t.start,
			Status:       e.tripStatus(t),
			MinutesUntil: minutesUntil(e.now, t.start),
		}
		if id := t.dep.VehicleID; id != "" {
			if s, ok := states[id]; ok {
				entry.VehicleState = s
			} else {
				entry.VehicleMissing = true
			}
		}
		board = append(board, entry)

		if limit > 0 && len(board) == limit {
			break
		}
	}
	return board
}

// minutesUntil rounds up so a bus leaving in 30s still shows "1 min".
// Departed trips round down and are always at least a minute negative.
func minutesUntil(now, at time.Time) int {
	if at.After(now) {
		return int(math.Ceil(at.Sub(now).Minutes()))
	}
	m := int(math.Floor(at.Sub(now).Minutes()))
	if m == 0 {
		return -1
	}
	return m
}
