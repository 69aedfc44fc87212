// Package assign groups departures into time slots and checks manual
// vehicle assignments for conflicts.
package assign

import (
	"fmt"
	"sort"
	"time"

	"depotboard/pkg/types"
)

const DefaultSlotSize = 30 * time.Minute

type ConflictKind string

const (
	ConflictUnknownDeparture ConflictKind = "unknown_departure"
	ConflictUnknownVehicle   ConflictKind = "unknown_vehicle"
	ConflictMaintenance      ConflictKind = "maintenance"
	ConflictDeparted         ConflictKind = "departed"
	ConflictSameSlot         ConflictKind = "same_slot"
	ConflictOverlap          ConflictKind = "overlap"
)

// Hard conflicts can never be forced through.
func (k ConflictKind) Hard() bool {
	switch k {
	case ConflictSameSlot, ConflictOverlap:
		return false
	default:
		return true
	}
}

type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	DepartureID string       `json:"departure_id,omitempty"`
	Message     string       `json:"message"`
}

// Slot is a fixed-size window of the service day and the departures in it.
type Slot struct {
	Start      types.Clock       `json:"start"`
	End        types.Clock       `json:"end"`
	Departures []types.Departure `json:"departures"`
}

// SlotOf returns the start of the slot containing c.
func SlotOf(c types.Clock, size time.Duration) types.Clock {
	if size <= 0 {
		size = DefaultSlotSize
	}
	d := c.Duration()
	return types.Clock(d - d%size)
}

// GroupSlots buckets departures by slot. Empty slots are omitted.
func GroupSlots(departures []types.Departure, size time.Duration) []Slot {
	if size <= 0 {
		size = DefaultSlotSize
	}

	bySlot := make(map[types.Clock][]types.Departure)
	for _, d := range departures {
		start := SlotOf(d.Time, size)
		bySlot[start] = append(bySlot[start], d)
	}

	slots := make([]Slot, 0, len(bySlot))
	for start, deps := range bySlot {
		sort.SliceStable(deps, func(i, j int) bool {
			if deps[i].Time != deps[j].Time {
				return deps[i].Time < deps[j].Time
			}
			return deps[i].ID < deps[j].ID
		})
		slots = append(slots, Slot{
			Start:      start,
			End:        types.Clock(start.Duration() + size),
			Departures: deps,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })

	return slots
}

// Plan is the working set an assignment is checked against.
type Plan struct {
	Departures []types.Departure
	Vehicles   []types.Vehicle
	ServiceDay time.Time
	Now        time.Time
	SlotSize   time.Duration
	// Boarding extends each trip's busy interval before departure.
	Boarding time.Duration
}

func (p *Plan) departure(id string) (int, bool) {
	for i, d := range p.Departures {
		if d.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (p *Plan) vehicle(id string) (types.Vehicle, bool) {
	for _, v := range p.Vehicles {
		if v.ID == id {
			return v, true
		}
	}
	return types.Vehicle{}, false
}

// busy is the interval a trip ties up its vehicle: boarding through return.
func (p *Plan) busy(d types.Departure) (time.Time, time.Time) {
	start := d.Time.On(p.ServiceDay)
	return start.Add(-p.Boarding), start.Add(d.TripDuration())
}

// Check lists every reason vehicleID cannot take departureID.
func Check(p *Plan, departureID, vehicleID string) []Conflict {
	var conflicts []Conflict

	idx, ok := p.departure(departureID)
	if !ok {
		conflicts = append(conflicts, Conflict{
			Kind:    ConflictUnknownDeparture,
			Message: fmt.Sprintf("departure %s not found", departureID),
		})
	}
	v, vok := p.vehicle(vehicleID)
	if !vok {
		conflicts = append(conflicts, Conflict{
			Kind:    ConflictUnknownVehicle,
			Message: fmt.Sprintf("vehicle %s not found", vehicleID),
		})
	}
	if !ok || !vok {
		return conflicts
	}

	target := p.Departures[idx]
	if v.Maintenance {
		conflicts = append(conflicts, Conflict{
			Kind:    ConflictMaintenance,
			Message: fmt.Sprintf("vehicle %s is in maintenance", v.ID),
		})
	}
	if !p.Now.Before(target.Time.On(p.ServiceDay)) {
		conflicts = append(conflicts, Conflict{
			Kind:        ConflictDeparted,
			DepartureID: target.ID,
			Message:     fmt.Sprintf("departure %s already left at %s", target.ID, target.Time),
		})
	}

	slot := SlotOf(target.Time, p.SlotSize)
	tStart, tEnd := p.busy(target)

	for _, other := range p.Departures {
		if other.ID == target.ID || other.VehicleID != vehicleID {
			continue
		}
		if SlotOf(other.Time, p.SlotSize) == slot {
			conflicts = append(conflicts, Conflict{
				Kind:        ConflictSameSlot,
				DepartureID: other.ID,
				Message:     fmt.Sprintf("vehicle %s already runs %s in the %s slot", vehicleID, other.ID, slot),
			})
		}
		oStart, oEnd := p.busy(other)
		if tStart.Before(oEnd) && oStart.Before(tEnd) {
			conflicts = append(conflicts, Conflict{
				Kind:        ConflictOverlap,
				DepartureID: other.ID,
				Message: fmt.Sprintf("vehicle %s is busy on %s from %s until %s",
					vehicleID, other.ID, oStart.Format("15:04"), oEnd.Format("15:04")),
			})
		}
	}

	return conflicts
}

// Decision is the outcome of an assignment attempt.
type Decision struct {
	Applied   bool       `json:"applied"`
	Forced    bool       `json:"forced,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// HasKind reports whether any conflict is of kind k.
func (d Decision) HasKind(k ConflictKind) bool {
	for _, c := range d.Conflicts {
		if c.Kind == k {
			return true
		}
	}
	return false
}

// Assign puts vehicleID on departureID when Check finds nothing. With force,
// soft conflicts are reported but do not block.
func Assign(p *Plan, departureID, vehicleID string, force bool) Decision {
	conflicts := Check(p, departureID, vehicleID)

	blocked := false
	for _, c := range conflicts {
		if c.Kind.Hard() || !force {
			blocked = true
			break
		}
	}
	if blocked {
		return Decision{Conflicts: conflicts}
	}

	idx, _ := p.departure(departureID)
	p.Departures[idx].VehicleID = vehicleID
	return Decision{Applied: true, Forced: len(conflicts) > 0, Conflicts: conflicts}
}

// Unassign clears the vehicle of a departure. It reports false when the
// departure does not exist.
func Unassign(p *Plan, departureID string) bool {
	idx, ok := p.departure(departureID)
	if !ok {
		return false
	}
	p.Departures[idx].VehicleID = ""
	return true
}

// Available lists the vehicles that could take departureID without any
// conflict, sorted by id. The vehicle currently on it counts as available.
func Available(p *Plan, departureID string) []types.Vehicle {
	if _, ok := p.departure(departureID); !ok {
		return nil
	}

	var out []types.Vehicle
	for _, v := range p.Vehicles {
		if len(Check(p, departureID, v.ID)) == 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
