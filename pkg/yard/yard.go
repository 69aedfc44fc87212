// Package yard computes parking occupancy of the depot yard.
package yard

import (
	"sort"

	"depotboard/pkg/types"
)

type Zone struct {
	Name  string   `yaml:"name" json:"name"`
	Spots []string `yaml:"spots" json:"spots"`
}

type Layout struct {
	Zones []Zone `yaml:"zones" json:"zones"`
}

// SpotIDs returns every spot id in layout order.
func (l Layout) SpotIDs() []string {
	var ids []string
	for _, z := range l.Zones {
		ids = append(ids, z.Spots...)
	}
	return ids
}

type Spot struct {
	ID        string             `json:"id"`
	VehicleID string             `json:"vehicle_id,omitempty"`
	State     types.VehicleState `json:"state,omitempty"`
}

type Totals struct {
	Total    int     `json:"total"`
	Occupied int     `json:"occupied"`
	Free     int     `json:"free"`
	Ratio    float64 `json:"ratio"`
}

func (t *Totals) add(occupied bool) {
	t.Total++
	if occupied {
		t.Occupied++
	} else {
		t.Free++
	}
}

func (t *Totals) finish() {
	if t.Total > 0 {
		t.Ratio = float64(t.Occupied) / float64(t.Total)
	}
}

type ZoneOccupancy struct {
	Name  string `json:"name"`
	Spots []Spot `json:"spots"`
	Totals
}

// SpotConflict records vehicles claiming a spot that is already taken.
type SpotConflict struct {
	SpotID     string   `json:"spot_id"`
	VehicleIDs []string `json:"vehicle_ids"`
}

type Occupancy struct {
	Zones []ZoneOccupancy `json:"zones"`
	Totals
	// Unplaced vehicles are parked but have no known spot.
	Unplaced  []string       `json:"unplaced,omitempty"`
	Conflicts []SpotConflict `json:"conflicts,omitempty"`
}

// Parked reports whether a vehicle in state s occupies its yard spot.
// Vehicles at the platform or out on a trip do not.
func Parked(s types.VehicleState) bool {
	c := s.Category()
	return c == types.CategoryInDepot || c == types.CategoryMaintenance
}

// Compute places parked vehicles on their spots. When several vehicles
// claim the same spot the lowest id keeps it and the clash is reported.
func Compute(layout Layout, statuses []types.VehicleStatus) Occupancy {
	known := make(map[string]bool)
	for _, id := range layout.SpotIDs() {
		known[id] = true
	}

	sorted := make([]types.VehicleStatus, len(statuses))
	copy(sorted, statuses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vehicle.ID < sorted[j].Vehicle.ID })

	var occ Occupancy
	claims := make(map[string][]types.VehicleStatus)
	for _, st := range sorted {
		if !Parked(st.State) {
			continue
		}
		spot := st.Vehicle.ParkingSpot
		if spot == "" || !known[spot] {
			occ.Unplaced = append(occ.Unplaced, st.Vehicle.ID)
			continue
		}
		claims[spot] = append(claims[spot], st)
	}

	for _, z := range layout.Zones {
		zo := ZoneOccupancy{Name: z.Name}
		for _, id := range z.Spots {
			spot := Spot{ID: id}
			if cs := claims[id]; len(cs) > 0 {
				spot.VehicleID = cs[0].Vehicle.ID
				spot.State = cs[0].State
				if len(cs) > 1 {
					c := SpotConflict{SpotID: id}
					for _, st := range cs {
						c.VehicleIDs = append(c.VehicleIDs, st.Vehicle.ID)
					}
					occ.Conflicts = append(occ.Conflicts, c)
				}
			}
			zo.Spots = append(zo.Spots, spot)
			zo.add(spot.VehicleID != "")
			occ.add(spot.VehicleID != "")
		}
		zo.finish()
		occ.Zones = append(occ.Zones, zo)
	}
	occ.finish()

	return occ
}
