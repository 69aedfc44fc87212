package yard

import (
	"testing"

	"depotboard/pkg/types"

	"github.com/google/go-cmp/cmp"
)

func status(id, spot string, state types.VehicleState) types.VehicleStatus {
	return types.VehicleStatus{
		Vehicle:  types.Vehicle{ID: id, ParkingSpot: spot},
		State:    state,
		Category: state.Category(),
	}
}

func TestCompute(t *testing.T) {
	layout := Layout{Zones: []Zone{
		{Name: "A", Spots: []string{"A1", "A2", "A3"}},
		{Name: "B", Spots: []string{"B1"}},
	}}

	statuses := []types.VehicleStatus{
		status("V1", "A1", types.StateReserve),
		status("V2", "A2", types.StateEnRoute),
		status("V3", "B1", types.StateMaintenance),
		status("V4", "", types.StateAwaiting),
		status("V5", "Z9", types.StateReserve),
		status("V6", "A3", types.StateBoarding),
	}

	occ := Compute(layout, statuses)

	if occ.Total != 4 || occ.Occupied != 2 || occ.Free != 2 {
		t.Errorf("totals = %+v, want 4 total, 2 occupied, 2 free", occ.Totals)
	}
	if occ.Ratio != 0.5 {
		t.Errorf("ratio = %v, want 0.5", occ.Ratio)
	}

	a := occ.Zones[0]
	if a.Occupied != 1 || a.Free != 2 {
		t.Errorf("zone A = %+v, want 1 occupied, 2 free", a.Totals)
	}
	if a.Spots[0].VehicleID != "V1" || a.Spots[1].VehicleID != "" {
		t.Errorf("zone A spots = %+v", a.Spots)
	}
	if occ.Zones[1].Spots[0].State != types.StateMaintenance {
		t.Errorf("B1 state = %q, want maintenance", occ.Zones[1].Spots[0].State)
	}

	if diff := cmp.Diff([]string{"V4", "V5"}, occ.Unplaced); diff != "" {
		t.Errorf("unplaced mismatch (-want +got):\n%s", diff)
	}
}

func TestCompute_SpotConflict(t *testing.T) {
	layout := Layout{Zones: []Zone{{Name: "A", Spots: []string{"A1"}}}}
	statuses := []types.VehicleStatus{
		status("V9", "A1", types.StateReserve),
		status("V2", "A1", types.StateAwaiting),
	}

	occ := Compute(layout, statuses)

	if occ.Zones[0].Spots[0].VehicleID != "V2" {
		t.Errorf("A1 holder = %q, want V2", occ.Zones[0].Spots[0].VehicleID)
	}
	want := []SpotConflict{{SpotID: "A1", VehicleIDs: []string{"V2", "V9"}}}
	if diff := cmp.Diff(want, occ.Conflicts); diff != "" {
		t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
	}
	if occ.Occupied != 1 {
		t.Errorf("occupied = %d, want 1", occ.Occupied)
	}
}

func TestCompute_EmptyLayout(t *testing.T) {
	occ := Compute(Layout{}, []types.VehicleStatus{status("V1", "A1", types.StateReserve)})
	if occ.Total != 0 || occ.Ratio != 0 {
		t.Errorf("totals = %+v, want zero", occ.Totals)
	}
	if len(occ.Unplaced) != 1 {
		t.Errorf("unplaced = %v, want [V1]", occ.Unplaced)
	}
}

func TestParked(t *testing.T) {
	tests := map[types.VehicleState]bool{
		types.StateEnRoute:     false,
		types.StateArriving:    false,
		types.StateBoarding:    false,
		types.StateAwaiting:    true,
		types.StateReserve:     true,
		types.StateMaintenance: true,
	}
	for state, want := range tests {
		if got := Parked(state); got != want {
			t.Errorf("Parked(%s) = %v, want %v", state, got, want)
		}
	}
}
