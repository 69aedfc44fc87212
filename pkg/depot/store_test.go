package depot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"depotboard/pkg/assign"
	"depotboard/pkg/status"
	"depotboard/pkg/types"
	"depotboard/pkg/yard"

	"github.com/google/go-cmp/cmp"
)

var testDay = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func at(clock string) time.Time {
	return types.MustParseClock(clock).On(testDay)
}

func newTestStore() *Store {
	s := NewStore(Options{
		DepotID:  "north",
		Windows:  status.DefaultWindows(),
		Rollover: types.MustParseClock("03:00"),
		Yard: yard.Layout{Zones: []yard.Zone{
			{Name: "A", Spots: []string{"A1", "A2", "A3"}},
		}},
		LineColors: map[string]string{"7": "#3498DB"},
	})
	s.Load(
		[]types.Departure{
			{ID: "D1", Time: types.MustParseClock("08:00"), Line: "7", VehicleID: "V1", DurationMin: 40},
			{ID: "D2", Time: types.MustParseClock("08:10"), Line: "12", DurationMin: 30},
			{ID: "D3", Time: types.MustParseClock("09:30"), Line: "7", DurationMin: 30},
		},
		[]types.Vehicle{
			{ID: "V1", ParkingSpot: "A1"},
			{ID: "V2", ParkingSpot: "A2"},
			{ID: "V3", ParkingSpot: "A3", Maintenance: true},
		},
		at("07:00"),
	)
	return s
}

func TestSnapshot(t *testing.T) {
	s := newTestStore()

	snap := s.Snapshot(at("07:50"))

	if snap.DepotID != "north" {
		t.Errorf("DepotID = %q, want north", snap.DepotID)
	}
	if !snap.ServiceDay.Equal(testDay) {
		t.Errorf("ServiceDay = %v, want %v", snap.ServiceDay, testDay)
	}
	if !snap.LoadedAt.Equal(at("07:00")) {
		t.Errorf("LoadedAt = %v, want 07:00", snap.LoadedAt)
	}

	if len(snap.Board) != 3 {
		t.Fatalf("board has %d entries, want 3", len(snap.Board))
	}
	if snap.Board[0].Status != types.TripConfirmed {
		t.Errorf("D1 status = %s, want confirmed", snap.Board[0].Status)
	}
	if snap.Board[0].LineColor != "#3498DB" {
		t.Errorf("D1 line color = %q, want pinned color", snap.Board[0].LineColor)
	}
	if snap.Board[1].LineColor == "" {
		t.Error("expected a generated color for line 12")
	}
	for _, e := range snap.Board {
		if !strings.HasPrefix(e.LineBadge, "data:image/svg+xml;base64,") {
			t.Errorf("departure %s line badge = %q", e.Departure.ID, e.LineBadge)
		}
	}

	for _, v := range snap.Vehicles {
		if v.Badge == "" {
			t.Errorf("vehicle %s has no badge", v.Vehicle.ID)
		}
	}

	wantTrips := map[types.TripStatus]int{
		types.TripScheduled: 2,
		types.TripImminent:  0,
		types.TripConfirmed: 1,
		types.TripDeparted:  0,
	}
	if diff := cmp.Diff(wantTrips, snap.TripCounts); diff != "" {
		t.Errorf("trip counts mismatch (-want +got):\n%s", diff)
	}

	if snap.Counts[types.StateAwaiting] != 1 || snap.Counts[types.StateReserve] != 1 || snap.Counts[types.StateMaintenance] != 1 {
		t.Errorf("unexpected counts %v", snap.Counts)
	}

	if len(snap.Slots) != 2 {
		t.Errorf("got %d slots, want 2", len(snap.Slots))
	}
	if snap.Yard.Occupied != 3 {
		t.Errorf("yard occupied = %d, want 3", snap.Yard.Occupied)
	}
}

func TestSnapshot_AfterMidnightBelongsToPreviousDay(t *testing.T) {
	s := newTestStore()

	snap := s.Snapshot(testDay.Add(26 * time.Hour)) // 02:00 next calendar day
	if !snap.ServiceDay.Equal(testDay) {
		t.Errorf("ServiceDay = %v, want %v", snap.ServiceDay, testDay)
	}
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("applies and records override", func(t *testing.T) {
		s := newTestStore()
		d := s.Assign(ctx, at("07:00"), "D3", "V2", false)
		if !d.Applied {
			t.Fatalf("expected applied, got conflicts %v", d.Conflicts)
		}

		overrides := s.Overrides()
		if len(overrides) != 1 {
			t.Fatalf("got %d overrides, want 1", len(overrides))
		}
		if overrides[0].ID == "" || overrides[0].VehicleID != "V2" || overrides[0].DepartureID != "D3" {
			t.Errorf("unexpected override %+v", overrides[0])
		}

		snap := s.Snapshot(at("07:00"))
		for _, v := range snap.Vehicles {
			if v.Vehicle.ID == "V2" && v.State != types.StateAwaiting {
				t.Errorf("V2 state = %s, want awaiting", v.State)
			}
		}
	})

	t.Run("soft conflict needs force", func(t *testing.T) {
		s := newTestStore()
		d := s.Assign(ctx, at("07:00"), "D2", "V1", false)
		if d.Applied {
			t.Fatal("expected rejection without force")
		}
		if !d.HasKind(assign.ConflictSameSlot) || !d.HasKind(assign.ConflictOverlap) {
			t.Errorf("expected same_slot and overlap, got %v", d.Conflicts)
		}
		if len(s.Overrides()) != 0 {
			t.Error("rejected assignment must not be recorded")
		}

		d = s.Assign(ctx, at("07:00"), "D2", "V1", true)
		if !d.Applied || !d.Forced {
			t.Errorf("expected forced assignment, got %+v", d)
		}
		if !s.Overrides()[0].Forced {
			t.Error("override should be marked forced")
		}
	})

	t.Run("hard conflict cannot be forced", func(t *testing.T) {
		s := newTestStore()
		d := s.Assign(ctx, at("07:00"), "D3", "V3", true)
		if d.Applied {
			t.Fatal("maintenance vehicle must not be assigned")
		}
		if !d.HasKind(assign.ConflictMaintenance) {
			t.Errorf("expected maintenance conflict, got %v", d.Conflicts)
		}
	})
}

func TestUnassign(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.Unassign(ctx, at("07:00"), "D1"); err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	snap := s.Snapshot(at("07:50"))
	if snap.Board[0].Departure.VehicleID != "" {
		t.Errorf("D1 still has vehicle %q", snap.Board[0].Departure.VehicleID)
	}
	if snap.Board[0].Status != types.TripImminent {
		t.Errorf("D1 status = %s, want imminent", snap.Board[0].Status)
	}

	if err := s.Unassign(ctx, at("07:00"), "NOPE"); !errors.Is(err, ErrUnknownDeparture) {
		t.Errorf("Unassign unknown = %v, want ErrUnknownDeparture", err)
	}
}

func TestLoad_ReappliesOverrides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if d := s.Assign(ctx, at("07:00"), "D3", "V2", false); !d.Applied {
		t.Fatalf("assign failed: %v", d.Conflicts)
	}
	if err := s.Unassign(ctx, at("07:00"), "D1"); err != nil {
		t.Fatal(err)
	}

	// A reload that no longer has D1.
	dropped := s.Load(
		[]types.Departure{
			{ID: "D2", Time: types.MustParseClock("08:10"), Line: "12", DurationMin: 30},
			{ID: "D3", Time: types.MustParseClock("09:30"), Line: "7", DurationMin: 30},
		},
		[]types.Vehicle{{ID: "V1"}, {ID: "V2"}},
		at("07:05"),
	)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	snap := s.Snapshot(at("07:10"))
	for _, e := range snap.Board {
		if e.Departure.ID == "D3" && e.Departure.VehicleID != "V2" {
			t.Errorf("D3 vehicle = %q, want V2 after reload", e.Departure.VehicleID)
		}
	}
	if got := len(s.Overrides()); got != 1 {
		t.Errorf("got %d overrides, want 1", got)
	}
}

func TestLoad_CopiesInput(t *testing.T) {
	deps := []types.Departure{{ID: "D1", Time: types.MustParseClock("08:00"), DurationMin: 30}}
	s := NewStore(Options{Windows: status.DefaultWindows()})
	s.Load(deps, []types.Vehicle{{ID: "V1"}}, at("07:00"))

	if d := s.Assign(context.Background(), at("07:00"), "D1", "V1", false); !d.Applied {
		t.Fatalf("assign failed: %v", d.Conflicts)
	}
	if deps[0].VehicleID != "" {
		t.Error("Assign modified the caller's slice")
	}
}

func TestAvailable(t *testing.T) {
	s := newTestStore()

	vehicles, err := s.Available(at("07:00"), "D2")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, v := range vehicles {
		ids = append(ids, v.ID)
	}
	if diff := cmp.Diff([]string{"V2"}, ids); diff != "" {
		t.Errorf("available mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Available(at("07:00"), "NOPE"); !errors.Is(err, ErrUnknownDeparture) {
		t.Errorf("Available unknown = %v, want ErrUnknownDeparture", err)
	}
}
