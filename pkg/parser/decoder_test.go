package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"depotboard/pkg/source"
	"depotboard/pkg/types"

	"github.com/google/go-cmp/cmp"
)

func loadDoc(t *testing.T, name string) *source.Document {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return &source.Document{Location: path, Data: data}
}

func TestDecodeSchedule_JSON(t *testing.T) {
	deps, stats, err := NewDecoder().DecodeSchedule(context.Background(), loadDoc(t, "schedule.json"))
	if err != nil {
		t.Fatalf("DecodeSchedule failed: %v", err)
	}

	if stats.Extracted != 4 || stats.Failed != 3 {
		t.Errorf("stats = %+v, want 4 extracted, 3 failed", stats)
	}

	want := []types.Departure{
		{ID: "D1", Time: types.MustParseClock("07:45"), Line: "7", Destination: "City Centre", Platform: "1", VehicleID: "BUS-101", DurationMin: 55},
		{ID: "D2", Time: types.MustParseClock("08:00"), Line: "49x", Destination: "Airport", Platform: "2", VehicleID: "BUS-102", DurationMin: 80},
		{ID: "D3", Time: types.MustParseClock("08:10"), Line: "7", Destination: "City Centre", Platform: "1", DurationMin: 55},
		{ID: "D4", Time: types.MustParseClock("25:05"), Line: "N7", Destination: "City Centre", Platform: "3", VehicleID: "BUS-103", DurationMin: 70},
	}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Errorf("departures mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSchedule_BareArray(t *testing.T) {
	doc := &source.Document{Data: []byte(`[{"departureId": "X1", "departureTime": "06:30", "route": "3", "durationMin": 20}]`)}

	deps, _, err := NewDecoder().DecodeSchedule(context.Background(), doc)
	if err != nil {
		t.Fatalf("DecodeSchedule failed: %v", err)
	}
	if len(deps) != 1 || deps[0].ID != "X1" || deps[0].Line != "3" || deps[0].DurationMin != 20 {
		t.Errorf("departures = %+v", deps)
	}
}

func TestDecodeSchedule_XMLSingleRecord(t *testing.T) {
	doc := &source.Document{Data: []byte(`<schedule><departure id="S1"><time>05:55</time><line>12</line><vehicle>BUS-7</vehicle><duration>40</duration></departure></schedule>`)}

	deps, stats, err := NewDecoder().DecodeSchedule(context.Background(), doc)
	if err != nil {
		t.Fatalf("DecodeSchedule failed: %v", err)
	}
	if stats.Extracted != 1 {
		t.Fatalf("stats = %+v, want 1 extracted", stats)
	}
	want := types.Departure{ID: "S1", Time: types.MustParseClock("05:55"), Line: "12", VehicleID: "BUS-7", DurationMin: 40}
	if diff := cmp.Diff(want, deps[0]); diff != "" {
		t.Errorf("departure mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFleet_XML(t *testing.T) {
	vehicles, stats, err := NewDecoder().DecodeFleet(context.Background(), loadDoc(t, "fleet.xml"))
	if err != nil {
		t.Fatalf("DecodeFleet failed: %v", err)
	}

	if stats.Extracted != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 extracted, 1 failed", stats)
	}

	want := []types.Vehicle{
		{ID: "BUS-101", Plate: "AB12 CDE", Model: "Enviro400", Capacity: 87, ParkingSpot: "A1"},
		{ID: "BUS-102", Plate: "AB12 CDF", Capacity: 87, Maintenance: true, ParkingSpot: "A2"},
	}
	if diff := cmp.Diff(want, vehicles); diff != "" {
		t.Errorf("vehicles mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFleet_JSON(t *testing.T) {
	doc := &source.Document{Data: []byte(`{"vehicles": [
		{"id": "V1", "capacity": 60, "maintenance": true, "spot": "B2"},
		{"id": "V2", "capacity": "sixty"}
	]}`)}

	vehicles, stats, err := NewDecoder().DecodeFleet(context.Background(), doc)
	if err != nil {
		t.Fatalf("DecodeFleet failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if len(vehicles) != 1 || !vehicles[0].Maintenance || vehicles[0].Capacity != 60 || vehicles[0].ParkingSpot != "B2" {
		t.Errorf("vehicles = %+v", vehicles)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   "},
		{"malformed json", `{"departures": [`},
		{"mismatched xml", `<schedule><departure></schedule>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewDecoder().DecodeSchedule(context.Background(), &source.Document{Data: []byte(tt.data)})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecode_ContentType(t *testing.T) {
	const xmlDoc = `<schedule><departure id="S1"><time>05:55</time><line>12</line></departure></schedule>`
	tests := []struct {
		name        string
		contentType string
		data        string
		wantErr     bool
	}{
		{"xml header", "text/xml; charset=utf-8", xmlDoc, false},
		{"vendor xml", "application/vnd.depot+xml", xmlDoc, false},
		{"no header sniffs", "", xmlDoc, false},
		{"unknown header sniffs", "text/plain", xmlDoc, false},
		{"json header wins", "application/json", xmlDoc, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &source.Document{ContentType: tt.contentType, Data: []byte(tt.data)}
			deps, _, err := NewDecoder().DecodeSchedule(context.Background(), doc)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeSchedule failed: %v", err)
			}
			if len(deps) != 1 || deps[0].ID != "S1" {
				t.Errorf("departures = %+v", deps)
			}
		})
	}
}

func TestDecode_NoRecordsKey(t *testing.T) {
	deps, stats, err := NewDecoder().DecodeSchedule(context.Background(), &source.Document{Data: []byte(`{"meta": {"generated": "now"}, "other": 1}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps) != 0 || stats.Extracted != 0 {
		t.Errorf("expected nothing decoded, got %+v", deps)
	}
}

func TestParseMinutes(t *testing.T) {
	tests := []struct {
		in        string
		want      int
		expectErr bool
	}{
		{"", 0, false},
		{"45", 45, false},
		{"45.0", 45, false},
		{"1h15m", 75, false},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMinutes(tt.in)
		if tt.expectErr {
			if err == nil {
				t.Errorf("parseMinutes(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseMinutes(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
