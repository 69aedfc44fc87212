package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"depotboard/pkg/depot"
	"depotboard/pkg/loki"
	"depotboard/pkg/status"
)

const scheduleJSON = `{"departures": [
  {"id": "D1", "time": "08:00", "line": "7", "destination": "Harbour", "vehicle_id": "V1", "duration_min": 40},
  {"id": "D2", "time": "08:20", "line": "12", "destination": "Airport", "duration_min": "30"}
]}`

const fleetXML = `<fleet>
  <vehicle id="V1"><plate>AB12 CDE</plate><parking_spot>A1</parking_spot></vehicle>
  <vehicle id="V2"><plate>XY34 ZZZ</plate><maintenance>true</maintenance></vehicle>
</fleet>`

var testNow = time.Date(2024, 3, 12, 7, 50, 0, 0, time.UTC)

func writeSources(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	schedule := filepath.Join(dir, "schedule.json")
	fleet := filepath.Join(dir, "fleet.xml")
	if err := os.WriteFile(schedule, []byte(scheduleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fleet, []byte(fleetXML), 0o644); err != nil {
		t.Fatal(err)
	}
	return schedule, fleet
}

func newStore() *depot.Store {
	return depot.NewStore(depot.Options{DepotID: "north", Windows: status.DefaultWindows()})
}

func TestNewPipeline_Validation(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		store     *depot.Store
		expectErr bool
		errMsg    string
	}{
		{
			name: "valid config",
			config: Config{
				ScheduleLocation: "schedule.json",
				FleetLocation:    "fleet.json",
				LokiURL:          "http://localhost:3100",
				Interval:         30 * time.Second,
			},
			store: newStore(),
		},
		{
			name: "valid config with dry run",
			config: Config{
				ScheduleLocation: "schedule.json",
				FleetLocation:    "fleet.json",
				DryRun:           true,
				Interval:         30 * time.Second,
			},
			store: newStore(),
		},
		{
			name:      "missing store",
			config:    Config{ScheduleLocation: "schedule.json", FleetLocation: "fleet.json", DryRun: true},
			expectErr: true,
			errMsg:    "depot store is required",
		},
		{
			name:      "missing schedule",
			config:    Config{FleetLocation: "fleet.json", DryRun: true},
			store:     newStore(),
			expectErr: true,
			errMsg:    "schedule location is required",
		},
		{
			name:      "missing fleet",
			config:    Config{ScheduleLocation: "schedule.json", DryRun: true},
			store:     newStore(),
			expectErr: true,
			errMsg:    "fleet location is required",
		},
		{
			name:      "missing loki url outside dry run",
			config:    Config{ScheduleLocation: "schedule.json", FleetLocation: "fleet.json"},
			store:     newStore(),
			expectErr: true,
			errMsg:    "loki URL is required unless running dry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, err := New(tt.config, tt.store)

			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error containing %q, got nil", tt.errMsg)
				} else if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("Expected error %q, got %q", tt.errMsg, err.Error())
				}
				if pipeline != nil {
					t.Error("Expected nil pipeline on error")
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				if pipeline == nil {
					t.Error("Expected non-nil pipeline")
				}
			}
		})
	}
}

func TestNewPipeline_DryRunNoLokiClient(t *testing.T) {
	pipeline, err := New(Config{ScheduleLocation: "s.json", FleetLocation: "f.json", DryRun: true}, newStore())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pipeline.lokiClient != nil {
		t.Error("Expected lokiClient to be nil in dry run mode")
	}
	if pipeline.config.Out != os.Stdout {
		t.Error("Expected dry run output to default to stdout")
	}
}

func TestNewPipeline_ProductionHasLokiClient(t *testing.T) {
	pipeline, err := New(Config{
		ScheduleLocation: "s.json",
		FleetLocation:    "f.json",
		LokiURL:          "http://localhost:3100",
	}, newStore())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pipeline.lokiClient == nil {
		t.Error("Expected lokiClient to be initialized in production mode")
	}
}

func TestProcessOnce_DryRun(t *testing.T) {
	schedule, fleet := writeSources(t)
	store := newStore()
	var out bytes.Buffer

	pipeline, err := New(Config{
		DryRun:           true,
		DepotID:          "north",
		ScheduleLocation: schedule,
		FleetLocation:    fleet,
		Out:              &out,
	}, store)
	if err != nil {
		t.Fatal(err)
	}
	pipeline.now = func() time.Time { return testNow }

	if err := pipeline.processOnce(context.Background(), "test"); err != nil {
		t.Fatalf("processOnce: %v", err)
	}

	if !store.LoadedAt().Equal(testNow) {
		t.Errorf("LoadedAt = %v, want %v", store.LoadedAt(), testNow)
	}

	printed := out.String()
	for _, want := range []string{
		"=== DRY RUN - Depot north ===",
		"Vehicles: 2, board entries: 2",
		`"vehicle_id":"V1"`,
		`"state":"maintenance"`,
		`"departure_id":"D2"`,
		"=== END DRY RUN ===",
	} {
		if !strings.Contains(printed, want) {
			t.Errorf("dry run output missing %q:\n%s", want, printed)
		}
	}
}

func TestProcessOnce_KeepsPreviousDataOnFailure(t *testing.T) {
	schedule, fleet := writeSources(t)
	store := newStore()

	pipeline, err := New(Config{
		DryRun:           true,
		ScheduleLocation: schedule,
		FleetLocation:    fleet,
		Out:              io.Discard,
	}, store)
	if err != nil {
		t.Fatal(err)
	}
	pipeline.now = func() time.Time { return testNow }

	if err := pipeline.processOnce(context.Background(), "test"); err != nil {
		t.Fatalf("first processOnce: %v", err)
	}

	if err := os.WriteFile(schedule, []byte(`{"departures": [`), 0o644); err != nil {
		t.Fatal(err)
	}
	pipeline.now = func() time.Time { return testNow.Add(time.Minute) }

	if err := pipeline.processOnce(context.Background(), "test"); err == nil {
		t.Error("Expected an error for the broken schedule")
	}

	if !store.LoadedAt().Equal(testNow) {
		t.Errorf("LoadedAt = %v, previous load should be kept", store.LoadedAt())
	}
	snap := store.Snapshot(testNow)
	if len(snap.Board) != 2 {
		t.Errorf("board has %d entries, want the previous 2", len(snap.Board))
	}
}

func TestProcessOnce_NothingLoaded(t *testing.T) {
	pipeline, err := New(Config{
		DryRun:           true,
		ScheduleLocation: filepath.Join(t.TempDir(), "missing.json"),
		FleetLocation:    filepath.Join(t.TempDir(), "missing.xml"),
		Out:              io.Discard,
	}, newStore())
	if err != nil {
		t.Fatal(err)
	}

	err = pipeline.processOnce(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "no data loaded yet") {
		t.Errorf("Expected no data error, got %v", err)
	}
}

func TestProcessOnce_SendsToLoki(t *testing.T) {
	schedule, fleet := writeSources(t)

	var pushReq loki.PushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
			t.Errorf("decode push: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pipeline, err := New(Config{
		DepotID:          "north",
		ScheduleLocation: schedule,
		FleetLocation:    fleet,
		LokiURL:          server.URL,
	}, newStore())
	if err != nil {
		t.Fatal(err)
	}
	pipeline.now = func() time.Time { return testNow }

	if err := pipeline.processOnce(context.Background(), "test"); err != nil {
		t.Fatalf("processOnce: %v", err)
	}

	kinds := make(map[string]int)
	for _, s := range pushReq.Streams {
		kinds[s.Stream["kind"]] = len(s.Values)
	}
	if kinds["vehicle"] != 2 || kinds["board"] != 2 {
		t.Errorf("pushed lines per kind = %v, want 2 vehicles and 2 board entries", kinds)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	schedule, fleet := writeSources(t)
	store := newStore()

	pipeline, err := New(Config{
		DryRun:            true,
		ScheduleLocation:  schedule,
		FleetLocation:     fleet,
		Interval:          time.Hour,
		RecomputeInterval: 10 * time.Millisecond,
		Watch:             true,
		Out:               io.Discard,
	}, store)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for store.LoadedAt().IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.LoadedAt().IsZero() {
		t.Fatal("initial refresh did not load data")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	var vehicles int
	for _, n := range store.Snapshot(time.Now()).Counts {
		vehicles += n
	}
	if vehicles != 2 {
		t.Errorf("counted %d vehicles, want 2", vehicles)
	}
}
