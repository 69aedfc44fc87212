package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"depotboard/pkg/otel"
	"depotboard/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "depotboard"

var (
	meterProvider *sdkmetric.MeterProvider

	// Meter creates instruments. Until InitMetrics runs it is the global
	// delegating meter, so instruments are always safe to use.
	Meter metric.Meter

	lastRefreshTimestamp atomic.Int64

	snapshotMu    sync.Mutex
	stateCounts   map[types.VehicleState]int
	tripCounts    map[types.TripStatus]int
	yardOccupancy float64
)

func init() {
	Meter = otelapi.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
	}
}

// InitMetrics exports metrics over OTLP when OTEL_METRICS_ENABLED is set.
// Instruments created in init are re-bound to the new provider by the
// global delegate.
func InitMetrics(depotID string) (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource(depotID)
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)
	Meter = meterProvider.Meter(meterName)

	if err := registerObservables(); err != nil {
		slog.Warn("Failed to register observable metrics", "error", err)
	}

	slog.Debug("OpenTelemetry metrics initialized", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// registerObservables exposes the latest snapshot and runtime stats as gauges.
func registerObservables() error {
	type gauge struct {
		name, desc, unit string
		cb               metric.Int64Callback
	}

	memStat := func(pick func(*runtime.MemStats) uint64) metric.Int64Callback {
		return func(_ context.Context, o metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.Observe(int64(pick(&m)))
			return nil
		}
	}

	gauges := []gauge{
		{"depot.vehicles", "Vehicles per derived state", "{vehicle}", observeStates},
		{"depot.trips", "Departures of the service day per trip status", "{trip}", observeTrips},
		{"depot.refresh.last_success.timestamp", "Unix time of the last successful source refresh", "s",
			func(_ context.Context, o metric.Int64Observer) error {
				if ts := lastRefreshTimestamp.Load(); ts > 0 {
					o.Observe(ts)
				}
				return nil
			}},
		{"runtime.go.goroutines", "Number of goroutines", "{goroutine}",
			func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(runtime.NumGoroutine()))
				return nil
			}},
		{"runtime.go.mem.heap_alloc", "Heap memory allocated", "By",
			memStat(func(m *runtime.MemStats) uint64 { return m.HeapAlloc })},
		{"runtime.go.mem.heap_inuse", "Heap memory in use", "By",
			memStat(func(m *runtime.MemStats) uint64 { return m.HeapInuse })},
		{"runtime.go.mem.sys", "Total memory obtained from OS", "By",
			memStat(func(m *runtime.MemStats) uint64 { return m.Sys })},
	}

	for _, g := range gauges {
		if _, err := Meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(g.cb),
		); err != nil {
			return err
		}
	}

	_, err := Meter.Float64ObservableGauge("depot.yard.occupancy",
		metric.WithDescription("Share of yard spots occupied"),
		metric.WithUnit("1"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			snapshotMu.Lock()
			defer snapshotMu.Unlock()
			o.Observe(yardOccupancy)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = Meter.Int64ObservableCounter("runtime.go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"),
		metric.WithInt64Callback(memStat(func(m *runtime.MemStats) uint64 { return uint64(m.NumGC) })),
	)
	return err
}

func observeStates(_ context.Context, o metric.Int64Observer) error {
	snapshotMu.Lock()
	defer snapshotMu.Unlock()
	for state, n := range stateCounts {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("state", string(state))))
	}
	return nil
}

func observeTrips(_ context.Context, o metric.Int64Observer) error {
	snapshotMu.Lock()
	defer snapshotMu.Unlock()
	for status, n := range tripCounts {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("status", string(status))))
	}
	return nil
}

// RecordSnapshot stores the latest derived counts for the observable gauges.
func RecordSnapshot(states map[types.VehicleState]int, trips map[types.TripStatus]int, occupancy float64) {
	snapshotMu.Lock()
	defer snapshotMu.Unlock()

	stateCounts = make(map[types.VehicleState]int, len(states))
	for k, v := range states {
		stateCounts[k] = v
	}
	tripCounts = make(map[types.TripStatus]int, len(trips))
	for k, v := range trips {
		tripCounts[k] = v
	}
	yardOccupancy = occupancy
}

func RecordLastRefreshTimestamp() {
	lastRefreshTimestamp.Store(time.Now().Unix())
}
