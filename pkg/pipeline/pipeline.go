package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"depotboard/pkg/depot"
	"depotboard/pkg/loki"
	"depotboard/pkg/metrics"
	dotel "depotboard/pkg/otel"
	"depotboard/pkg/parser"
	"depotboard/pkg/source"
	"depotboard/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Pipeline struct {
	config     Config
	store      *depot.Store
	source     *source.Client
	lokiClient *loki.Client
	decoder    *parser.Decoder
	tracer     trace.Tracer
	now        func() time.Time
}

type Config struct {
	DryRun           bool
	DepotID          string
	ScheduleLocation string
	FleetLocation    string
	LokiURL          string
	LokiUser         string
	LokiPassword     string
	Interval         time.Duration
	// RecomputeInterval refreshes derived metrics between fetches.
	RecomputeInterval time.Duration
	Watch             bool
	// Out receives dry run output, stdout when nil.
	Out io.Writer
}

func New(config Config, store *depot.Store) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("depot store is required")
	}
	if config.ScheduleLocation == "" {
		return nil, fmt.Errorf("schedule location is required")
	}
	if config.FleetLocation == "" {
		return nil, fmt.Errorf("fleet location is required")
	}
	if !config.DryRun && config.LokiURL == "" {
		return nil, fmt.Errorf("loki URL is required unless running dry")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}

	pipeline := &Pipeline{
		config:  config,
		store:   store,
		source:  source.NewClient(),
		decoder: parser.NewDecoder(),
		tracer:  otel.Tracer("pipeline"),
		now:     time.Now,
	}

	// Only create Loki client if not in dry run mode
	if !config.DryRun {
		pipeline.lokiClient = loki.NewClient(config.LokiURL, config.LokiUser, config.LokiPassword)
	}

	return pipeline, nil
}

// Run refreshes immediately and then on every interval tick and every
// change of a watched local source, until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	var recompute <-chan time.Time
	if p.config.RecomputeInterval > 0 {
		rt := time.NewTicker(p.config.RecomputeInterval)
		defer rt.Stop()
		recompute = rt.C
	}

	var changes <-chan string
	if p.config.Watch {
		w, err := source.NewWatcher(p.config.ScheduleLocation, p.config.FleetLocation)
		if err != nil {
			slog.Warn("File watching disabled", "error", err)
		} else {
			defer w.Close()
			go w.Run(ctx)
			changes = w.Changes()
		}
	}

	slog.Info("Pipeline started", "interval", p.config.Interval, "watch", changes != nil)

	if err := p.processOnce(ctx, "startup"); err != nil {
		slog.Error("Error in initial processing", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.processOnce(ctx, "interval"); err != nil {
				slog.Error("Error processing", "error", err)
			}
		case path := <-changes:
			slog.Info("Source changed, refreshing", "path", path)
			if err := p.processOnce(ctx, "file_change"); err != nil {
				slog.Error("Error processing", "error", err)
			}
		case <-recompute:
			p.recordSnapshot(p.store.Snapshot(p.now()))
		}
	}
}

// processOnce runs one refresh and publish cycle. A failed refresh keeps the
// previously loaded data and still publishes it.
func (p *Pipeline) processOnce(ctx context.Context, trigger string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_once",
		trace.WithAttributes(
			dotel.DepotIDKey.String(p.config.DepotID),
			attribute.String("trigger", trigger),
			attribute.Bool("dry_run", p.config.DryRun),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.PipelineCycleDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("trigger", trigger)))
	}()

	refreshErr := p.refresh(ctx)
	if refreshErr != nil {
		p.countError(ctx, "refresh")
		dotel.RecordError(span, refreshErr, dotel.ErrorTypeNetwork, true)
	}

	if p.store.LoadedAt().IsZero() {
		metrics.PipelineCyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return fmt.Errorf("no data loaded yet: %w", refreshErr)
	}

	snap := p.store.Snapshot(p.now())
	p.recordSnapshot(snap)

	var publishErr error
	if p.config.DryRun {
		publishErr = p.handleDryRun(ctx, snap)
	} else {
		publishErr = p.sendToLoki(ctx, snap)
	}
	if publishErr != nil {
		p.countError(ctx, "publish")
	}

	span.SetAttributes(
		attribute.Int("vehicles", len(snap.Vehicles)),
		attribute.Int("board_entries", len(snap.Board)),
		attribute.String("processing_duration", time.Since(start).String()),
	)

	err := errors.Join(refreshErr, publishErr)
	result := "success"
	if err != nil {
		result = "partial"
	} else {
		dotel.SetSpanOk(span)
	}
	metrics.PipelineCyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))

	return err
}

func (p *Pipeline) countError(ctx context.Context, stage string) {
	metrics.PipelineErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// refresh fetches and decodes schedule and fleet concurrently and loads them
// into the store. Both must succeed; a half update is never loaded.
func (p *Pipeline) refresh(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.refresh")
	defer span.End()

	start := time.Now()

	type scheduleResult struct {
		deps []types.Departure
		err  error
	}
	type fleetResult struct {
		vehicles []types.Vehicle
		err      error
	}

	schedCh := make(chan scheduleResult, 1)
	fleetCh := make(chan fleetResult, 1)

	go func() {
		doc, err := p.source.Fetch(ctx, p.config.ScheduleLocation)
		if err != nil {
			schedCh <- scheduleResult{err: fmt.Errorf("failed to fetch schedule: %w", err)}
			return
		}
		deps, stats, err := p.decoder.DecodeSchedule(ctx, doc)
		if err != nil {
			schedCh <- scheduleResult{err: err}
			return
		}
		if stats.Failed > 0 {
			slog.Warn("Skipped schedule records", "failed", stats.Failed, "extracted", stats.Extracted)
		}
		schedCh <- scheduleResult{deps: deps}
	}()

	go func() {
		doc, err := p.source.Fetch(ctx, p.config.FleetLocation)
		if err != nil {
			fleetCh <- fleetResult{err: fmt.Errorf("failed to fetch fleet: %w", err)}
			return
		}
		vehicles, stats, err := p.decoder.DecodeFleet(ctx, doc)
		if err != nil {
			fleetCh <- fleetResult{err: err}
			return
		}
		if stats.Failed > 0 {
			slog.Warn("Skipped fleet records", "failed", stats.Failed, "extracted", stats.Extracted)
		}
		fleetCh <- fleetResult{vehicles: vehicles}
	}()

	sched := <-schedCh
	fleet := <-fleetCh

	metrics.PipelineStageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", "fetch_decode")))

	if err := errors.Join(sched.err, fleet.err); err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeNetwork, true)
		return err
	}

	dropped := p.store.Load(sched.deps, fleet.vehicles, p.now())
	metrics.RecordLastRefreshTimestamp()

	span.SetAttributes(
		attribute.Int("departures", len(sched.deps)),
		attribute.Int("vehicles", len(fleet.vehicles)),
		attribute.Int("overrides_dropped", dropped),
	)
	dotel.SetSpanOk(span)

	slog.Debug("Depot data loaded", "departures", len(sched.deps), "vehicles", len(fleet.vehicles))
	return nil
}

func (p *Pipeline) recordSnapshot(snap *depot.Snapshot) {
	metrics.RecordSnapshot(snap.Counts, snap.TripCounts, snap.Yard.Ratio)
}

func (p *Pipeline) handleDryRun(ctx context.Context, snap *depot.Snapshot) error {
	_, span := p.tracer.Start(ctx, "pipeline.dry_run")
	defer span.End()

	out := p.config.Out

	fmt.Fprintf(out, "\n=== DRY RUN - Depot %s ===\n", snap.DepotID)
	fmt.Fprintf(out, "Generated: %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Service day: %s\n", snap.ServiceDay.Format("2006-01-02"))
	fmt.Fprintf(out, "Vehicles: %d, board entries: %d, yard %d/%d occupied\n",
		len(snap.Vehicles), len(snap.Board), snap.Yard.Occupied, snap.Yard.Total)

	if len(snap.Board) > 0 {
		fmt.Fprintln(out, "\nBoard:")
		for _, e := range snap.Board {
			vehicle := e.Departure.VehicleID
			if vehicle == "" {
				vehicle = "-"
			} else if e.VehicleMissing {
				vehicle += " (unknown)"
			}
			fmt.Fprintf(out, "  %s  %-5s %-24s %-10s %4d min  vehicle %s\n",
				e.Departure.Time, e.Departure.Line, e.Departure.Destination, e.Status, e.MinutesUntil, vehicle)
		}
	}

	fmt.Fprintln(out, "\nIndividual Log Lines (as sent to Loki):")
	fmt.Fprintln(out, "----------------------------------------")

	for i, st := range snap.Vehicles {
		line, err := loki.VehicleLine(snap.DepotID, snap.GeneratedAt, st)
		if err != nil {
			dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
			return fmt.Errorf("failed to marshal vehicle JSON for dry run: %w", err)
		}
		fmt.Fprintf(out, "Vehicle %d: %s\n", i+1, line)
	}
	for i, e := range snap.Board {
		line, err := loki.BoardLine(snap.DepotID, snap.GeneratedAt, e)
		if err != nil {
			dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
			return fmt.Errorf("failed to marshal board JSON for dry run: %w", err)
		}
		fmt.Fprintf(out, "Board %d: %s\n", i+1, line)
	}

	counts, err := json.Marshal(snap.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	fmt.Fprintf(out, "Counts: %s\n", counts)
	fmt.Fprintln(out, "=== END DRY RUN ===")

	span.SetAttributes(attribute.Int("vehicles_printed", len(snap.Vehicles)))
	return nil
}

func (p *Pipeline) sendToLoki(ctx context.Context, snap *depot.Snapshot) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.send_to_loki")
	defer span.End()

	if p.lokiClient == nil {
		err := fmt.Errorf("loki client not initialized")
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return err
	}

	if err := p.lokiClient.SendStatuses(ctx, snap.DepotID, snap.GeneratedAt, snap.Vehicles, snap.Board); err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send data to Loki: %w", err)
	}

	slog.Debug("Sent statuses to Loki", "vehicles", len(snap.Vehicles), "board", len(snap.Board))
	span.SetAttributes(attribute.Int("vehicles_sent", len(snap.Vehicles)))
	return nil
}
