// Package depot holds the loaded schedule and fleet of one depot together
// with the manual assignments made through the API.
//
// The poll loop replaces the data with Load while API handlers read
// snapshots and change assignments, so every access goes through the
// store's lock. Derived state is never stored: Snapshot recomputes it.
package depot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"depotboard/pkg/assign"
	"depotboard/pkg/badge"
	"depotboard/pkg/metrics"
	dotel "depotboard/pkg/otel"
	"depotboard/pkg/status"
	"depotboard/pkg/types"
	"depotboard/pkg/yard"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("depotboard/depot")

var ErrUnknownDeparture = errors.New("unknown departure")

type Options struct {
	DepotID    string
	Windows    status.Windows
	SlotSize   time.Duration
	BoardLimit int
	Location   *time.Location
	// Rollover is the clock time at which the service day changes.
	Rollover   types.Clock
	Yard       yard.Layout
	LineColors map[string]string
}

// Override is a manual assignment. An empty VehicleID records a manual
// unassignment.
type Override struct {
	ID          string    `json:"id"`
	DepartureID string    `json:"departure_id"`
	VehicleID   string    `json:"vehicle_id,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	At          time.Time `json:"at"`
}

// Snapshot is everything derived for one instant.
type Snapshot struct {
	DepotID     string                     `json:"depot_id"`
	GeneratedAt time.Time                  `json:"generated_at"`
	ServiceDay  time.Time                  `json:"service_day"`
	LoadedAt    time.Time                  `json:"loaded_at"`
	Board       []types.BoardEntry         `json:"board"`
	Vehicles    []types.VehicleStatus      `json:"vehicles"`
	Slots       []assign.Slot              `json:"slots"`
	Yard        yard.Occupancy             `json:"yard"`
	Counts      map[types.VehicleState]int `json:"counts"`
	TripCounts  map[types.TripStatus]int   `json:"trip_counts"`
}

type Store struct {
	mu         sync.RWMutex
	opts       Options
	badges     *badge.Generator
	departures []types.Departure
	vehicles   []types.Vehicle
	overrides  map[string]Override
	loadedAt   time.Time
}

func NewStore(opts Options) *Store {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = assign.DefaultSlotSize
	}
	return &Store{
		opts:      opts,
		badges:    badge.NewGenerator().WithLineColors(opts.LineColors),
		overrides: make(map[string]Override),
	}
}

// Load replaces schedule and fleet. Overrides are re-applied to departures
// that still exist; the rest are dropped. It returns the number dropped.
func (s *Store) Load(departures []types.Departure, vehicles []types.Vehicle, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := make([]types.Departure, len(departures))
	copy(deps, departures)
	vehs := make([]types.Vehicle, len(vehicles))
	copy(vehs, vehicles)

	present := make(map[string]int, len(deps))
	for i, d := range deps {
		present[d.ID] = i
	}

	dropped := 0
	for id, o := range s.overrides {
		i, ok := present[id]
		if !ok {
			slog.Info("Dropping assignment for removed departure",
				"departure_id", id, "vehicle_id", o.VehicleID, "override_id", o.ID)
			delete(s.overrides, id)
			dropped++
			continue
		}
		deps[i].VehicleID = o.VehicleID
	}

	s.departures = deps
	s.vehicles = vehs
	s.loadedAt = at
	return dropped
}

// LoadedAt is the time of the last Load, zero before the first one.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *Store) serviceDay(now time.Time) time.Time {
	return types.ServiceDay(now.In(s.opts.Location), s.opts.Rollover)
}

// plan shares the store's departures; callers mutating it must hold the
// write lock.
func (s *Store) plan(now time.Time) *assign.Plan {
	return &assign.Plan{
		Departures: s.departures,
		Vehicles:   s.vehicles,
		ServiceDay: s.serviceDay(now),
		Now:        now,
		SlotSize:   s.opts.SlotSize,
		Boarding:   s.opts.Windows.Boarding,
	}
}

func (s *Store) Snapshot(now time.Time) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := s.serviceDay(now)
	engine := status.New(status.Input{
		Departures: s.departures,
		Vehicles:   s.vehicles,
		ServiceDay: day,
		Now:        now,
		Windows:    s.opts.Windows,
	})

	vehicles := engine.Vehicles()
	for i := range vehicles {
		vehicles[i].Badge = s.badges.VehicleBadge(vehicles[i].Vehicle.ID, vehicles[i].State)
	}

	board := engine.Board(s.opts.BoardLimit)
	for i := range board {
		board[i].LineColor = s.badges.LineColor(board[i].Departure.Line)
		board[i].LineBadge = s.badges.LineBadge(board[i].Departure.Line)
	}

	trips := make(map[types.TripStatus]int, 4)
	for _, st := range []types.TripStatus{types.TripScheduled, types.TripImminent, types.TripConfirmed, types.TripDeparted} {
		trips[st] = 0
	}
	for _, d := range s.departures {
		trips[engine.TripStatus(d)]++
	}

	return &Snapshot{
		DepotID:     s.opts.DepotID,
		GeneratedAt: now,
		ServiceDay:  day,
		LoadedAt:    s.loadedAt,
		Board:       board,
		Vehicles:    vehicles,
		Slots:       assign.GroupSlots(s.departures, s.opts.SlotSize),
		Yard:        yard.Compute(s.opts.Yard, vehicles),
		Counts:      engine.Counts(),
		TripCounts:  trips,
	}
}

// Assign checks and applies a manual assignment at now.
func (s *Store) Assign(ctx context.Context, now time.Time, departureID, vehicleID string, force bool) assign.Decision {
	_, span := tracer.Start(ctx, "depot.assign",
		trace.WithAttributes(
			attribute.String("departure.id", departureID),
			attribute.String("vehicle.id", vehicleID),
			attribute.Bool("assign.force", force),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	decision := assign.Assign(s.plan(now), departureID, vehicleID, force)

	result := "rejected"
	switch {
	case decision.Applied && decision.Forced:
		result = "forced"
	case decision.Applied:
		result = "applied"
	}
	metrics.AssignmentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	for _, c := range decision.Conflicts {
		metrics.ConflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(c.Kind))))
	}

	span.SetAttributes(attribute.String("assign.result", result))

	if !decision.Applied {
		dotel.RecordError(span, fmt.Errorf("assignment rejected: %s", decision.Conflicts[0].Message),
			dotel.ErrorTypeConflict, false)
		slog.Debug("Assignment rejected", "departure_id", departureID, "vehicle_id", vehicleID,
			"conflicts", len(decision.Conflicts))
		return decision
	}

	o := Override{
		ID:          uuid.NewString(),
		DepartureID: departureID,
		VehicleID:   vehicleID,
		Forced:      decision.Forced,
		At:          now,
	}
	s.overrides[departureID] = o
	dotel.SetSpanOk(span)
	slog.Info("Vehicle assigned", "departure_id", departureID, "vehicle_id", vehicleID,
		"forced", o.Forced, "override_id", o.ID)

	return decision
}

// Unassign clears the vehicle of a departure and keeps it cleared across
// reloads.
func (s *Store) Unassign(ctx context.Context, now time.Time, departureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !assign.Unassign(s.plan(now), departureID) {
		return ErrUnknownDeparture
	}

	o := Override{ID: uuid.NewString(), DepartureID: departureID, At: now}
	s.overrides[departureID] = o
	metrics.AssignmentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "unassigned")))
	slog.Info("Vehicle unassigned", "departure_id", departureID, "override_id", o.ID)

	return nil
}

// Available lists the vehicles that could take departureID without conflict.
func (s *Store) Available(now time.Time, departureID string) ([]types.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.plan(now)
	for _, d := range p.Departures {
		if d.ID == departureID {
			return assign.Available(p, departureID), nil
		}
	}
	return nil, ErrUnknownDeparture
}

// Overrides lists the manual assignments in effect, oldest first.
func (s *Store) Overrides() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].DepartureID < out[j].DepartureID
	})
	return out
}
