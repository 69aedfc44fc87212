// Package api serves the depot state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"depotboard/pkg/assign"
	"depotboard/pkg/depot"
	"depotboard/pkg/metrics"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Server struct {
	store *depot.Store
	now   func() time.Time
}

func NewServer(store *depot.Store) *Server {
	return &Server{store: store, now: time.Now}
}

type assignRequest struct {
	DepartureID string `json:"departure_id"`
	VehicleID   string `json:"vehicle_id"`
	Force       bool   `json:"force"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mx := chi.NewMux()

	mx.Use(middleware.RequestID)
	mx.Use(middleware.RealIP)
	mx.Use(middleware.Recoverer)
	mx.Use(countRequests)

	mx.Get("/healthz", s.healthz)

	mx.Route("/api", func(r chi.Router) {
		r.Get("/board", s.board)
		r.Get("/vehicles", s.vehicles)
		r.Get("/vehicles/{id}", s.vehicle)
		r.Get("/slots", s.slots)
		r.Get("/slots/{departureID}/available", s.available)
		r.Get("/yard", s.yard)
		r.Get("/assignments", s.overrides)
		r.Post("/assignments", s.assign)
		r.Delete("/assignments/{departureID}", s.unassign)
	})

	return otelhttp.NewHandler(gziphandler.GzipHandler(mx), "depotboard-api")
}

// countRequests labels by route pattern, so it must run after routing.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.APIRequestsTotal.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", ww.Status()),
		))
	})
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// at reads the optional ?at= RFC3339 instant.
func (s *Server) at(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	ats := r.URL.Query().Get("at")
	if ats == "" {
		return s.now(), true
	}
	t, err := time.Parse(time.RFC3339, ats)
	if err != nil {
		writeError(w, http.StatusBadRequest, "at parse error: "+err.Error())
		return time.Time{}, false
	}
	return t, true
}

func rejectAt(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Has("at") {
		writeError(w, http.StatusBadRequest, "at is not accepted on changes")
		return false
	}
	return true
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	loadedAt := s.store.LoadedAt()
	if loadedAt.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "loaded_at": loadedAt})
}

func (s *Server) board(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}

	limit := -1
	if ls := r.URL.Query().Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	snap := s.store.Snapshot(now)
	board := snap.Board
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depot_id":     snap.DepotID,
		"generated_at": snap.GeneratedAt,
		"service_day":  snap.ServiceDay.Format("2006-01-02"),
		"board":        board,
		"trip_counts":  snap.TripCounts,
	})
}

func (s *Server) vehicles(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}

	snap := s.store.Snapshot(now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": snap.GeneratedAt,
		"vehicles":     snap.Vehicles,
		"counts":       snap.Counts,
	})
}

func (s *Server) vehicle(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	for _, st := range s.store.Snapshot(now).Vehicles {
		if st.Vehicle.ID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "vehicle not found")
}

func (s *Server) slots(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot(now).Slots)
}

func (s *Server) available(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}

	vehicles, err := s.store.Available(now, chi.URLParam(r, "departureID"))
	if errors.Is(err, depot.ErrUnknownDeparture) {
		writeError(w, http.StatusNotFound, "departure not found")
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) yard(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot(now).Yard)
}

func (s *Server) overrides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Overrides())
}

// assign and unassign always act at the current time; at is for reads only.
func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	if !rejectAt(w, r) {
		return
	}

	var req assignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.DepartureID == "" || req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "departure_id and vehicle_id are required")
		return
	}

	decision := s.store.Assign(r.Context(), s.now(), req.DepartureID, req.VehicleID, req.Force)

	status := http.StatusOK
	if !decision.Applied {
		status = http.StatusConflict
		for _, c := range decision.Conflicts {
			if c.Kind == assign.ConflictUnknownDeparture || c.Kind == assign.ConflictUnknownVehicle {
				status = http.StatusNotFound
				break
			}
		}
	}
	writeJSON(w, status, decision)
}

func (s *Server) unassign(w http.ResponseWriter, r *http.Request) {
	if !rejectAt(w, r) {
		return
	}

	if err := s.store.Unassign(r.Context(), s.now(), chi.URLParam(r, "departureID")); err != nil {
		writeError(w, http.StatusNotFound, "departure not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
