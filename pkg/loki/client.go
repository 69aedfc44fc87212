package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depotboard/pkg/metrics"
	dotel "depotboard/pkg/otel"
	"depotboard/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	pushPath   = "/loki/api/v1/push"
	userAgent  = "depotboard/1.0.0"
	maxRetries = 3
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// StatusError is a non-2xx answer from Loki.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("loki returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("loki returned status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether Loki may accept the same push later.
func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func NewClient(baseURL, username, password string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		tracer:     otel.Tracer("loki-client"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// vehicleLine is the log line pushed per vehicle.
type vehicleLine struct {
	Timestamp   string             `json:"timestamp"`
	DepotID     string             `json:"depot_id"`
	VehicleID   string             `json:"vehicle_id"`
	Plate       string             `json:"plate,omitempty"`
	State       types.VehicleState `json:"state"`
	Category    types.Category     `json:"category"`
	ParkingSpot string             `json:"parking_spot,omitempty"`
	CurrentTrip string             `json:"current_trip,omitempty"`
	NextTrip    string             `json:"next_trip,omitempty"`
	NextTripAt  string             `json:"next_trip_at,omitempty"`
	ReturnsAt   string             `json:"returns_at,omitempty"`
	Badge       string             `json:"badge,omitempty"`
}

// boardLine is the log line pushed per departure on the board.
type boardLine struct {
	Timestamp      string             `json:"timestamp"`
	DepotID        string             `json:"depot_id"`
	DepartureID    string             `json:"departure_id"`
	Line           string             `json:"line"`
	Destination    string             `json:"destination,omitempty"`
	Platform       string             `json:"platform,omitempty"`
	DepartsAt      string             `json:"departs_at"`
	Status         types.TripStatus   `json:"status"`
	MinutesUntil   int                `json:"minutes_until"`
	VehicleID      string             `json:"vehicle_id,omitempty"`
	VehicleState   types.VehicleState `json:"vehicle_state,omitempty"`
	VehicleMissing bool               `json:"vehicle_missing,omitempty"`
	LineColor      string             `json:"line_color,omitempty"`
	LineBadge      string             `json:"line_badge,omitempty"`
}

// VehicleLine renders the JSON log line for one vehicle status.
func VehicleLine(depotID string, at time.Time, st types.VehicleStatus) ([]byte, error) {
	l := vehicleLine{
		Timestamp:   at.UTC().Format(time.RFC3339),
		DepotID:     depotID,
		VehicleID:   st.Vehicle.ID,
		Plate:       st.Vehicle.Plate,
		State:       st.State,
		Category:    st.Category,
		ParkingSpot: st.Vehicle.ParkingSpot,
		Badge:       st.Badge,
	}
	if st.CurrentTrip != nil {
		l.CurrentTrip = st.CurrentTrip.ID
	}
	if st.NextTrip != nil {
		l.NextTrip = st.NextTrip.ID
		l.NextTripAt = st.NextTrip.Time.String()
	}
	if st.ReturnsAt != nil {
		l.ReturnsAt = st.ReturnsAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(l)
}

// BoardLine renders the JSON log line for one board entry.
func BoardLine(depotID string, at time.Time, e types.BoardEntry) ([]byte, error) {
	return json.Marshal(boardLine{
		Timestamp:      at.UTC().Format(time.RFC3339),
		DepotID:        depotID,
		DepartureID:    e.Departure.ID,
		Line:           e.Departure.Line,
		Destination:    e.Departure.Destination,
		Platform:       e.Departure.Platform,
		DepartsAt:      e.DepartsAt.UTC().Format(time.RFC3339),
		Status:         e.Status,
		MinutesUntil:   e.MinutesUntil,
		VehicleID:      e.Departure.VehicleID,
		VehicleState:   e.VehicleState,
		VehicleMissing: e.VehicleMissing,
		LineColor:      e.LineColor,
		LineBadge:      e.LineBadge,
	})
}

// SendStatuses pushes one stream of vehicle lines and one of board lines.
// Empty streams are left out; nothing is sent when both are empty.
func (c *Client) SendStatuses(ctx context.Context, depotID string, at time.Time, vehicles []types.VehicleStatus, board []types.BoardEntry) error {
	ctx, span := c.tracer.Start(ctx, "loki.send_statuses",
		trace.WithAttributes(
			dotel.DepotIDKey.String(depotID),
			attribute.Int("vehicles_count", len(vehicles)),
			attribute.Int("board_count", len(board)),
		),
	)
	defer span.End()

	ts := strconv.FormatInt(at.UnixNano(), 10)

	var vehicleValues, boardValues [][]string
	for _, st := range vehicles {
		line, err := VehicleLine(depotID, at, st)
		if err != nil {
			dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
			return fmt.Errorf("failed to marshal vehicle %s: %w", st.Vehicle.ID, err)
		}
		vehicleValues = append(vehicleValues, []string{ts, string(line)})
	}
	for _, e := range board {
		line, err := BoardLine(depotID, at, e)
		if err != nil {
			dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
			return fmt.Errorf("failed to marshal departure %s: %w", e.Departure.ID, err)
		}
		boardValues = append(boardValues, []string{ts, string(line)})
	}

	var req PushRequest
	if len(vehicleValues) > 0 {
		req.Streams = append(req.Streams, Stream{Stream: labels(depotID, "vehicle"), Values: vehicleValues})
	}
	if len(boardValues) > 0 {
		req.Streams = append(req.Streams, Stream{Stream: labels(depotID, "board"), Values: boardValues})
	}
	if len(req.Streams) == 0 {
		span.AddEvent("nothing_to_send")
		return nil
	}

	metrics.LokiBatchSize.Record(ctx, int64(len(vehicleValues)+len(boardValues)))

	body, err := json.Marshal(req)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	if err := c.push(ctx, span, body); err != nil {
		return err
	}

	dotel.SetSpanOk(span)
	return nil
}

func labels(depotID, kind string) map[string]string {
	return map[string]string{
		"job":   "depotboard",
		"depot": depotID,
		"kind":  kind,
	}
}

// push posts body, retrying network errors, 429 and 5xx with exponential
// backoff. Other 4xx answers fail immediately.
func (c *Client) push(ctx context.Context, span trace.Span, body []byte) error {
	url := c.baseURL + pushPath
	span.SetAttributes(
		attribute.String("http.url", url),
		attribute.String("http.method", http.MethodPost),
		attribute.Int("request.size_bytes", len(body)),
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
	)

	start := time.Now()
	attempts := 0

	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if c.username != "" && c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if !serr.retryable() {
			return backoff.Permanent(serr)
		}
		return serr
	}

	notify := func(err error, wait time.Duration) {
		metrics.LokiSendRetries.Add(ctx, 1)
		slog.Warn("Loki push failed, retrying", "error", err, "wait", wait, "attempt", attempts)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries), ctx)
	err := backoff.RetryNotify(op, b, notify)

	metrics.LokiSendDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		metrics.LokiSendTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		dotel.RecordError(span, err, errorType(err), false)
		return fmt.Errorf("failed to push to Loki after %d attempts: %w", attempts, err)
	}

	metrics.LokiSendTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
	return nil
}

func errorType(err error) string {
	var serr *StatusError
	if errors.As(err, &serr) {
		return dotel.ErrorTypeHTTP
	}
	return dotel.ErrorTypeNetwork
}
