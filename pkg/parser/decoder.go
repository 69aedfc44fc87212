package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"depotboard/pkg/metrics"
	dotel "depotboard/pkg/otel"
	"depotboard/pkg/source"
	"depotboard/pkg/types"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Decoder turns schedule and fleet documents (JSON or XML) into domain
// records. Documents go through mxj into generic maps, so field names and
// number encodings may vary between exports.
type Decoder struct {
	tracer trace.Tracer
}

// Stats counts the records of one document.
type Stats struct {
	Extracted int
	Failed    int
}

func NewDecoder() *Decoder {
	return &Decoder{tracer: otel.Tracer("decoder")}
}

var (
	scheduleKeys = []string{"departures", "departure", "trips", "trip", "records"}
	fleetKeys    = []string{"vehicles", "vehicle", "fleet", "buses", "bus", "records"}
)

// DecodeSchedule extracts departures. Records without a usable id or time
// are skipped and counted as failed; later duplicates of an id are dropped.
func (d *Decoder) DecodeSchedule(ctx context.Context, doc *source.Document) ([]types.Departure, Stats, error) {
	ctx, span := d.start(ctx, "decoder.decode_schedule", doc)
	defer span.End()

	start := time.Now()
	recs, err := records(doc.Data, doc.ContentType, scheduleKeys)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
		return nil, Stats{}, fmt.Errorf("failed to decode schedule %s: %w", doc.Location, err)
	}

	var (
		out   []types.Departure
		stats Stats
		seen  = make(map[string]bool)
	)
	for i, rec := range recs {
		dep, err := parseDeparture(rec)
		if err == nil && seen[dep.ID] {
			err = fmt.Errorf("duplicate departure id %s", dep.ID)
		}
		if err != nil {
			stats.Failed++
			span.AddEvent("record_skipped", trace.WithAttributes(
				attribute.Int("record.index", i),
				attribute.String("error", err.Error()),
			))
			continue
		}
		seen[dep.ID] = true
		out = append(out, dep)
	}
	stats.Extracted = len(out)

	d.record(ctx, span, "schedule", stats, time.Since(start))
	return out, stats, nil
}

// DecodeFleet extracts vehicles with the same skipping rules as schedules.
func (d *Decoder) DecodeFleet(ctx context.Context, doc *source.Document) ([]types.Vehicle, Stats, error) {
	ctx, span := d.start(ctx, "decoder.decode_fleet", doc)
	defer span.End()

	start := time.Now()
	recs, err := records(doc.Data, doc.ContentType, fleetKeys)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeParse, false)
		return nil, Stats{}, fmt.Errorf("failed to decode fleet %s: %w", doc.Location, err)
	}

	var (
		out   []types.Vehicle
		stats Stats
		seen  = make(map[string]bool)
	)
	for i, rec := range recs {
		v, err := parseVehicle(rec)
		if err == nil && seen[v.ID] {
			err = fmt.Errorf("duplicate vehicle id %s", v.ID)
		}
		if err != nil {
			stats.Failed++
			span.AddEvent("record_skipped", trace.WithAttributes(
				attribute.Int("record.index", i),
				attribute.String("error", err.Error()),
			))
			continue
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	stats.Extracted = len(out)

	d.record(ctx, span, "fleet", stats, time.Since(start))
	return out, stats, nil
}

func (d *Decoder) start(ctx context.Context, name string, doc *source.Document) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("source.location", doc.Location),
		attribute.Int("document.size_bytes", len(doc.Data)),
	))
}

func (d *Decoder) record(ctx context.Context, span trace.Span, kind string, stats Stats, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	metrics.DecodeDuration.Record(ctx, elapsed.Seconds(), attrs)
	metrics.DecoderRecordsExtracted.Add(ctx, int64(stats.Extracted), attrs)
	metrics.DecoderRecordsFailed.Add(ctx, int64(stats.Failed), attrs)

	span.SetAttributes(
		attribute.Int("records.extracted", stats.Extracted),
		attribute.Int("records.failed", stats.Failed),
	)
	dotel.SetSpanOk(span)
}

// records decodes data and returns the list found under the first matching
// key. A single wrapping element (an XML root, or {"data": {...}}) is
// descended into.
func records(data []byte, contentType string, keys []string) ([]map[string]interface{}, error) {
	data = bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(data) == 0 {
		return nil, errors.New("empty document")
	}

	var (
		m   map[string]interface{}
		err error
	)
	switch {
	case isXML(contentType, data):
		m, err = mxj.NewMapXml(data)
	case data[0] == '[':
		m, err = mxj.NewMapJson(append(append([]byte(`{"records":`), data...), '}'))
	default:
		m, err = mxj.NewMapJson(data)
	}
	if err != nil {
		return nil, err
	}

	return find(m, keys), nil
}

// isXML trusts a json or xml media type and otherwise looks at the first byte.
func isXML(contentType string, data []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.HasSuffix(mt, "xml"):
			return true
		case strings.HasSuffix(mt, "json"):
			return false
		}
	}
	return data[0] == '<'
}

func find(m map[string]interface{}, keys []string) []map[string]interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			// <departures><departure/>...</departures>
			if inner, ok := asMap(v); ok {
				if nested := find(inner, keys); len(nested) > 0 {
					return nested
				}
			}
			return asRecords(v)
		}
	}
	if len(m) == 1 {
		for _, v := range m {
			if inner, ok := asMap(v); ok {
				return find(inner, keys)
			}
		}
	}
	return nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case mxj.Map:
		return m, true
	}
	return nil, false
}

// asRecords handles mxj's single-element case, where a lone XML child comes
// back as a map instead of a list.
func asRecords(v interface{}) []map[string]interface{} {
	if m, ok := asMap(v); ok {
		return []map[string]interface{}{m}
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := asMap(item); ok {
			out = append(out, m)
		}
	}
	return out
}

// field returns the first present key as a string. XML attributes are
// looked up with mxj's "-" prefix as well.
func field(rec map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		for _, name := range []string{k, "-" + k} {
			if v, ok := rec[name]; ok {
				if s, ok := scalar(v); ok {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}

func scalar(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	case int:
		return strconv.Itoa(x), true
	case bool:
		return strconv.FormatBool(x), true
	}
	if m, ok := asMap(v); ok {
		if text, ok := m["#text"]; ok {
			return scalar(text)
		}
	}
	return "", false
}

func parseDeparture(rec map[string]interface{}) (types.Departure, error) {
	dep := types.Departure{
		ID:          field(rec, "id", "departure_id", "departureId", "trip_id", "tripId"),
		Line:        field(rec, "line", "route", "line_ref", "lineRef"),
		Destination: field(rec, "destination", "headsign", "destination_name", "destinationName"),
		Platform:    field(rec, "platform", "bay", "stand"),
		VehicleID:   field(rec, "vehicle_id", "vehicleId", "vehicle", "bus"),
	}
	if dep.ID == "" {
		return dep, errors.New("departure without id")
	}

	clock, err := types.ParseClock(field(rec, "time", "departure_time", "departureTime", "departs"))
	if err != nil {
		return dep, fmt.Errorf("departure %s: %w", dep.ID, err)
	}
	dep.Time = clock

	minutes, err := parseMinutes(field(rec, "duration_min", "durationMin", "duration", "duration_minutes"))
	if err != nil {
		return dep, fmt.Errorf("departure %s: %w", dep.ID, err)
	}
	dep.DurationMin = minutes

	return dep, nil
}

// parseMinutes reads whole minutes ("45") or a Go duration ("1h15m").
// Missing means zero.
func parseMinutes(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return int(f), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return int(d / time.Minute), nil
}

func parseVehicle(rec map[string]interface{}) (types.Vehicle, error) {
	v := types.Vehicle{
		ID:          field(rec, "id", "vehicle_id", "vehicleId", "fleet_number", "fleetNumber"),
		Plate:       field(rec, "plate", "registration", "reg"),
		Model:       field(rec, "model", "type"),
		ParkingSpot: field(rec, "parking_spot", "parkingSpot", "spot", "bay"),
	}
	if v.ID == "" {
		return v, errors.New("vehicle without id")
	}

	if c := field(rec, "capacity", "seats"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return v, fmt.Errorf("vehicle %s: invalid capacity %q", v.ID, c)
		}
		v.Capacity = n
	}

	v.Maintenance = isTrue(field(rec, "maintenance", "in_maintenance", "inMaintenance")) ||
		strings.EqualFold(field(rec, "status"), "maintenance")

	return v, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "y":
		return true
	}
	return false
}
