package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

// ExporterConfig is the resolved OTLP exporter setup for one signal.
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

func IsTracingEnabled() bool {
	return isTrue(os.Getenv("OTEL_TRACING_ENABLED"))
}

func IsMetricsEnabled() bool {
	return isTrue(os.Getenv("OTEL_METRICS_ENABLED"))
}

// env looks up OTEL_EXPORTER_OTLP_<SIGNAL>_<name>, then OTEL_EXPORTER_OTLP_<name>.
type env struct {
	signal SignalType
}

func (e env) specific(name string) string {
	return os.Getenv("OTEL_EXPORTER_OTLP_" + strings.ToUpper(string(e.signal)) + "_" + name)
}

func (e env) lookup(name, def string) string {
	if v := e.specific(name); v != "" {
		return v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_" + name); v != "" {
		return v
	}
	return def
}

// GetExporterConfig resolves the exporter configuration for a signal from the
// standard OTEL_EXPORTER_OTLP_* variables.
func GetExporterConfig(signal SignalType) ExporterConfig {
	e := env{signal: signal}

	protocol := parseProtocol(e.lookup("PROTOCOL", string(ProtocolHTTPProtobuf)))
	endpoint := e.endpoint(protocol)

	cfg := ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     parseHeaders(e.lookup("HEADERS", "")),
		Timeout:     parseDuration(e.lookup("TIMEOUT", ""), 10*time.Second),
		Compression: e.lookup("COMPRESSION", ""),
	}

	if v := e.lookup("INSECURE", ""); v != "" {
		cfg.Insecure = isTrue(v)
	} else {
		cfg.Insecure = strings.HasPrefix(endpoint, "http://")
	}

	return cfg
}

func parseProtocol(s string) Protocol {
	switch strings.ToLower(s) {
	case "grpc":
		return ProtocolGRPC
	case "http/json":
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

// endpoint prefers the signal endpoint as given; a base endpoint gets the
// /v1/<signal> path appended for HTTP.
func (e env) endpoint(protocol Protocol) string {
	if v := e.specific("ENDPOINT"); v != "" {
		return normalizeEndpoint(v, protocol)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		return withSignalPath(normalizeEndpoint(v, protocol), e.signal, protocol)
	}
	if protocol == ProtocolGRPC {
		return "localhost:4317"
	}
	return "http://localhost:4318/v1/" + string(e.signal)
}

func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		host, _, _ := strings.Cut(endpoint, "/")
		return host
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "https://" + endpoint
	}
	return endpoint
}

func withSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}

	path := "/v1/" + string(signal)
	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + path
	}
	if strings.HasSuffix(u.Path, path) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders reads "k1=v1,k2=v2". Values keep everything after the first
// '=' untouched since auth tokens may contain '='.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
	}
	return headers
}

// parseDuration accepts Go durations ("10s") or plain milliseconds ("10000").
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
