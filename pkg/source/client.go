// Package source fetches schedule and fleet documents from URLs or files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"depotboard/pkg/metrics"
	dotel "depotboard/pkg/otel"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const UserAgent = "depotboard/1.0.0"

// maxDocumentSize bounds a single schedule or fleet document.
var maxDocumentSize int64 = 32 << 20

var ErrDocumentTooLarge = errors.New("document too large")

type Client struct {
	httpClient *http.Client
	tracer     trace.Tracer
}

// Document is the raw content of one fetched source. ContentType comes from
// the response header, or from the extension for local files.
type Document struct {
	Location    string
	ContentType string
	Data        []byte
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		tracer: otel.Tracer("source-client"),
	}
}

// IsRemote reports whether location is fetched over HTTP.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// LocalPath returns the file path for a local location, stripping file://.
func LocalPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

// Fetch loads a document from a URL or a local path.
func (c *Client) Fetch(ctx context.Context, location string) (*Document, error) {
	kind := "file"
	if IsRemote(location) {
		kind = "http"
	}

	ctx, span := c.tracer.Start(ctx, "source.fetch",
		trace.WithAttributes(
			attribute.String("source.location", location),
			attribute.String("source.kind", kind),
		),
	)
	defer span.End()

	var (
		doc *Document
		err error
	)
	if kind == "http" {
		doc, err = c.fetchHTTP(ctx, span, location)
	} else {
		doc, err = c.fetchFile(span, location)
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.SourceFetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.size_bytes", len(doc.Data)))
	dotel.SetSpanOk(span)
	return doc, nil
}

func (c *Client) fetchHTTP(ctx context.Context, span trace.Span, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.5")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("http.response.content_type", resp.Header.Get("Content-Type")),
	)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	metrics.HTTPClientRequestDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Int("http.response.status_code", resp.StatusCode)))
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	metrics.HTTPClientResponseBodySize.Record(ctx, int64(len(body)))
	if int64(len(body)) > maxDocumentSize {
		err := fmt.Errorf("%s: %w (over %d bytes)", url, ErrDocumentTooLarge, maxDocumentSize)
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("source returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		dotel.RecordError(span, err, dotel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return nil, err
	}

	return &Document{
		Location:    url,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        body,
	}, nil
}

func (c *Client) fetchFile(span trace.Span, location string) (*Document, error) {
	path := LocalPath(location)
	f, err := os.Open(path)
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if int64(len(data)) > maxDocumentSize {
		err := fmt.Errorf("%s: %w (over %d bytes)", path, ErrDocumentTooLarge, maxDocumentSize)
		dotel.RecordError(span, err, dotel.ErrorTypeValidation, false)
		return nil, err
	}

	return &Document{
		Location:    location,
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
