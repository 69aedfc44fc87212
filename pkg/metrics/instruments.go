package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// HTTP client metrics (OTEL semantic conventions)
var (
	HTTPClientRequestDuration  metric.Float64Histogram
	HTTPClientResponseBodySize metric.Int64Histogram
)

// Pipeline metrics
var (
	PipelineCyclesTotal   metric.Int64Counter
	PipelineCycleDuration metric.Float64Histogram
	PipelineErrorsTotal   metric.Int64Counter
	PipelineStageDuration metric.Float64Histogram
)

// Source and decoder metrics
var (
	SourceFetchTotal        metric.Int64Counter
	DecodeDuration          metric.Float64Histogram
	DecoderRecordsExtracted metric.Int64Counter
	DecoderRecordsFailed    metric.Int64Counter
	SourceChangeEvents      metric.Int64Counter
)

// Assignment metrics
var (
	AssignmentsTotal metric.Int64Counter
	ConflictsTotal   metric.Int64Counter
)

// Loki metrics
var (
	LokiBatchSize    metric.Int64Histogram
	LokiSendDuration metric.Float64Histogram
	LokiSendTotal    metric.Int64Counter
	LokiSendRetries  metric.Int64Counter
)

// API metrics
var (
	APIRequestsTotal metric.Int64Counter
)

var (
	secondsBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bytesBuckets   = []float64{1024, 10240, 102400, 1048576, 10485760}
)

func initializeInstruments() error {
	var err error

	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = Meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = Meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(secondsBuckets...),
		)
		return h
	}
	sized := func(name, desc, unit string, buckets ...float64) metric.Int64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Int64Histogram
		h, err = Meter.Int64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		return h
	}

	HTTPClientRequestDuration = seconds("http.client.request.duration", "Duration of HTTP client requests")
	HTTPClientResponseBodySize = sized("http.client.response.body.size", "Size of HTTP response bodies", "By", bytesBuckets...)

	PipelineCyclesTotal = counter("pipeline.cycles.total", "Pipeline refresh cycles", "{cycle}")
	PipelineCycleDuration = seconds("pipeline.cycle.duration", "Duration of pipeline refresh cycles")
	PipelineErrorsTotal = counter("pipeline.errors.total", "Errors by stage and type", "{error}")
	PipelineStageDuration = seconds("pipeline.stage.duration", "Duration per pipeline stage")

	SourceFetchTotal = counter("source.fetch.total", "Schedule and fleet document fetches", "{request}")
	DecodeDuration = seconds("decoder.duration", "Duration of document decoding")
	DecoderRecordsExtracted = counter("decoder.records.extracted", "Records decoded from source documents", "{record}")
	DecoderRecordsFailed = counter("decoder.records.failed", "Records skipped while decoding", "{record}")
	SourceChangeEvents = counter("source.change.events", "Local source file change notifications", "{event}")

	AssignmentsTotal = counter("depot.assignments.total", "Manual assignment attempts by result", "{assignment}")
	ConflictsTotal = counter("depot.assignment.conflicts.total", "Assignment conflicts by kind", "{conflict}")

	LokiBatchSize = sized("loki.batch.size", "Log lines per Loki push", "{record}", 1, 5, 10, 25, 50, 100, 250, 500, 1000)
	LokiSendDuration = seconds("loki.send.duration", "Duration of Loki push operations")
	LokiSendTotal = counter("loki.send.total", "Loki pushes by status", "{request}")
	LokiSendRetries = counter("loki.send.retries", "Retry attempts for Loki pushes", "{retry}")

	APIRequestsTotal = counter("api.requests.total", "API requests by route and status", "{request}")

	return err
}
