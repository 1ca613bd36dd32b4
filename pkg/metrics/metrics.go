package metrics

import (
	"context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"time"
)

const MeterName = "github.com/Bixcoitoo/harvester-api"

// Metrics holds the dispatcher and gateway instruments.
type Metrics struct {
	jobsSubmitted    metric.Int64Counter
	jobsFinished     metric.Int64Counter
	activeWorkers    metric.Int64UpDownCounter
	queueDepth       metric.Int64UpDownCounter
	transferDuration metric.Float64Histogram
	requestDuration  metric.Float64Histogram
	requestCount     metric.Int64Counter
}

// New creates the instruments on mp. A nil provider falls back to the
// global one.
func New(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error
	m.jobsSubmitted, err = meter.Int64Counter(
		"harvester.jobs.submitted",
		metric.WithDescription("Total number of accepted download jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsSubmitted, _ = meter.Int64Counter("harvester.jobs.submitted")
	}

	m.jobsFinished, err = meter.Int64Counter(
		"harvester.jobs.finished",
		metric.WithDescription("Total number of jobs that reached a terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsFinished, _ = meter.Int64Counter("harvester.jobs.finished")
	}

	m.activeWorkers, err = meter.Int64UpDownCounter(
		"harvester.workers.active",
		metric.WithDescription("Number of occupied worker slots"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		m.activeWorkers, _ = meter.Int64UpDownCounter("harvester.workers.active")
	}

	m.queueDepth, err = meter.Int64UpDownCounter(
		"harvester.queue.depth",
		metric.WithDescription("Number of jobs waiting for a worker slot"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.queueDepth, _ = meter.Int64UpDownCounter("harvester.queue.depth")
	}

	m.transferDuration, err = meter.Float64Histogram(
		"harvester.transfer.duration",
		metric.WithDescription("Duration of media transfers in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.transferDuration, _ = meter.Float64Histogram("harvester.transfer.duration")
	}

	m.requestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("Duration of HTTP requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.requestDuration, _ = meter.Float64Histogram("http.request.duration")
	}

	m.requestCount, err = meter.Int64Counter(
		"http.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.requestCount, _ = meter.Int64Counter("http.request.count")
	}

	return m
}

func (m *Metrics) JobSubmitted(ctx context.Context, format string) {
	m.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("job.format", format)))
}

func (m *Metrics) JobFinished(ctx context.Context, status string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("job.status", status)))
}

func (m *Metrics) WorkerStarted(ctx context.Context) {
	m.activeWorkers.Add(ctx, 1)
}

func (m *Metrics) WorkerStopped(ctx context.Context) {
	m.activeWorkers.Add(ctx, -1)
}

func (m *Metrics) Enqueued(ctx context.Context) {
	m.queueDepth.Add(ctx, 1)
}

func (m *Metrics) Dequeued(ctx context.Context) {
	m.queueDepth.Add(ctx, -1)
}

func (m *Metrics) TransferFinished(ctx context.Context, status string, duration time.Duration) {
	m.transferDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("job.status", status)))
}

// RecordRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requestCount.Add(ctx, 1, attrs)
}
