package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long refreshes/jobs/requests take
// - Traffic: Submission and request throughput
// - Errors: Rate of failures
// - Saturation: Tracked jobs, pool queue depth, busy workers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics for the pool API (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Queue reconciliation metrics (Latency, Traffic, Errors, Saturation)
	RefreshDuration metric.Float64Histogram
	RefreshesTotal  metric.Int64Counter
	RefreshFailures metric.Int64Counter
	JobsSubmitted   metric.Int64Counter
	JobsTracked     metric.Int64Gauge

	// Worker pool metrics (Latency, Traffic, Errors, Saturation)
	PoolJobDuration metric.Float64Histogram
	PoolJobsTotal   metric.Int64Counter
	PoolJobsFailed  metric.Int64Counter
	PoolJobsActive  metric.Int64UpDownCounter
	PoolQueueDepth  metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("batchq")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Queue metrics
	m.RefreshDuration, err = meter.Float64Histogram(
		"queue_refresh_duration_seconds",
		metric.WithDescription("Backend snapshot reconciliation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RefreshesTotal, err = meter.Int64Counter(
		"queue_refreshes_total",
		metric.WithDescription("Total reconciliation passes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RefreshFailures, err = meter.Int64Counter(
		"queue_refresh_failures_total",
		metric.WithDescription("Reconciliation passes aborted by a backend query failure"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"queue_jobs_submitted_total",
		metric.WithDescription("Jobs submitted through the queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTracked, err = meter.Int64Gauge(
		"queue_jobs_tracked",
		metric.WithDescription("Jobs currently tracked by the queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pool metrics
	m.PoolJobDuration, err = meter.Float64Histogram(
		"pool_job_duration_seconds",
		metric.WithDescription("Worker pool job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolJobsTotal, err = meter.Int64Counter(
		"pool_jobs_total",
		metric.WithDescription("Jobs accepted by the worker pool"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolJobsFailed, err = meter.Int64Counter(
		"pool_jobs_failed_total",
		metric.WithDescription("Jobs that exited nonzero or could not run"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolJobsActive, err = meter.Int64UpDownCounter(
		"pool_jobs_active",
		metric.WithDescription("Jobs currently executing on workers (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolQueueDepth, err = meter.Int64Gauge(
		"pool_queue_depth",
		metric.WithDescription("Jobs waiting for a free worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRefresh records one reconciliation pass.
func (m *Metrics) RecordRefresh(ctx context.Context, backend string, durationSeconds float64, failed bool) {
	attrs := metric.WithAttributes(backendAttr(backend))
	m.RefreshDuration.Record(ctx, durationSeconds, attrs)
	m.RefreshesTotal.Add(ctx, 1, attrs)
	if failed {
		m.RefreshFailures.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a successful submission.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, backend string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordJobsTracked records the current tracked-job count.
func (m *Metrics) RecordJobsTracked(ctx context.Context, count int64) {
	m.JobsTracked.Record(ctx, count)
}

// RecordPoolJobStarted records a job beginning execution on a worker.
func (m *Metrics) RecordPoolJobStarted(ctx context.Context) {
	m.PoolJobsTotal.Add(ctx, 1)
	m.PoolJobsActive.Add(ctx, 1)
}

// RecordPoolJobFinished records a job leaving a worker.
func (m *Metrics) RecordPoolJobFinished(ctx context.Context, durationSeconds float64, failed bool) {
	m.PoolJobDuration.Record(ctx, durationSeconds)
	m.PoolJobsActive.Add(ctx, -1)
	if failed {
		m.PoolJobsFailed.Add(ctx, 1)
	}
}

// RecordPoolQueueDepth records how many jobs are waiting for a worker.
func (m *Metrics) RecordPoolQueueDepth(ctx context.Context, depth int64) {
	m.PoolQueueDepth.Record(ctx, depth)
}
