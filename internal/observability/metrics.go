// Package observability provides OpenTelemetry instrumentation for
// metrics and tracing.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"queuectl/internal/job"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics
// endpoint and a shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// WorkerMetrics holds the worker loop's counters. A nil *WorkerMetrics is
// valid and records nothing, so workers run unchanged without a metrics
// endpoint.
type WorkerMetrics struct {
	claims    metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	dead      metric.Int64Counter
}

// NewWorkerMetrics registers the worker counters on the global meter.
func NewWorkerMetrics() (*WorkerMetrics, error) {
	meter := otel.Meter("queuectl-worker")

	claims, err := meter.Int64Counter("queuectl.jobs.claimed",
		metric.WithDescription("Jobs claimed by this worker"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("queuectl.jobs.completed",
		metric.WithDescription("Jobs completed successfully"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("queuectl.jobs.failed",
		metric.WithDescription("Job executions that failed and will retry"))
	if err != nil {
		return nil, err
	}
	dead, err := meter.Int64Counter("queuectl.jobs.dead",
		metric.WithDescription("Jobs moved to the dead letter queue"))
	if err != nil {
		return nil, err
	}

	return &WorkerMetrics{claims: claims, completed: completed, failed: failed, dead: dead}, nil
}

// RecordClaim counts one successful claim.
func (m *WorkerMetrics) RecordClaim(ctx context.Context) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1)
}

// RecordOutcome counts one post-execution transition.
func (m *WorkerMetrics) RecordOutcome(ctx context.Context, state job.State) {
	if m == nil {
		return
	}
	switch state {
	case job.StateCompleted:
		m.completed.Add(ctx, 1)
	case job.StateFailed:
		m.failed.Add(ctx, 1)
	case job.StateDead:
		m.dead.Add(ctx, 1)
	}
}

// RegisterQueueDepth registers an async gauge that reports the number of
// claimable jobs, computed only when scraped.
func RegisterQueueDepth(depth func(context.Context) (int64, error)) error {
	meter := otel.Meter("queuectl-worker")
	_, err := meter.Int64ObservableGauge("queuectl.queue.depth",
		metric.WithDescription("Current number of claimable jobs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := depth(ctx)
			if err != nil {
				// Do not fail the scrape on a store error.
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	return err
}
