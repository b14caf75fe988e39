// Package metrics wires OpenTelemetry instruments for the board engine and
// assistant sessions, exported in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "boardline"

var (
	AttrOutcome = attribute.Key("outcome")
	AttrKind    = attribute.Key("kind")
)

// Recorder holds the instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	drops       metric.Int64Counter
	reconcile   metric.Float64Histogram
	exchanges   metric.Int64Counter
	exchangeDur metric.Float64Histogram
}

// NewRecorder creates instruments on the given meter.
func NewRecorder(m metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.drops, err = m.Int64Counter("boardline_drops_total", metric.WithDescription("Board drop intents by outcome")); err != nil {
		return nil, err
	}
	if r.reconcile, err = m.Float64Histogram("boardline_drop_reconcile_seconds", metric.WithDescription("Time from optimistic write to completed reload")); err != nil {
		return nil, err
	}
	if r.exchanges, err = m.Int64Counter("boardline_assistant_exchanges_total", metric.WithDescription("Assistant exchanges by kind and outcome")); err != nil {
		return nil, err
	}
	if r.exchangeDur, err = m.Float64Histogram("boardline_assistant_exchange_seconds", metric.WithDescription("Assistant exchange round trip in seconds")); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordDrop records a drop outcome: noop, moved, failed.
func (r *Recorder) RecordDrop(ctx context.Context, outcome string, reconcile time.Duration) {
	if r == nil {
		return
	}
	r.drops.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	if reconcile > 0 {
		r.reconcile.Record(ctx, reconcile.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordExchange records an assistant exchange (load, seed, send, clear).
func (r *Recorder) RecordExchange(ctx context.Context, kind, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(AttrKind.String(kind), AttrOutcome.String(outcome))
	r.exchanges.Add(ctx, 1, attrs)
	r.exchangeDur.Record(ctx, d.Seconds(), attrs)
}

var (
	providerOnce sync.Once
	handler      http.Handler
	providerErr  error
)

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the /metrics handler. Safe to call multiple times.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	providerOnce.Do(func() {
		if serviceName == "" {
			serviceName = "boardline"
		}
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			providerErr = err
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
		if err != nil {
			providerErr = err
			return
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		otelglobal.SetMeterProvider(provider)
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	})
	return handler, providerErr
}

// Meter returns the global meter.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}
