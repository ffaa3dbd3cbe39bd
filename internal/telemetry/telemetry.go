// Package telemetry wires OTLP trace and metric export for dialogd.
//
// The daemon stays up when the collector is unreachable: exporter
// construction errors degrade telemetry to the global no-op providers
// instead of failing startup.
package telemetry

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Telemetry owns the OTEL providers for the process lifetime.
type Telemetry struct {
	cfg            config.TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    log.LoggerProvider
	logger         *zap.Logger

	degraded atomic.Bool
	shutdown atomic.Bool
}

// New builds the providers and installs them as the otel globals.
// Disabled config returns a no-op Telemetry. Exporter errors are logged
// and leave the instance degraded rather than failing the caller.
func New(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		logger.Warn("trace exporter unavailable, tracing degraded", zap.Error(err))
		t.degraded.Store(true)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			logger.Warn("metric exporter unavailable, metric export degraded", zap.Error(err))
			t.degraded.Store(true)
		} else {
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// The otelzap bridge reads from here. Registering an SDK log
	// provider on the otel global is enough to light it up.
	t.logProvider = global.GetLoggerProvider()

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sampling_rate", cfg.SamplingRate),
		zap.Bool("metrics", cfg.MetricsEnabled))
	return t, nil
}

// Tracer returns a tracer from the installed provider, or the otel
// global when telemetry is disabled or degraded.
func (t *Telemetry) Tracer(name string) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.Tracer(name)
	}
	return t.tracerProvider.Tracer(name)
}

// Meter returns a meter from the installed provider, or the otel
// global when metric export is off.
func (t *Telemetry) Meter(name string) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.Meter(name)
	}
	return t.meterProvider.Meter(name)
}

// LoggerProvider returns the provider backing the zap-to-OTEL bridge,
// nil when telemetry is disabled.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logProvider
}

// Enabled reports whether export was configured on.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.cfg.Enabled
}

// Degraded reports whether any exporter failed to initialize.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// ForceFlush drains pending spans and metrics.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.ForceFlush(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. When ctx carries no
// deadline the configured shutdown timeout applies. Safe to call more
// than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || !t.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
