// Package telemetry reports outstream's traces and metrics to Lightstep or Honeycomb, depending on which
// key is present in the environment.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/lightstep/otel-launcher-go/launcher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc/credentials"

	"github.com/getlantern/golog"
	"github.com/getlantern/ops"
)

const (
	ServiceName = "outstream"

	honeycombEndpoint     = "api.honeycomb.io:443"
	metricReportingPeriod = 10 * time.Second
)

var (
	log = golog.LoggerFor("outstream.telemetry")
)

// Start configures opentelemetry for collecting metrics and traces, and returns
// a function to shut down telemetry collection.
func Start() func() {
	if key := os.Getenv("LIGHTSTEP_KEY"); key != "" {
		return startLightstep(key)
	}
	if key := os.Getenv("HONEYCOMB_KEY"); key != "" {
		return startHoneycomb(key)
	}
	log.Debug("No LIGHTSTEP_KEY or HONEYCOMB_KEY in environment, will not report traces and metrics")
	return func() {}
}

func startLightstep(key string) func() {
	log.Debug("Will report traces and metrics to Lightstep")
	ls := launcher.ConfigureOpentelemetry(
		launcher.WithServiceName(ServiceName),
		launcher.WithMetricReportingPeriod(metricReportingPeriod),
		launcher.WithAccessToken(key),
	)
	ops.EnableOpenTelemetry(ServiceName)
	return func() { ls.Shutdown() }
}

// startHoneycomb only reports traces, Honeycomb doesn't take our metrics.
func startHoneycomb(key string) func() {
	log.Debug("Will report traces to Honeycomb")
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(honeycombEndpoint),
		otlptracegrpc.WithHeaders(map[string]string{
			"x-honeycomb-team": key,
		}),
		otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
	)

	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		log.Errorf("Unable to initialize Honeycomb, will not report traces: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	ops.EnableOpenTelemetry(ServiceName)
	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Errorf("Unable to shut down tracing: %v", err)
		}
	}
}
