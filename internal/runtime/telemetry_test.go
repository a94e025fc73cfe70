package runtime

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/discernus/discernus/config"
)

func TestSetupTelemetryInstallsSDKProviders(t *testing.T) {
	prevMP := otel.GetMeterProvider()
	prevTP := otel.GetTracerProvider()
	defer otel.SetMeterProvider(prevMP)
	defer otel.SetTracerProvider(prevTP)

	ctx := context.Background()
	tel, meter, tracer, err := SetupTelemetry(ctx, config.TelemetryConfig{Enabled: true},
		TelemetryOptions{ServiceName: "discernus-test", ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	defer func() {
		if err := tel.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	if meter == nil || tracer == nil {
		t.Fatalf("expected meter and tracer instruments")
	}
	if tel.mp == nil || tel.tp == nil {
		t.Fatalf("expected SDK providers to be constructed")
	}

	// The globals must now resolve to the SDK providers, not the default no-ops.
	mp, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	if !ok || mp != tel.mp {
		t.Fatalf("global meter provider not the SDK provider: %T", otel.GetMeterProvider())
	}
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok || tp != tel.tp {
		t.Fatalf("global tracer provider not the SDK provider: %T", otel.GetTracerProvider())
	}

	// Instruments built on the SDK meter must record without error.
	counter, err := meter.Int64Counter("runs_processed_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 1)
}

func TestSetupTelemetryDisabledLeavesGlobalsAlone(t *testing.T) {
	prevMP := otel.GetMeterProvider()
	prevTP := otel.GetTracerProvider()
	defer otel.SetMeterProvider(prevMP)
	defer otel.SetTracerProvider(prevTP)

	tel, meter, tracer, err := SetupTelemetry(context.Background(), config.TelemetryConfig{},
		TelemetryOptions{ServiceName: "discernus-test"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if meter == nil || tracer == nil {
		t.Fatalf("expected usable no-op instruments")
	}
	if tel.mp != nil || tel.tp != nil {
		t.Fatalf("disabled telemetry should not build SDK providers")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on disabled telemetry: %v", err)
	}
}
