// Package tracing provides Mission Control's shared OTel tracer, grounded
// on the teacher's internal/agentctl/tracing package: a lazily-initialized
// named tracer that is a genuine no-op until tracing is enabled, so call
// sites never branch on whether tracing is configured.
//
// Unlike the teacher, this package has no OTLP exporter wired (go.mod
// carries go.opentelemetry.io/otel, .../sdk, and .../trace only, not an
// exporter package) — see DESIGN.md for why. Enabling tracing swaps the
// no-op provider for a real SDK TracerProvider that samples and records
// spans in-process; plugging in a real exporter later is a matter of
// registering a span processor on it, not touching any call site below.
package tracing

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/missioncontrol/missioncontrol"

var (
	mu       sync.Mutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Enable swaps the process-wide tracer provider for a real SDK provider.
// Call once during application wiring, before any Tracer() call that needs
// real spans; safe to call multiple times (only the first takes effect).
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if sdk != nil {
		return
	}
	sdk = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	provider = sdk
}

// Tracer returns the named tracer every component should start spans from.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return provider.Tracer(name)
}

// Default returns the module-wide tracer used by the lifecycle packages.
func Default() trace.Tracer {
	return Tracer(instrumentationName)
}

// Shutdown flushes and stops the SDK provider, if one was enabled.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	s := sdk
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown(ctx)
}
