package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory span exporter as the global tracer
// provider for the duration of the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_RecordsSessionAttribute(t *testing.T) {
	exp := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "reply.generate", WithSession("s1"))
	if CorrelationID(ctx) == "" {
		t.Error("no trace id inside an active span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "reply.generate" {
		t.Errorf("span name = %q, want reply.generate", spans[0].Name)
	}
	var found bool
	for _, kv := range spans[0].Attributes {
		if kv.Key == attribute.Key("session.id") && kv.Value.AsString() == "s1" {
			found = true
		}
	}
	if !found {
		t.Error("session.id attribute missing from span")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("correlation id = %q, want empty without an active span", got)
	}
}
