package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func TestSpansAreExported(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(true, "collector-test", &buf, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "sweeper.sweep")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "sweeper.sweep") || !strings.Contains(out, "collector-test") {
		t.Fatalf("exported %q", out)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(false, "x", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracing produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
