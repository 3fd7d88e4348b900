package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "nutrify-test",
		Output:      &buf,
	})

	_, span := otel.Tracer("test").Start(ctx, "analysis.parsing")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "analysis.parsing") {
		t.Errorf("span not exported: %q", out)
	}
	if !strings.Contains(out, "nutrify-test") {
		t.Errorf("service name missing from resource: %q", out)
	}
}

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 1},
		{-0.5, 1},
		{1.5, 1},
		{0.25, 0.25},
		{1, 1},
	}
	for _, tt := range tests {
		if got := sampleRatio(tt.in); got != tt.want {
			t.Errorf("sampleRatio(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
