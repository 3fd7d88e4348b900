package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestContextFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "nutrify-test"})

	ctx := log.WithContext(context.Background())
	ctx = SetAnalysisID(ctx, "a-1")
	ctx = SetUserID(ctx, "u-1")

	With(Fields{FieldAttempt: 2}).Info(ctx, "model call %s", "done")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}

	want := map[string]interface{}{
		"service":       "nutrify-test",
		FieldAnalysisID: "a-1",
		FieldUserID:     "u-1",
		"message":       "model call done",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("field %s = %v, want %v", k, line[k], v)
		}
	}
	if line[FieldAttempt] != float64(2) {
		t.Errorf("attempt = %v, want 2", line[FieldAttempt])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Error("expected default logger for bare context")
	}
}

func TestGetFieldString(t *testing.T) {
	ctx := New(&Config{Output: &bytes.Buffer{}}).WithContext(context.Background())
	ctx = SetRequestID(ctx, "req-9")

	if got := GetRequestID(ctx); got != "req-9" {
		t.Errorf("GetRequestID = %q, want req-9", got)
	}
	if got := GetUserID(ctx); got != "" {
		t.Errorf("GetUserID = %q, want empty", got)
	}
}
