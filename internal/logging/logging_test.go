package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true}, // unknown falls back to info
	}
	for _, tc := range tests {
		logger := New(tc.level, "text")
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelInfo); got != tc.infoEnabled {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoEnabled)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("expected non-nil logger for json format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_7f3a")
	if id := RequestID(ctx); id != "req_7f3a" {
		t.Errorf("RequestID = %q, want req_7f3a", id)
	}

	ctx = WithRequestID(ctx, "req_9b1c")
	if id := RequestID(ctx); id != "req_9b1c" {
		t.Errorf("latest request id should win, got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger when none is set")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the context's logger back")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("expected non-nil logger without request id")
	}

	ctx = WithRequestID(ctx, "req_33ab")
	if L(ctx) == nil {
		t.Fatal("expected non-nil logger with request id")
	}
}
