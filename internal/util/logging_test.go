package util

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerFromContextRoundTrip(t *testing.T) {
	base := slog.Default().With("request_id", "req-1")
	ctx := ContextWithLogger(context.Background(), base)
	if got := LoggerFromContext(ctx); got != base {
		t.Fatalf("expected the stored logger back, got %v", got)
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Fatalf("expected the default logger for a bare context")
	}
}
