package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextWithLogger(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	ctx := ContextWithLogger(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("expected stored logger, got %v", got)
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger on a bare context, got %v", got)
	}
	if got := ContextWithLogger(ctx, nil); got != ctx {
		t.Fatalf("expected nil logger to leave the context untouched")
	}
}

func TestComponent(t *testing.T) {
	decodeLine := func(t *testing.T, buf *bytes.Buffer) map[string]any {
		t.Helper()
		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
		}
		return line
	}

	t.Run("prefers the request logger", func(t *testing.T) {
		var requestBuf, baseBuf bytes.Buffer
		request := slog.New(slog.NewJSONHandler(&requestBuf, nil))
		base := slog.New(slog.NewJSONHandler(&baseBuf, nil))

		ctx := ContextWithLogger(context.Background(), request)
		Component(ctx, base, "handler", "ClassHandler", "Enroll", "class_id", "c1").Info("done")

		if baseBuf.Len() != 0 {
			t.Fatalf("expected base logger to stay silent, got %q", baseBuf.String())
		}
		line := decodeLine(t, &requestBuf)
		if line["handler"] != "ClassHandler" || line["operation"] != "Enroll" || line["class_id"] != "c1" {
			t.Fatalf("unexpected attributes: %v", line)
		}
	})

	t.Run("falls back to the base logger and omits empty operations", func(t *testing.T) {
		var buf bytes.Buffer
		base := slog.New(slog.NewJSONHandler(&buf, nil))

		Component(context.Background(), base, "service", "Engine", "").Info("done")

		line := decodeLine(t, &buf)
		if line["service"] != "Engine" {
			t.Fatalf("expected service attribute, got %v", line)
		}
		if _, ok := line["operation"]; ok {
			t.Fatalf("expected no operation attribute, got %v", line)
		}
	})
}
