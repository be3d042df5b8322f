package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx, nil).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("expected context logger to be used: %s", buf.String())
	}

	if got := FromContext(context.Background(), logger); got != logger {
		t.Fatal("expected fallback logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected no-op logger")
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("unexpected request id: %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	t.Parallel()

	var info, warn bytes.Buffer
	logger := slog.New(MultiHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		nil,
		slog.NewJSONHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)).With("endpoint", "default")

	logger.Info("accepted")
	logger.Warn("rejected")

	if !strings.Contains(info.String(), "accepted") || !strings.Contains(info.String(), "rejected") {
		t.Fatalf("unexpected info output: %s", info.String())
	}
	if strings.Contains(warn.String(), "accepted") || !strings.Contains(warn.String(), `"endpoint":"default"`) {
		t.Fatalf("unexpected warn output: %s", warn.String())
	}
}

func TestMultiHandler_TagsRecordsFromContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(MultiHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithEndpoint(WithRequestID(context.Background(), "req-1"), "homelab")
	logger.InfoContext(ctx, "tailscale event received")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) || !strings.Contains(out, `"endpoint":"homelab"`) {
		t.Fatalf("expected context attributes in record: %s", out)
	}
}

func TestMultiHandler_DoesNotDuplicateBoundAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(MultiHandler(slog.NewJSONHandler(&buf, nil))).With("request_id", "req-1")

	ctx := WithEndpoint(WithRequestID(context.Background(), "req-1"), "homelab")
	logger.InfoContext(ctx, "rejected", "endpoint", "corp")

	out := buf.String()
	if strings.Count(out, `"request_id"`) != 1 {
		t.Fatalf("expected request_id once: %s", out)
	}
	if strings.Count(out, `"endpoint"`) != 1 || !strings.Contains(out, `"endpoint":"corp"`) {
		t.Fatalf("expected explicit endpoint to win: %s", out)
	}
}

func TestMultiHandler_NoContextValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(MultiHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("server starting")

	if strings.Contains(buf.String(), "request_id") || strings.Contains(buf.String(), "endpoint") {
		t.Fatalf("unexpected context attributes: %s", buf.String())
	}
}
