package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tailhook/tailhook/internal/config"
	"github.com/tailhook/tailhook/internal/logging"
)

func TestConsoleHandler_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(consoleHandler(&buf, "JSON", slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("shown", "endpoint", "default")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug record to be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"endpoint":"default"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestNewLogger_WritesFileCopy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tailhook.log")
	logger, closer, err := newLogger(&config.Config{LogFormat: "text", LogLevel: slog.LevelInfo, LogFile: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := logging.WithEndpoint(logging.WithRequestID(context.Background(), "req-1"), "homelab")
	logger.InfoContext(ctx, "tailscale event received", "type", "test")
	if err := closer.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), `"type":"test"`) || !strings.Contains(string(content), `"endpoint":"homelab"`) {
		t.Fatalf("unexpected log file content: %s", content)
	}
}
