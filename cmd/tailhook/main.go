// Command tailhook receives and verifies Tailscale webhooks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tailhook/tailhook/app"
	"github.com/tailhook/tailhook/server"
)

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		serve()
	case "sign":
		os.Exit(runSign(args, os.Stdin, os.Stdout, os.Stderr, time.Now))
	case "verify":
		os.Exit(runVerify(args, os.Stdin, os.Stdout, os.Stderr, time.Now))
	case "seal":
		os.Exit(runSeal(args, os.Stdin, os.Stdout, os.Stderr))
	case "version":
		fmt.Println(app.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: tailhook [serve|sign|verify|seal|version]\n", command)
		os.Exit(2)
	}
}

func serve() {
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	application, err := app.New()
	if err != nil {
		fallbackLogger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}
	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		fallbackLogger.Error("failed to initialize server", "error", err)
		application.Close()
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			application.Logger.Error("server failed", "error", err)
			application.Close()
			os.Exit(1)
		}
		application.Close()
		return
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	if err := srv.Close(ctx); err != nil {
		cancel()
		application.Logger.Error("server forced to shutdown", "error", err)
		application.Close()
		os.Exit(1)
	}
	cancel()

	application.Close()
}
