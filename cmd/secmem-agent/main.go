// Package main is the secmem-agent entrypoint: it parses configuration,
// wires up the store and server, and runs until a termination signal is
// received.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/secmemhq/secmem/internal/clock"
	"github.com/secmemhq/secmem/internal/config"
	"github.com/secmemhq/secmem/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), log)

	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secmem-agent: %v\n", err)
		return int(server.ExitConfigError)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, clock.System{})
	if err := srv.Run(ctx); err != nil {
		var startupErr *server.StartupError
		if errors.As(err, &startupErr) {
			fmt.Fprintf(os.Stderr, "secmem-agent: %v\n", startupErr.Err)
			return int(startupErr.Code)
		}
		fmt.Fprintf(os.Stderr, "secmem-agent: %v\n", err)
		return int(server.ExitConfigError)
	}

	return int(server.ExitClean)
}
