// Command graphstore imports catalog batches into a store, resets it and
// dumps its contents.
//
//	graphstore import [-mode writer-closure|writer-named|main-line] [-writer name] [-no-wait] <file>
//	graphstore reset
//	graphstore dump [-fingerprint]
//
// The store and logging are configured through GRAPHSTORE_* environment
// variables, optionally read from a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nlstn/go-graphstore/internal/config"
	"github.com/nlstn/go-graphstore/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	logger.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		logger.Error("graphstore failed", "error", err)
		os.Exit(1)
	}
}
