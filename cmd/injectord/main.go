// Command injectord runs one inject orchestration node.
//
// Configuration comes from injector.yaml (the -config path, or the first one
// found walking up from the working directory) with INJECTOR_* environment
// overrides. Without a file the node starts from defaults and environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/config"
	"github.com/zero-day-ai/injector/node"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to injector.yaml or a directory containing it")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "injectord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Node)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, node.Options{Config: cfg, Logger: logger, Version: version})
	if err != nil {
		return err
	}
	defer injector.CloseWithLog(n, logger, "node")

	logger.Info("starting injectord", "version", version)
	return n.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadFromCurrentDir()
	if errors.Is(err, injector.ErrNotFound) {
		return config.Parse(nil)
	}
	return cfg, err
}

func newLogger(c config.NodeConfig) *slog.Logger {
	level := slog.LevelInfo
	if c.LogLevel != "" {
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
