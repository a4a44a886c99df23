package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/hotkey-tracker/internal/app"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/config"
	"github.com/mohammed-shakir/hotkey-tracker/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("HOTKEYS_CONFIG"), "YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Component: "tracker",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting hotkey tracker",
		"addr", cfg.Addr,
		"version", Version,
		"kafka", cfg.Kafka.Enabled,
		"redis", cfg.Redis.Enabled,
		"snapshot_dir", cfg.Snapshot.Dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLog, Version)
	if err != nil {
		appLog.Error("tracker setup failed", "err", err)
		return 1
	}

	// SIGHUP restarts: the supervisor sees ExitRestart and starts us again
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		select {
		case <-hup:
			appLog.Info("SIGHUP received, restarting")
			a.Restart()
		case <-ctx.Done():
		}
	}()

	code, err := a.Run(ctx)
	if err != nil {
		appLog.Error("tracker exited with error", "err", err)
	}
	return code
}
