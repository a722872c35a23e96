package main

import (
	"flag"
	"log/slog"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/rickgao/gatecord/internal/config"
	"github.com/rickgao/gatecord/internal/logging"
	"github.com/rickgao/gatecord/internal/memwatch"
	"github.com/rickgao/gatecord/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/gatecord.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the configured one exists
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	configured, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		logger.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	logger = configured
	slog.SetDefault(logger)

	logger.Info("starting gatecord",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	stopWatchdog, err := memwatch.Start(cfg.Memory.LimitMB, logger)
	if err != nil {
		logger.Warn("memory watchdog disabled", "error", err)
	} else {
		defer stopWatchdog()
	}

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		Module(),
	)
	app.Run()

	logger.Info("gatecord stopped")
}
