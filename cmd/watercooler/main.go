package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/gateway"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/otelutil"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/presence"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/server"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store/postgres"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/voice"
	"github.com/ParkerDaudt/Watercooler-sub000/pkg/config"
	"github.com/ParkerDaudt/Watercooler-sub000/pkg/logging"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	if err := otelutil.Init(); err != nil {
		logger.Info("tracing disabled", slog.String("reason", err.Error()))
	}
	defer otelutil.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	gw := gateway.New(
		logger,
		hub.New(logger),
		presence.NewRegistry(logger),
		voice.NewRegistry(logger),
		permissions.NewResolver(st, logger),
		st,
		nil,
	)

	app := server.NewApp(logger, ctx, cfg, gw)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully")
}
