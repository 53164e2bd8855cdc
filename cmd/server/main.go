package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/indraafito/EcoTrade-sub000/internal/app"
	"github.com/indraafito/EcoTrade-sub000/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("ecotrade server starting",
		"http_port", cfg.HTTPPort,
		"kiosk_bridge", cfg.MQTTBrokerURL != "",
		"mdns", cfg.MDNSEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("ecotrade server terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("ecotrade server stopped cleanly")
}

// logLevel maps ECOTRADE_LOG_LEVEL to a slog level; unknown values log at info.
func logLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
