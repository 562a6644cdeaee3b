// ABOUTME: Entry point for the chatcube update dispatch process.
// ABOUTME: Consumes the shared updates queue and pushes platform events to members.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/riscoscloverleaf/chatcube/internal/accounts"
	"github.com/riscoscloverleaf/chatcube/internal/config"
	"github.com/riscoscloverleaf/chatcube/internal/dispatch"
	"github.com/riscoscloverleaf/chatcube/internal/events"
	"github.com/riscoscloverleaf/chatcube/internal/queue"
	"github.com/riscoscloverleaf/chatcube/internal/telegram"
)

var version = "dev"

func getConfigPath() string {
	if envPath := os.Getenv("CHATCUBE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatcube", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting chatcube-updates",
		"version", version,
		"config", configPath,
		"redis_addr", cfg.Redis.Addr,
	)

	q, err := queue.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer q.Close()

	accts := make([]accounts.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accts = append(accts, accounts.Account{
			ID:          a.ID,
			MemberID:    a.MemberID,
			Phone:       a.Phone,
			PushChannel: a.PushChannel,
			Language:    a.Language,
		})
	}

	media := telegram.NewMediaStore(cfg.Media.Root, cfg.Media.BaseURL, logger)
	emitter := events.NewEmitter(cfg.Events.PubURL, cfg.Events.APIDomain, logger)

	proc := dispatch.NewProcessor(q, q, accounts.NewStatic(accts), emitter, media, logger, dispatch.Options{
		StaleAfter:   cfg.Timeouts.StaleUpdate,
		CallTimeout:  cfg.Timeouts.Call,
		GetMeTimeout: cfg.Timeouts.GetMe,
	})
	defer proc.Close()

	return proc.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
