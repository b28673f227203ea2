// ABOUTME: Entry point for the tether runner process
// ABOUTME: Wires store, coordination substrate, platform, and bridge, then runs until signaled

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/loomlabs/tether/internal/agent"
	"github.com/loomlabs/tether/internal/blob"
	"github.com/loomlabs/tether/internal/bridge"
	"github.com/loomlabs/tether/internal/config"
	"github.com/loomlabs/tether/internal/coord"
	"github.com/loomlabs/tether/internal/identity"
	"github.com/loomlabs/tether/internal/platform"
	"github.com/loomlabs/tether/internal/runner"
	"github.com/loomlabs/tether/internal/store"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ╺┳╸┏━╸╺┳╸╻ ╻┏━╸┏━┓            │
    │    ┃ ┣╸  ┃ ┣━┫┣╸ ┣┳┛            │
    │    ╹ ┗━╸ ╹ ╹ ╹┗━╸╹┗╸            │
    │                                  │
    │      integration runner          │
    │                                  │
    ╰──────────────────────────────────╯
`

// getConfigPath returns the path to the runner config file.
// Priority: TETHER_CONFIG env var > XDG_CONFIG_HOME/tether/runner.toml > ~/.config/tether/runner.toml
func getConfigPath() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "runner.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tether", "runner.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("NATS:     %s\n", cfg.NATS.URL)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s\n", cfg.Agent.URL)
	fmt.Println()

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	coordinator, err := coord.NewNATSCoordinator(cfg.NATS.URL, cfg.Runner.LeaseTTL, logger)
	if err != nil {
		return fmt.Errorf("connecting coordination substrate: %w", err)
	}
	defer coordinator.Close()

	blobs, err := blob.NewFSStore(cfg.Blob.Dir, cfg.Blob.BaseURL)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	issuer := identity.NewTokenIssuer([]byte(cfg.Identity.TokenSecret), cfg.Identity.TokenTTL)
	router := bridge.NewRouter(bridge.RouterParams{
		Store:        db,
		Generator:    agent.NewClient(cfg.Agent.URL),
		Builder:      bridge.NewContextBuilder(blobs, cfg.Runner.HistoryLimit, cfg.Runner.MaxPostWords, logger),
		Prompter:     identity.NewPrompter(issuer, cfg.Identity.LinkBaseURL),
		Formatter:    bridge.NewFormatter(4000),
		AgentTimeout: cfg.Agent.Timeout,
		Logger:       logger,
	})

	runners := runner.NewCoordinator(runner.CoordinatorParams{
		Leases:  coordinator,
		Bus:     coordinator,
		Store:   db,
		Factory: platform.NewMatrixClient,
		Sink:    router,
		Config: runner.Config{
			LeaseTTL:          cfg.Runner.LeaseTTL,
			HeartbeatInterval: cfg.Runner.HeartbeatInterval,
			MinBackoff:        cfg.Runner.ReconnectMinBackoff,
			MaxBackoff:        cfg.Runner.ReconnectMaxBackoff,
		},
		Logger: logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if seedPath := os.Getenv("TETHER_INTEGRATIONS"); seedPath != "" {
		if err := seedIntegrations(ctx, db, seedPath, logger); err != nil {
			return fmt.Errorf("seeding integrations: %w", err)
		}
	}

	// Listen for start intents before attempting any integration, so a
	// lost race still leaves this process available for takeover.
	if err := runners.Start(ctx); err != nil {
		return fmt.Errorf("subscribing to start intents: %w", err)
	}

	integrations, err := db.ListIntegrations(ctx, store.IntegrationTypeMatrix)
	if err != nil {
		return fmt.Errorf("listing integrations: %w", err)
	}
	logger.Info("runner process started",
		"process_id", runners.ProcessID(), "integrations", len(integrations))

	for _, integration := range integrations {
		if err := runners.InitIntegration(ctx, integration); err != nil {
			// One bad integration must not keep the rest from running.
			logger.Error("integration failed to start",
				"integration_id", integration.ID, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down, handing off runners")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runner.LeaseTTL)
	defer shutdownCancel()
	runners.Shutdown(shutdownCtx)

	return nil
}

// seedIntegrations reconciles the YAML seed file into the store: new
// integrations are created, existing ones get their config updated.
func seedIntegrations(ctx context.Context, db store.Store, path string, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}

	for _, s := range seed.Integrations {
		cfg := store.IntegrationConfig{
			HomeserverURL: s.Homeserver,
			UserID:        s.UserID,
			AccessToken:   s.AccessToken,
			Flags:         s.Flags,
		}

		existing, err := db.GetIntegration(ctx, s.ID)
		if err == nil {
			if err := db.UpdateIntegrationConfig(ctx, existing.ID, cfg); err != nil {
				return fmt.Errorf("updating integration %q: %w", s.ID, err)
			}
			logger.Info("integration config updated from seed", "integration_id", s.ID)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("looking up integration %q: %w", s.ID, err)
		}

		if err := db.CreateIntegration(ctx, &store.Integration{
			ID:     s.ID,
			Type:   s.Type,
			TeamID: s.TeamID,
			Config: cfg,
		}); err != nil {
			return fmt.Errorf("creating integration %q: %w", s.ID, err)
		}
		logger.Info("integration created from seed", "integration_id", s.ID)
	}

	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
