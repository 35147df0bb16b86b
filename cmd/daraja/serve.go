package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/credentials"
	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/gateway"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/ops"
	"github.com/jkaninda/daraja/internal/secrets"
	"github.com/jkaninda/daraja/internal/storage"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	RunE:  runServe,
}

func init() {
	// Register the flag on both root and serve so that
	// `daraja --config path` and `daraja serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
}

// runServe wires up the daemon: secrets, observability, the token store,
// one transport per account, and the ops endpoint. Blocks until a signal
// arrives or the ops server fails.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DARAJA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("starting daraja",
		slog.String("version", version),
		slog.Int("accounts", len(cfg.Accounts)),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveSecrets(ctx, cfg, logger); err != nil {
		return err
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Credential manager, optionally backed by the persistent token store.
	tokens := credentials.NewManager(logger).WithMetrics(obs.MetricsOrNil())
	if cfg.Storage != nil {
		store, err := storage.Open(cfg.Storage, cfg.TokenDBPath(), logger)
		if err != nil {
			return fmt.Errorf("opening token store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing token store", slog.String("error", err.Error()))
			}
		}()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating token store: %w", err)
		}
		tokens.WithStore(store)

		janitor := storage.NewJanitor(store, cfg.Storage.CleanupSpec(), logger)
		cancelJanitor, err := janitor.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting token janitor: %w", err)
		}
		defer cancelJanitor()

		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("storage", store.Ping)
		}
	}

	// Transport supervisor.
	sup := gateway.NewSupervisor(tokens, logger).
		WithObservability(obs).
		WithCallbacks(eventSink(logger))

	if obs != nil && obs.Health != nil {
		configured := len(cfg.Accounts)
		obs.Health.AddCheck("transports", func(_ context.Context) error {
			if running := len(sup.RunningAccounts()); running < configured {
				return fmt.Errorf("%d of %d account transports running", running, configured)
			}
			return nil
		})
	}

	sup.StartAll(ctx, cfg)

	// Ops endpoint (optional).
	errs := make(chan error, 1)
	var opsServer *ops.Server
	if cfg.Ops != nil {
		opsServer = ops.NewServer(cfg.Ops, obs, logger)
		go func() {
			errs <- opsServer.Start(ctx)
		}()
	}

	// Wait for signal or ops server failure.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("ops endpoint exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup.StopAll(shutdownCtx)
	if opsServer != nil {
		if err := opsServer.Stop(shutdownCtx); err != nil {
			logger.Error("stopping ops endpoint", slog.String("error", err.Error()))
		}
	}

	return nil
}

// resolveSecrets replaces credential references in account secrets with
// resolved values, so the rest of the daemon only ever sees literals.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var provider secrets.Provider = secrets.NewEnvProvider()
	if cfg.Secrets != nil && len(cfg.Secrets.Providers) > 0 {
		providers := make([]secrets.Provider, 0, len(cfg.Secrets.Providers))
		for _, sp := range cfg.Secrets.Providers {
			switch sp.Type {
			case "env":
				providers = append(providers, secrets.NewEnvProvider())
			case "vault":
				vp, err := secrets.NewVaultProvider(sp.Config)
				if err != nil {
					return fmt.Errorf("creating vault secret provider: %w", err)
				}
				providers = append(providers, vp)
			default:
				logger.Warn("unknown secret provider type, skipping", slog.String("type", sp.Type))
			}
		}
		if len(providers) > 0 {
			provider = secrets.NewCompositeProvider(providers...)
		}
	}

	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		resolved, err := secrets.ResolveValue(ctx, provider, acct.AppSecret)
		if err != nil {
			return fmt.Errorf("resolving app secret for account %s: %w", acct.Label(), err)
		}
		acct.AppSecret = resolved
	}
	return nil
}

// eventSink builds the callbacks wired into every transport. The default
// consumer logs each delivered event; deployments embedding the packages
// replace this with their own pipeline.
func eventSink(logger *slog.Logger) gateway.Callbacks {
	return gateway.Callbacks{
		OnEvent: func(_ context.Context, ev *domain.CanonicalEvent) {
			logger.Info("event delivered",
				slog.String("message_id", ev.MessageID),
				slog.String("channel_id", ev.ChannelID),
				slog.String("author", ev.AuthorName),
				slog.Bool("direct", ev.IsDirect),
				slog.Int("text_len", len(ev.Text)),
			)
		},
		OnReady: func(sessionID string, bot domain.BotIdentity) {
			logger.Info("transport ready",
				slog.String("session_id", sessionID),
				slog.String("bot_username", bot.Username),
			)
		},
		OnFatalError: func(err error) {
			logger.Error("transport failed permanently", slog.String("error", err.Error()))
		},
	}
}
