package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ai-icarus/icarus/internal/agent"
	"github.com/ai-icarus/icarus/internal/api"
	"github.com/ai-icarus/icarus/internal/auth"
	"github.com/ai-icarus/icarus/internal/azure"
	"github.com/ai-icarus/icarus/internal/cloud"
	"github.com/ai-icarus/icarus/internal/config"
	"github.com/ai-icarus/icarus/internal/exchange"
	"github.com/ai-icarus/icarus/internal/gateway"
	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/internal/logging"
	"github.com/ai-icarus/icarus/pkg/audit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "icarus",
	Short:   "Icarus - delegated-access gateway for Azure Log Analytics",
	Long:    `Icarus exposes a closed tool catalog and an LLM chat loop over Azure Log Analytics, exchanging each caller's token on-behalf-of before any downstream call`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Icarus %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Hash an admin token for ICARUS_ADMIN_TOKEN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAdminToken(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs; re-initialized from config below
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "icarus",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := logging.InitFromConfig(ctx, logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "icarus",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	profile, err := cloud.Resolve(cfg.CloudEnvironment)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve cloud profile")
	}

	log.Info().
		Str("version", Version).
		Str("cloud", profile.ID).
		Msg("Starting Icarus gateway")

	// Audit backend: SQLite when the data directory works, console otherwise.
	// Running without persistent audit is allowed but loudly logged.
	if sqliteLogger, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
		DataDir:       cfg.DataPath,
		RetentionDays: cfg.AuditRetentionDays,
	}); err != nil {
		log.Warn().Err(err).Msg("Falling back to console audit logging")
	} else {
		audit.SetLogger(sqliteLogger)
		defer sqliteLogger.Close()
	}

	verifier := identity.NewOIDCVerifier(profile, cfg.TenantID, cfg.ClientID)

	engine := exchange.NewEngine(exchange.EngineConfig{
		Profile:      profile,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Verifier:     verifier,
		Timeout:      cfg.ExchangeTimeout,
	})
	cache := exchange.NewTokenCache(cfg.TokenSafetyMargin)
	defer cache.Close()
	broker := exchange.NewBroker(engine, cache)

	factory := azure.NewFactory(broker, azure.FactoryConfig{
		Profile:          profile,
		TokenMargin:      cfg.TokenSafetyMargin,
		OpenAIEndpoint:   cfg.OpenAIEndpoint,
		OpenAIDeployment: cfg.OpenAIDeployment,
		OpenAIAPIVersion: cfg.OpenAIAPIVersion,
	})

	gw := gateway.New(factory, gateway.Config{
		Profile:      profile,
		RetryBackoff: cfg.RetryBackoff,
	})

	var chatSvc api.ChatService
	if cfg.IsInferenceConfigured() {
		sessions := agent.NewSessionStore(cfg.ChatSessionTTL)
		defer sessions.Close()
		chatSvc = agent.New(gw, factory, sessions, agent.Config{MaxTurns: cfg.MaxAgentTurns})
	} else {
		log.Warn().Msg("Model inference not configured; /api/chat will answer 503")
	}

	router := api.NewRouter(cfg, verifier, gw, chatSvc, Version)

	g, ctx := errgroup.WithContext(ctx)

	startMetricsServer(ctx, g, fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.MetricsPort))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.Port),
		Handler: api.ErrorHandler(router),
		// ReadHeaderTimeout only; WriteTimeout stays off so the SSE chat
		// stream can manage its own write deadlines.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info().
			Str("host", cfg.BackendHost).
			Int("port", cfg.Port).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}

	log.Info().Msg("Server stopped")
}
