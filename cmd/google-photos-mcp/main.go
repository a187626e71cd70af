package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/savethepolarbears/google-photos-mcp/internal/auth"
	"github.com/savethepolarbears/google-photos-mcp/internal/config"
	"github.com/savethepolarbears/google-photos-mcp/internal/google"
	"github.com/savethepolarbears/google-photos-mcp/internal/identity"
	"github.com/savethepolarbears/google-photos-mcp/internal/logging"
	"github.com/savethepolarbears/google-photos-mcp/internal/mcpserver"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/ratelimit"
	"github.com/savethepolarbears/google-photos-mcp/internal/refresh"
	"github.com/savethepolarbears/google-photos-mcp/internal/retry"
	"github.com/savethepolarbears/google-photos-mcp/internal/secrets"
	"github.com/savethepolarbears/google-photos-mcp/internal/server"
	"github.com/savethepolarbears/google-photos-mcp/internal/state"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
)

var Version = "dev"

const listenAddr = ":8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("google-photos-mcp starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.Load()
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	secretStore, err := buildSecretStore(cfg)
	if err != nil {
		return fmt.Errorf("opening secret store: %w", err)
	}

	repo := tokens.NewRepository(secretStore, st, logger)

	// Migration runs before any traffic is served so the bulk write never
	// races per-user saves. Failure is logged, not fatal: the server keeps
	// working with whatever valid tokens already exist.
	if err := repo.MigrateLegacy(cfg.LegacyTokensFile); err != nil {
		logger.Error("legacy token migration failed", slog.String("error", err.Error()))
	}

	verifier, err := identity.NewVerifier(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing identity verifier: %w", err)
	}

	tokenClient := google.NewTokenClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, logger)
	coordinator := refresh.NewCoordinator(repo, tokenClient, cfg.TokenExpiryBuffer, logger)
	tracker := quota.New(cfg.QuotaLimits(), logger)
	executor := retry.NewExecutor(logger)

	limiter := ratelimit.New(cfg.GeocodeMinInterval, logger)
	defer limiter.Close()

	photos := google.NewPhotosClient(nil, repo, coordinator, tracker, executor, cfg.RetryPolicy(), logger)
	geocoder := google.NewGeocoder(nil, limiter, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "google-photos-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, &mcpserver.Services{
		Repo:     repo,
		Photos:   photos,
		Geocoder: geocoder,
		Quota:    tracker,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	flow := auth.NewFlow(tokenClient, verifier, repo, cfg.GoogleClientID, logger)

	mux := server.NewMux(server.MuxConfig{
		Flow:       flow,
		MCPHandler: mcpHandler,
	})

	srv := server.New(listenAddr, mux)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", slog.String("listen", listenAddr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// buildSecretStore selects the configured secret store backend.
func buildSecretStore(cfg *config.Config) (secrets.Store, error) {
	switch cfg.SecretsBackend {
	case "file":
		return secrets.NewFileStore(cfg.SecretsDir, cfg.SecretsPassword)
	default:
		return secrets.NewKeyring("google-photos-mcp"), nil
	}
}
