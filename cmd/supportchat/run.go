package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ashureev/supportsync/internal/api"
	"github.com/ashureev/supportsync/internal/chat"
	"github.com/ashureev/supportsync/internal/config"
	"github.com/ashureev/supportsync/internal/console"
	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/events"
	"github.com/ashureev/supportsync/internal/middleware"
	"github.com/ashureev/supportsync/internal/restapi"
	"github.com/ashureev/supportsync/internal/store"
	"github.com/ashureev/supportsync/internal/transport"
)

func newRunCmd() *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and start the interactive console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, headless)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the console, serving only the inspect API")
	return cmd
}

func run(cmd *cobra.Command, headless bool) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// The console owns stdout; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if cfg.Credential == "" {
		return errors.New("SUPPORTSYNC_CREDENTIAL is required")
	}

	slog.Info("Starting supportchat", "version", version, "server", cfg.ServerURL, "role", cfg.Role)

	var repo store.Repository
	if cfg.PersistenceEnabled() {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return err
		}
		sqlite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			return err
		}
		defer func() {
			if closeErr := sqlite.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		if err := sqlite.Ping(context.Background()); err != nil {
			slog.Error("Database health check failed", "error", err)
			return err
		}
		slog.Info("Database connected", "path", cfg.DBPath)
		repo = sqlite
	}

	var fallback chat.Fallback
	if cfg.APIURL != "" {
		fallback = restapi.New(cfg.APIURL, cfg.Credential, &http.Client{Timeout: 30 * time.Second})
		slog.Info("Fallback API enabled", "url", cfg.APIURL)
	}

	d := events.NewDispatcher(logger)
	tr := transport.NewManager(transport.Config{
		URL:                cfg.ServerURL,
		Dialer:             transport.WebSocketDialer{},
		HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
		HeartbeatInterval:  cfg.Transport.HeartbeatInterval,
		HeartbeatMisses:    cfg.Transport.HeartbeatMisses,
		ReconnectBaseDelay: cfg.Transport.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Transport.ReconnectMaxDelay,
		MaxAttempts:        cfg.Transport.ReconnectMaxAttempts,
		Logger:             logger,
	}, d)

	client := chat.New(chat.Config{
		Credential:         cfg.Credential,
		Role:               cfg.Role,
		OwnerID:            ownerKey(cfg),
		SendAckTimeout:     cfg.Engine.SendAckTimeout,
		TypingWindow:       cfg.Engine.TypingWindow,
		ClosedRetention:    cfg.Engine.ClosedRetention,
		SweepInterval:      cfg.Engine.SweepInterval,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		OutboxLimit:        cfg.Engine.OutboxLimit,
		Store:              repo,
		Fallback:           fallback,
		Logger:             logger,
	}, tr, d)
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if restored, err := client.Restore(ctx); err != nil {
		slog.Warn("Failed to restore local cache", "error", err)
	} else if restored {
		slog.Info("Local cache restored", "sessions", len(client.AllSessions()), "queued", client.QueueDepth())
	}

	client.StartSweeper(ctx)

	if cfg.InspectAddr != "" {
		srv := newInspectServer(cfg, client, repo)
		go func() {
			slog.Info("Inspect API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Inspect API failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Inspect API forced to shutdown", "error", err)
			}
		}()
	}

	if err := client.Connect(ctx); err != nil {
		// Transport failures keep retrying in the background; only a
		// rejected credential is fatal.
		slog.Error("Initial connect failed", "error", err)
		if errors.Is(err, domain.ErrAuthentication) {
			return err
		}
	} else {
		slog.Info("Connected", "user_id", tr.Identity().UserID, "epoch", client.Status().Epoch)
	}

	if headless {
		<-ctx.Done()
	} else {
		con := console.New(client, cfg.Role, cmd.OutOrStdout())
		con.Attach(d)
		if err := con.Run(ctx, cmd.InOrStdin()); err != nil {
			slog.Error("Console stopped", "error", err)
		}
		con.Detach()
	}
	stop()

	slog.Info("Shutting down gracefully...")
	checkpointCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Checkpoint(checkpointCtx); err != nil {
		slog.Error("Final checkpoint failed", "error", err)
	}
	return nil
}

func newInspectServer(cfg *config.Config, client *chat.Client, repo store.Repository) *http.Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.Inspect.AllowedOrigins))
	r.Use(middleware.BearerToken(cfg.Inspect.Token))

	base := api.NewHandler(client, repo)
	api.NewHealthHandler(base, 5*time.Second).RegisterHealth(r)
	api.NewSessionHandler(base).RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         cfg.InspectAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// ownerKey scopes the local cache to one role and credential without
// storing the credential itself.
func ownerKey(cfg *config.Config) string {
	sum := sha256.Sum256([]byte(string(cfg.Role) + "\x00" + cfg.Credential))
	return string(cfg.Role) + "-" + hex.EncodeToString(sum[:8])
}
