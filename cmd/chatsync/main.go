package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/chatsync/internal/auth"
	"github.com/4xmen/chatsync/internal/coordinator"
	"github.com/4xmen/chatsync/internal/db"
	"github.com/4xmen/chatsync/internal/dispatch"
	"github.com/4xmen/chatsync/internal/handlers"
	"github.com/4xmen/chatsync/internal/media"
	"github.com/4xmen/chatsync/internal/push"
	"github.com/4xmen/chatsync/internal/remote"
	"github.com/4xmen/chatsync/internal/session"
	"github.com/4xmen/chatsync/internal/store"
	"github.com/4xmen/chatsync/internal/subscription"
	"github.com/4xmen/chatsync/internal/ws"
	"github.com/4xmen/chatsync/pkg/config"
	"github.com/4xmen/chatsync/pkg/i18n"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	i18n.SetLocale(cfg.Locale)

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			logger.Fatal().Err(err).Msg("command failed")
		}
		return
	}

	if err := runServer(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "chatsync").Logger()
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chatsync                         Start the sync daemon")
	fmt.Fprintln(out, "  chatsync status [--json]         Show storage statistics")
	fmt.Fprintln(out, "  chatsync migrate first-last [--dry-run] [--database PATH]")
}

// openRemote builds the local store over the configured document backend. The
// returned cleanup closes the backend after the store.
func openRemote(ctx context.Context, cfg *config.Config, database *db.DB, logger zerolog.Logger) (*remote.LocalStore, func(), error) {
	switch cfg.RemoteBackend {
	case "memory":
		local := remote.NewLocalStore(logger)
		return local, local.Close, nil

	case "sqlite":
		local, err := remote.OpenLocalStore(ctx, database.Documents(), logger)
		if err != nil {
			return nil, nil, err
		}
		return local, local.Close, nil

	case "redis":
		backend, err := db.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		local, err := remote.OpenLocalStore(ctx, backend, logger)
		if err != nil {
			backend.Close()
			return nil, nil, err
		}
		return local, func() {
			local.Close()
			backend.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote backend: %s", cfg.RemoteBackend)
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.FileStoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pending, err := pendingFirstLastBackfill(ctx, cfg.DatabasePath); err != nil {
		logger.Warn().Err(err).Msg("could not check user search fields")
	} else if pending > 0 {
		logger.Warn().Int("users", pending).Msgf("user search fields are stale, run `chatsync migrate first-last --database %s`", cfg.DatabasePath)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	local, closeRemote, err := openRemote(ctx, cfg, database, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.RemoteBackend, err)
	}
	defer closeRemote()

	authSvc := auth.NewWithTokenTTL(database.GetConn(), cfg.JWTSecret, cfg.TokenTTL)
	if n, err := authSvc.PurgeRevoked(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to purge revoked tokens")
	} else if n > 0 {
		logger.Info().Int64("purged", n).Msg("purged expired token revocations")
	}

	st := store.New()
	loop := dispatch.New(st, logger)
	go loop.Run(ctx)

	subs := subscription.New(local, loop, logger)
	sessions := session.New(session.Deps{
		Provider:   authSvc,
		Remote:     local,
		Persister:  database.Sessions(),
		Subscriber: subs,
		Tokens:     push.NewRegistry(local, cfg.DevicePushToken, logger),
		Dispatcher: loop,
		Logger:     logger,
	})
	defer sessions.Stop()

	uploader := media.New(database.GetConn(), cfg.FileStoragePath, cfg.MaxUploadSize)
	coord := coordinator.New(coordinator.Deps{
		Remote:       local,
		Dispatcher:   loop,
		Store:        st,
		Syncer:       loop,
		Uploader:     uploader,
		Logger:       logger,
		WriteTimeout: cfg.WriteTimeout,
	})

	hub := ws.NewHub(loop, cfg.AllowedOrigins(), logger)
	go hub.Run(ctx)

	restored, err := sessions.Restore(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to restore session")
	} else if restored {
		logger.Info().Str("user_id", sessions.UserID()).Msg("session restored")
	}

	authHandler := handlers.NewAuthHandler(sessions)
	chatHandler := handlers.NewChatHandler(coord, st, loop, subs, uploader, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(handlers.ServerErrorLogger(logger))
	router.Use(gin.Logger())
	router.Use(handlers.PanicRecovery(logger))
	router.Use(handlers.Metrics())
	router.Use(handlers.CORS(cfg.CORSOrigins))
	router.MaxMultipartMemory = cfg.MaxUploadSize

	api := router.Group("/api")
	{
		signInLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		signUpLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/signup", handlers.RateLimit(signUpLimiter, "signup"), authHandler.SignUp)
		api.POST("/auth/signin", handlers.RateLimit(signInLimiter, "signin"), authHandler.SignIn)
		api.GET("/session", authHandler.Session)

		// public so image URLs load without headers
		api.GET("/files/:name", chatHandler.ServeFile)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.POST("/auth/logout", authHandler.Logout)

		// Chats
		protected.GET("/chats", chatHandler.ListChats)
		protected.POST("/chats", chatHandler.CreateChat)
		protected.GET("/chats/:id", chatHandler.GetChat)
		protected.PUT("/chats/:id", chatHandler.UpdateChat)
		protected.POST("/chats/:id/users", chatHandler.AddUsers)
		protected.DELETE("/chats/:id/users/:userId", chatHandler.RemoveUser)

		// Messages
		protected.POST("/chats/:id/messages", chatHandler.SendMessage)
		protected.POST("/chats/:id/images", chatHandler.SendImage)
		protected.POST("/chats/:id/messages/:messageId/star", chatHandler.ToggleStar)
		protected.GET("/starred", chatHandler.Starred)
		protected.DELETE("/failures/:tempId", chatHandler.DismissFailure)

		// Users
		protected.GET("/users/search", chatHandler.SearchUsers)
		protected.GET("/profile", chatHandler.GetMyProfile)
		protected.PUT("/profile", chatHandler.UpdateProfile)

		// Sync state
		protected.GET("/subscriptions", chatHandler.Subscriptions)
		protected.POST("/subscriptions/retry", chatHandler.RetrySubscriptions)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"session":    sessions.State().String(),
			"version":    st.Snapshot().Version(),
			"ws_clients": hub.ClientCount(),
		})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.Translate("not found")})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("backend", cfg.RemoteBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
