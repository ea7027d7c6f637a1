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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medchat/internal/chatserver"
	"medchat/internal/config"
	"medchat/internal/db"
	"medchat/internal/middleware"
	"medchat/internal/user"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.DBDSN == "" {
				return errors.New("DB_DSN is not set")
			}

			database, err := db.NewDatabase(cmd.Context(), cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if err := database.AutoMigrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info().Msg("database schema initialized")
			return nil
		},
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		userRepo  user.Repository  = user.NewMemoryRepository()
		chatStore chatserver.Store = chatserver.NewMemoryStore()
	)
	if cfg.Store == "postgres" {
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		logger.Info().Msg("connected to postgres")

		if err := database.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		userRepo = user.NewSQLRepository(database.Conn)
		chatStore = chatserver.NewSQLStore(database.Conn)
	} else {
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
	}

	var broker chatserver.Broker = chatserver.NewLocalBroker()
	if cfg.Broker == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		broker = chatserver.NewRedisBroker(rdb, logger)
	}

	userService := user.NewService(userRepo, cfg.JWTSecret)
	hub := chatserver.NewHub(broker, logger)
	chatService := chatserver.NewService(chatStore, hub, userService, logger)

	router := chatserver.NewRouter(
		user.NewHandler(userService),
		chatserver.NewHandler(chatService, hub, logger),
		middleware.NewAuthMiddleware(userService),
		logger,
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
