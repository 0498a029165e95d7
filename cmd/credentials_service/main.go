package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credentials_service/internal/auth"
	"credentials_service/internal/config"
	"credentials_service/internal/handler"
	"credentials_service/internal/lib/logger"
	"credentials_service/internal/revocation"
	"credentials_service/internal/service"
	"credentials_service/internal/session"
	"credentials_service/internal/storage"
	"credentials_service/internal/sweeper"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.MustLoad()

	log := logger.Setup(cfg.Env)
	log.Info("starting credentials service", slog.String("env", cfg.Env))

	if cfg.Env == logger.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Error("credentials service stopped with error", logger.Err(err))
		os.Exit(1)
	}

	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	sessions := session.NewManager(st, log, cfg.Session.TTL)
	revoked := revocation.NewRegistry(st)

	srvc := service.New(
		st,
		sessions,
		revoked,
		auth.NewJWTSigner([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, auth.WithLeeway(cfg.JWT.Leeway)),
		auth.NewBcryptHasher(cfg.Security.BcryptCost),
		log,
		service.Options{
			AccessTTL:      cfg.JWT.AccessTTL,
			RequireSession: cfg.Session.RequireLive,
		},
	)

	sw := sweeper.New(revoked, sessions, log, cfg.Sweeper.Schedule, cfg.Sweeper.Timeout)
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	h := handler.NewHandler(srvc, log, handler.CookieOptions{
		Enabled: cfg.Cookie.Enabled,
		Secure:  cfg.Cookie.Secure,
		Domain:  cfg.Cookie.Domain,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("address", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.Storage.SQLitePath)
	default:
		return storage.NewPostgresStorage(ctx, cfg.Storage.DbURL)
	}
}
