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

	"github.com/bynd-app/backend/internal/config"
	"github.com/bynd-app/backend/internal/db"
	"github.com/bynd-app/backend/internal/handler"
	"github.com/bynd-app/backend/internal/obs"
	"github.com/bynd-app/backend/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := obs.NewLogger(obs.LogConfig{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		App:     "bynd-backend",
		Env:     cfg.App.Env,
		Version: cfg.App.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 인증 서비스 구성
	issuer, err := service.NewAccessTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	if err != nil {
		return err
	}
	registry := service.NewRevocationRegistry(cfg.Auth.AccessTTL)
	refresh := service.NewRefreshTokenService(store, cfg.Auth.RefreshTTL, cfg.Auth.RefreshHashKey, log.Named("refresh"))
	authService, err := service.NewAuthService(store, issuer, registry, refresh, cfg.Auth.PasswordHashCost, log.Named("auth"))
	if err != nil {
		return err
	}

	globalLimiter := handler.NewRateLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	authLimiter := handler.NewRateLimiter(cfg.RateLimit.AuthMax, cfg.RateLimit.AuthWindow)

	router := handler.NewRouter(handler.RouterDeps{
		Auth:           handler.NewAuthHandler(authService, log.Named("http")),
		Health:         handler.NewHealthHandler(store, cfg.App.Version, cfg.App.Env, log),
		Authenticator:  authService,
		GlobalLimiter:  globalLimiter,
		AuthLimiter:    authLimiter,
		AllowedOrigins: cfg.App.AllowedOrigins,
		Log:            log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return registry.Run(gctx, cfg.Auth.RegistrySweepInterval)
	})
	g.Go(func() error {
		return refresh.RunPruner(gctx, cfg.Auth.RefreshPruneInterval)
	})
	g.Go(func() error {
		return globalLimiter.Run(gctx, cfg.RateLimit.Window)
	})
	g.Go(func() error {
		return authLimiter.Run(gctx, cfg.RateLimit.AuthWindow)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

// openStore - STORE 설정에 따라 Postgres(마이그레이션 포함) 또는 메모리 저장소
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (db.Store, func(), error) {
	if cfg.Store != config.StorePostgres {
		log.Warn("using in-memory store; data is lost on restart")
		return db.NewMemory(), func() {}, nil
	}

	pool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info("postgres connected, migrations applied")
	return db.NewPostgres(pool, cfg.Postgres.QueryTimeout), pool.Close, nil
}
