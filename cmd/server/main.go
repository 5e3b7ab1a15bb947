// Command server runs the multi-tenant chat gateway.
//
// @title                       Chat Gateway API
// @version                     1.0
// @description                 Multi-tenant chat gateway relaying conversations to a Dify-compatible AI service.
// @BasePath                    /api/v1
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-gateway/docs"
	"github.com/tbourn/go-chat-gateway/internal/config"
	httpapi "github.com/tbourn/go-chat-gateway/internal/http"
	"github.com/tbourn/go-chat-gateway/internal/observability"
	"github.com/tbourn/go-chat-gateway/internal/repo"
	"github.com/tbourn/go-chat-gateway/internal/seed"
	"github.com/tbourn/go-chat-gateway/internal/sysutil"
	"github.com/tbourn/go-chat-gateway/internal/upstream"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("fatal")
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	logger.Info().
		Str("version", version).
		Str("db_driver", cfg.DB.Driver).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("starting chat gateway")

	if cfg.Upstream.APIKey == "" {
		logger.Warn().Msg("DIFY_API_KEY is empty; upstream calls will be rejected")
	}
	if cfg.Auth.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		logger.Warn().Msg("JWT_SECRET is empty; using a random secret, tokens will not survive a restart")
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	db, closeDB, err := repo.Open(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer closeDB()
	logger.Info().Str("driver", cfg.DB.Driver).Msg("database ready")

	if _, err := seed.EnsureDefaults(ctx, db, cfg.Seed); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = version

	r := gin.New()
	httpapi.RegisterRoutes(r, db, upstream.New(cfg.Upstream), cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		// Requests inherit the logger but not the shutdown signal, so
		// in-flight streams can drain during Shutdown.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("swagger", cfg.SwaggerEnabled).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info().Msg("server stopped cleanly")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
