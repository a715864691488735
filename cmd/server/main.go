package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/mesikahq/medvault/internal/access"
	"github.com/mesikahq/medvault/internal/api"
	"github.com/mesikahq/medvault/internal/audit"
	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/blob"
	"github.com/mesikahq/medvault/internal/config"
	"github.com/mesikahq/medvault/internal/custodian"
	"github.com/mesikahq/medvault/internal/database"
	"github.com/mesikahq/medvault/internal/encryption"
	"github.com/mesikahq/medvault/internal/geofence"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/otp"
	"github.com/mesikahq/medvault/internal/retry"
	"github.com/mesikahq/medvault/internal/scheduling"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Source != "" {
		logger.Info("configuration loaded", zap.String("file", cfg.Source))
	} else {
		logger.Info("no configuration file found, using defaults and environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server exited")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := monitoring.NewMetrics()
	policy := retry.Policy{
		Timeout:         cfg.Storage.Timeout,
		Retries:         cfg.Storage.Retries,
		InitialInterval: cfg.Storage.InitialInterval,
	}

	chain, closeLedger, err := openLedger(ctx, cfg.Ledger, metrics, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	repo, codeStore, closeRepo, err := openRepository(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	blobs, closeBlobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBlobs()
	blobs = blob.WithRetry(blobs, policy)

	esClient, err := database.NewElasticsearch(cfg.Elasticsearch)
	if err != nil {
		return err
	}
	if esClient == nil {
		logger.Info("elasticsearch not configured, access log mirror is log-only")
	}
	auditService := audit.NewService(esClient, audit.NewLogger(logrusLevel(cfg.Log.Level)))
	accessLogs := audit.NewWriter(repo, auditService, logger)

	hexKey := cfg.Security.EncryptionKey
	if vault := cfg.Security.Vault; vault.Enabled {
		hexKey, err = encryption.KeyFromVault(ctx, encryption.VaultSource{
			Address:   vault.Address,
			Namespace: vault.Namespace,
			Token:     vault.Token,
			RoleID:    vault.RoleID,
			SecretID:  vault.SecretID,
			Mount:     vault.Mount,
			Path:      vault.Path,
			Field:     vault.Field,
		})
		if err != nil {
			return fmt.Errorf("load encryption key: %w", err)
		}
		logger.Info("encryption key loaded from vault", zap.String("path", vault.Path))
	}
	crypto, err := encryption.NewServiceFromHex(hexKey)
	if err != nil {
		return fmt.Errorf("initialize encryption: %w", err)
	}

	sender, err := newSender(cfg.SMS, logger)
	if err != nil {
		return err
	}

	codes := otp.NewAuthenticator(codeStore, chain, otp.Config{
		TTL:            cfg.OTP.TTL,
		Digits:         cfg.OTP.Digits,
		MasterCodeHash: cfg.OTP.MasterCodeHash,
		IssueRate:      rate.Limit(cfg.OTP.IssueRate),
		IssueBurst:     cfg.OTP.IssueBurst,
	}, logger)
	if cfg.OTP.MasterCodeHash != "" {
		logger.Warn("master one-time code is enabled")
	}

	authService := auth.NewService(repo, codes, sender, chain, metrics, logger, auth.AuthServiceConfig{
		JWTSecret:   cfg.Security.JWTSecret,
		TokenExpiry: cfg.Security.TokenExpiry,
	})

	fence := geofence.Fence{Lat: cfg.Hospital.Lat, Lng: cfg.Hospital.Lng, RadiusMeters: cfg.Hospital.RadiusMeters}
	handler := api.NewHandler(api.Services{
		Auth: authService,
		Records: custodian.New(crypto, blobs, repo, chain, logger,
			custodian.WithMetrics(metrics), custodian.WithRetryPolicy(policy)),
		Access:       access.NewEngine(fence, accessLogs, repo, chain, logger, access.WithMetrics(metrics)),
		Appointments: scheduling.NewService(repo, chain, metrics, logger),
		Ledger:       chain,
		AccessLog:    accessLogs,
	}, logger, cfg.Server.MaxUploadBytes)

	gin.SetMode(cfg.Server.Mode)
	engine := api.NewRouter(handler, authService, metrics, api.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      rate.Limit(cfg.Server.RateLimit),
		RateBurst:      cfg.Server.RateBurst,
	}).SetupRouter(logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.Bool("tls", cfg.Server.TLS.Enabled),
			zap.Any("hospital", fence))
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	return nil
}
