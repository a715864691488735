package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/blob"
	"github.com/mesikahq/medvault/internal/config"
	"github.com/mesikahq/medvault/internal/database"
	"github.com/mesikahq/medvault/internal/db/migrate"
	"github.com/mesikahq/medvault/internal/db/migrations"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/otp"
	"github.com/mesikahq/medvault/internal/repository"
	"github.com/mesikahq/medvault/internal/sms"
)

func openLedger(ctx context.Context, cfg config.LedgerConfig, metrics *monitoring.Metrics, logger *zap.Logger) (*ledger.Ledger, func(), error) {
	var store ledger.Store
	switch cfg.Backend {
	case "leveldb":
		s, err := ledger.OpenLevelDBStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger store: %w", err)
		}
		store = s
	default:
		logger.Warn("ledger is in memory; the audit chain will not survive a restart")
		store = ledger.NewMemoryStore()
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close ledger store", zap.Error(err))
		}
	}

	chain, err := ledger.New(ctx, store, logger, ledger.WithMetrics(metrics))
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	report, err := chain.Verify(ctx)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("verify ledger: %w", err)
	}
	if !report.Valid {
		logger.Error("SECURITY ALERT: ledger chain invalid at startup",
			zap.Int("first_invalid", report.FirstInvalid),
			zap.String("reason", report.Reason))
	} else {
		logger.Info("ledger verified", zap.Int("blocks", report.Blocks))
	}
	return chain, closeStore, nil
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (repository.Repository, otp.Store, func(), error) {
	if cfg.Backend == "memory" {
		logger.Warn("using in-memory repository; data will not survive a restart")
		return repository.NewMemory(), otp.NewMemoryStore(), func() {}, nil
	}

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	manager := migrate.NewManager(pool, migrations.FS, logger)
	if err := manager.Initialize(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("initialize migrations: %w", err)
	}
	if err := manager.Up(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	return repository.NewPostgres(pool), repository.NewCodeStore(pool), pool.Close, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (blob.Store, func(), error) {
	noop := func() {}
	switch cfg.Blob.Backend {
	case "s3":
		store, err := blob.NewS3StoreFromEnv(ctx, cfg.Blob.Region, cfg.Blob.Bucket, cfg.Blob.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return store, noop, nil
	case "gridfs":
		client, err := database.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		closeClient := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error("failed to disconnect mongo", zap.Error(err))
			}
		}
		return blob.NewGridFSStore(client.Database(cfg.Mongo.Database), cfg.Blob.Bucket), closeClient, nil
	default:
		store, err := blob.NewDiskStore(cfg.Blob.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open disk blob store: %w", err)
		}
		return store, noop, nil
	}
}

// newSender delivers codes over Fast2SMS when configured, falling back to
// the operator delivery log when a log path is set.
func newSender(cfg config.SMSConfig, logger *zap.Logger) (sms.Sender, error) {
	var deliveryLog sms.Sender
	if cfg.LogPath != "" {
		dl, err := sms.NewDeliveryLog(cfg.LogPath)
		if err != nil {
			return nil, err
		}
		deliveryLog = dl
	}

	if cfg.Provider != "fast2sms" {
		logger.Warn("one-time codes are written to the delivery log", zap.String("path", cfg.LogPath))
		return deliveryLog, nil
	}

	primary := sms.NewFast2SMS(cfg.APIKey, cfg.Endpoint, cfg.Timeout)
	if deliveryLog == nil {
		return primary, nil
	}
	return sms.WithFallback(primary, deliveryLog, logger), nil
}

func logrusLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		return logrus.InfoLevel
	}
	return l
}
