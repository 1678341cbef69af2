package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"db-sync-service/internal/dialect"
	"db-sync-service/internal/models"
)

// OpenDatabase opens and pings one database, retrying up to ConnectAttempts
// times. Authentication failures are not retried.
func OpenDatabase(ctx context.Context, logger *zap.Logger, d dialect.Dialect, cfg models.ConnectionConfig, s ConnectionSettings) (*sql.DB, error) {
	log := logger.Sugar()
	attempts := s.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := openAndPing(ctx, d, cfg, s.PingTimeout)
		if err == nil {
			if s.MaxOpenConns > 0 {
				db.SetMaxOpenConns(s.MaxOpenConns)
			}
			if s.MaxIdleConns > 0 {
				db.SetMaxIdleConns(s.MaxIdleConns)
			}
			log.Infof("Connected to %s", cfg)
			return db, nil
		}
		lastErr = err
		if d.IsAuthFailure(err) || attempt == attempts {
			break
		}

		log.Warnf("%s couldn't connect (attempt %d/%d), retrying: %v", cfg, attempt, attempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.ConnectRetryDelay):
		}
	}
	return nil, lastErr
}

func openAndPing(ctx context.Context, d dialect.Dialect, cfg models.ConnectionConfig, timeout time.Duration) (*sql.DB, error) {
	db, err := d.Open(cfg)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Role, err)
	}
	return db, nil
}
