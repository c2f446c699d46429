package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresPingTimeout = 5 * time.Second

// OpenPostgres creates a pgx pool and verifies connectivity.
func OpenPostgres(ctx context.Context, url string, logger *zap.Logger) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", "postgres"),
			zap.String("host", poolConfig.ConnConfig.Host),
			zap.String("database", poolConfig.ConnConfig.Database),
		)
	}
	return pool, nil
}
