// Package postgres persists projects, servers, deployments and their
// logs behind the domain repository interfaces, on a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ouyangCL/remote-build/internal/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

func InitDB(databaseURL string, log logger.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("postgres: connected")
	return pool, nil
}
