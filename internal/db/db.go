// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/unclebandit/waleopard-engine/internal/config"
)

// Open connects with the configured driver ("postgres" is lib/pq, "pgx" is
// pgx's database/sql adapter) and pings before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	conn, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}
