package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a pooled PostgreSQL connection.
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB opens a connection pool. It does not contact the server; call Ping
// to check reachability.
func NewDB(config *Config) (*DB, error) {
	if config == nil {
		return nil, fmt.Errorf("invalid config: nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, config: config}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	if db == nil || db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Connection returns the underlying sql.DB.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Config returns the settings the pool was opened with.
func (db *DB) Config() *Config {
	return db.config
}

// Ping checks that the server answers.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Exec runs a statement that returns no rows, such as schema DDL.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}
