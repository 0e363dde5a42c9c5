package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Driver names the backend selected by a database URL.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

const sqlitePrefix = "sqlite://"

// Config controls pool sizing for PostgreSQL connections.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is an open connection pool and the driver behind it.
type DB struct {
	*sql.DB
	Driver Driver
}

// DriverFor maps a URL to its backend: empty means in-memory, sqlite:// a
// SQLite file, anything else PostgreSQL.
func DriverFor(url string) Driver {
	switch {
	case strings.TrimSpace(url) == "":
		return DriverMemory
	case strings.HasPrefix(url, sqlitePrefix):
		return DriverSQLite
	default:
		return DriverPostgres
	}
}

// Open connects, pings and migrates. Returns nil for the in-memory driver.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := DriverFor(cfg.URL)
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverMemory:
		return nil, nil
	case DriverSQLite:
		db, err = openSQLite(strings.TrimPrefix(cfg.URL, sqlitePrefix))
	default:
		db, err = openPostgres(cfg)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	out := &DB{DB: db, Driver: driver}
	if err := out.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return out, nil
}

// OpenSQLite opens path (":memory:" allowed) and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	return Open(ctx, Config{URL: sqlitePrefix + path})
}

func openPostgres(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate applies the embedded schema for the driver. Idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/" + string(d.Driver) + ".sql")
	if err != nil {
		return fmt.Errorf("load %s schema: %w", d.Driver, err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s schema: %w", d.Driver, err)
		}
	}
	return nil
}

// Health pings the database.
func (d *DB) Health(ctx context.Context) error {
	return d.PingContext(ctx)
}
