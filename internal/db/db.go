// Package db implements the Database component: a database/sql connection
// fronting either SQLite or PostgreSQL, an atomic-transaction dispatch
// point, and portable string-aggregation so the query engine can build one
// SQL string that works against either backend.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver

	"github.com/tinypacs/tinypacs/internal/bus"
	"github.com/tinypacs/tinypacs/internal/component"
)

// Driver selects the SQL backend, mirroring tiny_pacs.db.DBDrivers.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Channel names for the database component, mirroring tiny_pacs.db.DBChannels.
const (
	// ChannelAtomic is a SendOne channel: () -> (*Atomic, error). Callers
	// must Commit or Rollback the returned Atomic.
	ChannelAtomic bus.Channel = "db-atomic"
	// ChannelStringAgg is a SendOne channel: () -> string, the SQL
	// aggregate function name for this backend ("group_concat" on SQLite,
	// "string_agg" on Postgres).
	ChannelStringAgg bus.Channel = "db-string-agg"
	// ChannelTables is broadcast BY the Database component during
	// OnStart. Every component that owns a table subscribes to it and
	// returns a []string of "CREATE TABLE IF NOT EXISTS ..." statements.
	ChannelTables bus.Channel = "db-get-tables"
)

// Config configures the Database component, mirroring the sqlite/postgres
// sections of tiny_pacs.config.DEFAULT_COMPONENTS.
type Config struct {
	Driver Driver

	// SQLite
	SQLiteFile string // defaults to "pacs.db"; ":memory:" for an in-process DB

	// Postgres
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Database is the DB component. It owns the *sql.DB and answers ATOMIC/
// STRING_AGG requests from the query engine and storage index.
type Database struct {
	component.Base
	component.DefaultLifecycle

	cfg Config
	DB  *sql.DB
}

// New constructs a Database component and subscribes its channels. The
// connection itself is opened lazily in OnStart, matching
// tiny_pacs.db.Database.on_start.
func New(b *bus.Bus, cfg Config) *Database {
	d := &Database{
		Base: component.NewBase(b, nil, "db"),
		cfg:  cfg,
	}
	d.Bind(d)
	d.Subscribe(ChannelAtomic, d.atomic)
	d.Subscribe(ChannelStringAgg, d.stringAgg)
	return d
}

// OnStart opens the connection, then broadcasts ChannelTables to collect
// every component's schema and creates those tables.
func (d *Database) OnStart(args ...any) (any, error) {
	sqlDB, dsn, err := open(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.DB = sqlDB
	d.Log.Info("database opened", "driver", d.cfg.Driver, "dsn", redactDSN(dsn))

	results, err := d.Broadcast(ChannelTables)
	if err != nil {
		return nil, fmt.Errorf("collect table schemas: %w", err)
	}

	for _, r := range results {
		stmts, ok := r.([]string)
		if !ok {
			continue
		}
		for _, stmt := range stmts {
			if _, err := d.DB.ExecContext(context.Background(), stmt); err != nil {
				return nil, fmt.Errorf("create table: %w", err)
			}
		}
	}
	return nil, nil
}

func open(cfg Config) (*sql.DB, string, error) {
	switch cfg.Driver {
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, nonEmpty(cfg.SSLMode, "disable"))
		sqlDB, err := sql.Open("pgx", dsn)
		return sqlDB, dsn, err
	case DriverSQLite, "":
		file := nonEmpty(cfg.SQLiteFile, "pacs.db")
		dsn := fmt.Sprintf("file:%s?cache=shared&_foreign_keys=on", file)
		if file == ":memory:" {
			// A shared cache would make every ":memory:" Database in the
			// process see the same data; keep each one private.
			dsn = fmt.Sprintf("file:%s?_foreign_keys=on", file)
		}
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err == nil {
			sqlDB.SetMaxOpenConns(1) // SQLite: one writer at a time
		}
		return sqlDB, dsn, err
	default:
		return nil, "", fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func redactDSN(dsn string) string {
	return "<redacted>"
}

// Atomic wraps one *sql.Tx for a single unit-of-work dispatched through
// ChannelAtomic, mirroring tiny_pacs.db.Database.atomic's use of peewee's
// transaction context manager. Every caller (the query engine, the storage
// index) reaches the database exclusively through this type rather than
// holding a *sql.DB of its own.
type Atomic struct {
	Tx *sql.Tx
}

func (a *Atomic) Commit() error   { return a.Tx.Commit() }
func (a *Atomic) Rollback() error { return a.Tx.Rollback() }

func (a *Atomic) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.Tx.ExecContext(ctx, query, args...)
}

func (a *Atomic) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.Tx.QueryContext(ctx, query, args...)
}

func (a *Atomic) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.Tx.QueryRowContext(ctx, query, args...)
}

// atomic answers ChannelAtomic. args[0], if present, is the context.Context
// to bind the transaction to; callers that omit it get context.Background().
func (d *Database) atomic(args ...any) (any, error) {
	ctx := context.Background()
	if len(args) > 0 {
		if c, ok := args[0].(context.Context); ok {
			ctx = c
		}
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Atomic{Tx: tx}, nil
}

func (d *Database) stringAgg(args ...any) (any, error) {
	switch d.cfg.Driver {
	case DriverPostgres:
		return "string_agg", nil
	default:
		return "group_concat", nil
	}
}
