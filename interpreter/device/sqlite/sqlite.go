// Package sqlite provides a simulated offload device backed by SQLite.
//
// Every table entry, root table and shared object the device would hold
// in hardware is a row. Jump targets and object references are foreign
// keys, so an entry added before the entries it jumps to, or an object
// destroyed while still referenced, fails the same way a real device
// would refuse it.
//
// # Capacity
//
// Limits bounds how many of each object the device holds. Exceeding a
// limit returns offload.ErrResourceExhausted. A zero limit is unbounded.
//
// # Calling Conventions
//
// Each operation that checks capacity and then inserts runs inside a
// transaction, so the check and the insert are atomic. The database is
// used through a single connection; in-memory databases are private
// to their connection and the device is serialised by its callers
// anyway.
//
// # Prepared Statements
//
// All SQL is prepared once when the device opens. Transactions bind
// the master statements with tx.StmtContext; see runInTransaction.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/frobware/go-offload"
	"github.com/frobware/go-offload/interpreter"
)

//go:embed schema.sql
var schemaSQL string

// Limits caps the number of objects of each kind. Zero is unbounded.
type Limits struct {
	Entries    int `toml:"max_entries"`
	RootTables int `toml:"max_root_tables"`
	Counters   int `toml:"max_counters"`
	Rewrites   int `toml:"max_rewrites"`
	QueuePairs int `toml:"max_queue_pairs"`
	Mappings   int `toml:"max_mappings"`
}

// Device is a simulated offload device.
type Device struct {
	id     offload.DeviceID
	db     *sql.DB
	limits Limits
	logger *slog.Logger
	stmts  *statements
}

var _ interpreter.Device = (*Device)(nil)

// New opens (creating if needed) a simulated device at dbPath.
func New(ctx context.Context, id offload.DeviceID, dbPath string, limits Limits, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device", "device", id, "db", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d, err := open(ctx, id, db, limits, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened device database", "path", dbPath)
	return d, nil
}

// NewInMemory creates a simulated device that lives only as long as
// the process.
func NewInMemory(ctx context.Context, id offload.DeviceID, limits Limits, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device", "device", id, "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	d, err := open(ctx, id, db, limits, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened in-memory device")
	return d, nil
}

func open(ctx context.Context, id offload.DeviceID, db *sql.DB, limits Limits, logger *slog.Logger) (*Device, error) {
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	stmts, err := prepareStatements(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return &Device{id: id, db: db, limits: limits, logger: logger, stmts: stmts}, nil
}

// ID returns the device identity.
func (d *Device) ID() offload.DeviceID {
	return d.id
}

// Close closes all prepared statements and the database connection.
func (d *Device) Close() error {
	d.stmts.close()
	return d.db.Close()
}

// runInTransaction executes fn within a database transaction. If fn
// returns nil the transaction commits, otherwise it rolls back.
//
// The statements passed to fn are transaction-bound handles created
// from the master statements with tx.StmtContext. They are only valid
// until fn returns.
func (d *Device) runInTransaction(ctx context.Context, fn func(*statements) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(d.stmts.bind(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// checkCapacity returns ErrResourceExhausted when the table counted by
// count already holds limit rows.
func checkCapacity(ctx context.Context, count *sql.Stmt, limit int, resource string) error {
	if limit <= 0 {
		return nil
	}
	var n int
	if err := count.QueryRowContext(ctx).Scan(&n); err != nil {
		return fmt.Errorf("count %s: %w", resource, err)
	}
	if n >= limit {
		return offload.ErrResourceExhausted{
			Resource: resource,
			Err:      fmt.Errorf("%d of %d in use", n, limit),
		}
	}
	return nil
}
