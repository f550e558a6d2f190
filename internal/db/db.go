package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("github.com/felo/autoreply/internal/db")

// DefaultDuplicateWindow is how far back Ingest looks for an identical body
// from the same sender.
const DefaultDuplicateWindow = 24 * time.Hour

type DB struct {
	*sqlx.DB

	logger          *slog.Logger
	now             func() time.Time
	duplicateWindow time.Duration
}

// Open opens a connection to the SQLite database and initializes the schema
func Open(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and every transition
	// below relies on that ordering. It also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{
		DB:              sqlDB,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
		duplicateWindow: DefaultDuplicateWindow,
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// SetLogger sets the logger used for data-quality warnings and maintenance.
func (db *DB) SetLogger(logger *slog.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

// SetClock replaces the time source. Tests use it to age records.
func (db *DB) SetClock(now func() time.Time) {
	if now != nil {
		db.now = now
	}
}

// SetDuplicateWindow sets the probable-duplicate lookback. Zero disables it.
func (db *DB) SetDuplicateWindow(window time.Duration) {
	db.duplicateWindow = window
}

func (db *DB) initSchema() error {
	if err := db.migrateLegacyStatus(); err != nil {
		return err
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// migrateLegacyStatus converts databases written before the status column existed.
func (db *DB) migrateLegacyStatus() error {
	cols, err := db.tableColumns("emails")
	if err != nil {
		return err
	}
	if !cols["is_processed"] || cols["status"] {
		return nil
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(addStatusColumn); err != nil {
		return fmt.Errorf("failed to add status column: %w", err)
	}

	var codes []sql.NullInt64
	if err := tx.Select(&codes, "SELECT DISTINCT is_processed FROM emails"); err != nil {
		return fmt.Errorf("failed to read legacy status codes: %w", err)
	}
	for _, code := range codes {
		status, err := LegacyStatus(int(code.Int64))
		if err != nil {
			db.logger.Warn("unknown legacy status code, treating as unprocessed",
				slog.Int64("is_processed", code.Int64))
			status = StatusUnprocessed
		}
		// IS matches NULL codes as well as numbers.
		if _, err := tx.Exec("UPDATE emails SET status = ? WHERE is_processed IS ?", status, code); err != nil {
			return fmt.Errorf("failed to migrate legacy is_processed column: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	db.logger.Info("migrated legacy is_processed column to status")
	return nil
}

func (db *DB) tableColumns(table string) (map[string]bool, error) {
	rows, err := db.Queryx("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) timestamp() time.Time {
	return db.now().UTC()
}
