package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable marks failures to reach the backend at all, as
// opposed to errors in the statements sent to it.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Open parses conn, opens a pool for it and pings the backend.
func Open(ctx context.Context, conn string) (*sql.DB, Backend, error) {
	backend, err := Parse(conn)
	if err != nil {
		return nil, Backend{}, err
	}

	if backend.Kind == KindSQLite && !backend.Memory {
		if err := os.MkdirAll(filepath.Dir(backend.Path), 0o755); err != nil {
			return nil, backend, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(backend.DriverName, backend.DSN)
	if err != nil {
		return nil, backend, fmt.Errorf("open %s: %w", backend.Kind, err)
	}

	if backend.Kind == KindSQLite {
		// One connection, never recycled: an in-memory database lives and
		// dies with its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, backend, fmt.Errorf("%w: ping %s: %w", ErrStorageUnavailable, backend.Redacted(), err)
	}

	if backend.Kind == KindSQLite && !backend.Memory {
		if err := configurePragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, backend, err
		}
	}
	return db, backend, nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// IsUnavailable reports whether err means the backend could not be reached
// or the connection was lost.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrCantOpen || sqliteErr.Code == sqlite3.ErrNotADB
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsBusy reports whether err is SQLite lock contention that is worth
// retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// Classify wraps err with ErrStorageUnavailable when it is a connectivity
// failure and returns it unchanged otherwise.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) || !IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
