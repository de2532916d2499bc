package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect captures the differences between backends that the store and the
// migration chain have to care about. Queries are written with "?"
// placeholders and rebound per backend.
type Dialect struct {
	kind Kind
}

// DialectFor returns the dialect for a backend kind.
func DialectFor(kind Kind) Dialect {
	return Dialect{kind: kind}
}

func (d Dialect) Kind() Kind { return d.kind }

// Rebind rewrites "?" placeholders to "$1", "$2", ... for PostgreSQL.
// Placeholders inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.kind != KindPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PrimaryKey is the column definition of an auto-incrementing integer key.
func (d Dialect) PrimaryKey() string {
	switch d.kind {
	case KindPostgres:
		return "BIGSERIAL PRIMARY KEY"
	case KindMySQL:
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// ForeignKey is the column type used to reference a PrimaryKey column.
func (d Dialect) ForeignKey() string {
	if d.kind == KindSQLite {
		return "INTEGER"
	}
	return "BIGINT"
}

// Timestamp is the column type for wall-clock times.
func (d Dialect) Timestamp() string {
	switch d.kind {
	case KindPostgres:
		return "TIMESTAMP"
	case KindMySQL:
		return "DATETIME(6)"
	default:
		return "DATETIME"
	}
}

// Text is the column type for unbounded strings.
func (d Dialect) Text() string {
	if d.kind == KindMySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

// ClaimLock is appended to the SELECT that picks a task to claim. SQLite has
// no row locks; its writers are serialized by BEGIN IMMEDIATE instead.
func (d Dialect) ClaimLock() string {
	switch d.kind {
	case KindPostgres, KindMySQL:
		return " FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}

// TransactionalDDL reports whether schema changes roll back with the
// surrounding transaction. MySQL commits implicitly on DDL.
func (d Dialect) TransactionalDDL() bool {
	return d.kind != KindMySQL
}

// InsertID executes an INSERT and returns the generated id. pgx does not
// implement LastInsertId, so PostgreSQL uses RETURNING.
func (d Dialect) InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	if d.kind == KindPostgres {
		var id int64
		if err := q.QueryRowContext(ctx, d.Rebind(query)+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TableExists reports whether a table is present in the current database.
func (d Dialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var query string
	switch d.kind {
	case KindPostgres:
		query = `SELECT COUNT(1) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	case KindMySQL:
		query = `SELECT COUNT(1) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
	default:
		query = `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := q.QueryRowContext(ctx, d.Rebind(query), table).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// IndexExists reports whether a named index exists on table.
func (d Dialect) IndexExists(ctx context.Context, q Querier, table, index string) (bool, error) {
	var query string
	args := []any{index}
	switch d.kind {
	case KindPostgres:
		query = `SELECT COUNT(1) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?`
	case KindMySQL:
		query = `SELECT COUNT(1) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?`
		args = []any{table, index}
	default:
		query = `SELECT COUNT(1) FROM sqlite_master WHERE type = 'index' AND name = ?`
	}
	var n int
	if err := q.QueryRowContext(ctx, d.Rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check index %s: %w", index, err)
	}
	return n > 0, nil
}

// Columns lists the column names of table in declaration order.
func (d Dialect) Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	var query string
	var args []any
	switch d.kind {
	case KindPostgres:
		query = `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`
		args = []any{table}
	case KindMySQL:
		query = `SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
		args = []any{table}
	default:
		query = `SELECT name FROM pragma_table_info(?) ORDER BY cid`
		args = []any{table}
	}
	rows, err := q.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	return cols, nil
}
