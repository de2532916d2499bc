package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/sandq/internal/dbconn"
)

// MarkerTable holds the single row naming the applied revision.
const MarkerTable = "schema_version"

const claimIndex = "ix_tasks_claim"

// tasksTable renders the tasks DDL. processing is false for schemas older
// than revision 4b09c454108c.
func tasksTable(d dbconn.Dialect, processing bool) string {
	ddl := `CREATE TABLE IF NOT EXISTS tasks (
		id ` + d.PrimaryKey() + `,
		target ` + d.Text() + ` NOT NULL,
		category VARCHAR(255) NOT NULL,
		timeout INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		custom VARCHAR(255),
		machine VARCHAR(255),
		package VARCHAR(255),
		options VARCHAR(255),
		platform VARCHAR(255),
		memory BOOLEAN NOT NULL DEFAULT FALSE,
		enforce_timeout BOOLEAN NOT NULL DEFAULT FALSE,
		owner VARCHAR(64),
		added_on ` + d.Timestamp() + ` NOT NULL,
		started_on ` + d.Timestamp() + ` NULL,
		completed_on ` + d.Timestamp() + ` NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending'`
	if processing {
		ddl += `,
		processing VARCHAR(64)`
	}
	return ddl + `
	)`
}

// errorsTable renders the errors DDL. The 0.6 schema bounded messages to 255
// characters and had no action tag.
func errorsTable(d dbconn.Dialect, legacy bool) string {
	message := d.Text() + " NOT NULL"
	action := `
		action VARCHAR(64) NOT NULL DEFAULT 'analysis',`
	if legacy {
		message = "VARCHAR(255) NOT NULL"
		action = ""
	}
	return `CREATE TABLE IF NOT EXISTS errors (
		id ` + d.PrimaryKey() + `,
		message ` + message + `,
		task_id ` + d.ForeignKey() + ` NOT NULL,` + action + `
		FOREIGN KEY (task_id) REFERENCES tasks (id)
	)`
}

func markerTable() string {
	return `CREATE TABLE IF NOT EXISTS ` + MarkerTable + ` (
		version_num VARCHAR(32) NOT NULL PRIMARY KEY
	)`
}

// CreateLatest creates any missing store tables at the head schema of reg
// and stamps the marker with the head revision. Existing tables are kept.
func CreateLatest(ctx context.Context, c *Conn, reg *Registry) error {
	for _, ddl := range []string{
		tasksTable(c.Dialect, true),
		errorsTable(c.Dialect, false),
		markerTable(),
	} {
		if _, err := c.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if err := createClaimIndex(ctx, c); err != nil {
		return err
	}
	return Stamp(ctx, c, reg.Head())
}

// CreateLegacy creates the 0.6 schema and stamps the base revision. It is
// what an install that predates revision tracking looks like once adopted.
func CreateLegacy(ctx context.Context, c *Conn, reg *Registry) error {
	for _, ddl := range []string{
		tasksTable(c.Dialect, false),
		errorsTable(c.Dialect, true),
		markerTable(),
	} {
		if _, err := c.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create legacy schema: %w", err)
		}
	}
	return Stamp(ctx, c, reg.Base())
}

// Drop removes every store table including the marker.
func Drop(ctx context.Context, c *Conn) error {
	for _, table := range []string{"errors", "tasks", MarkerTable} {
		if _, err := c.Exec(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}

func createClaimIndex(ctx context.Context, c *Conn) error {
	exists, err := c.Dialect.IndexExists(ctx, c.Tx, "tasks", claimIndex)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := c.ExecDDL(ctx, `CREATE INDEX `+claimIndex+` ON tasks (status, priority, id)`); err != nil {
		return fmt.Errorf("create claim index: %w", err)
	}
	return nil
}

func dropClaimIndex(ctx context.Context, c *Conn) error {
	exists, err := c.Dialect.IndexExists(ctx, c.Tx, "tasks", claimIndex)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	query := `DROP INDEX ` + claimIndex
	if c.Dialect.Kind() == dbconn.KindMySQL {
		query += ` ON tasks`
	}
	if _, err := c.ExecDDL(ctx, query); err != nil {
		return fmt.Errorf("drop claim index: %w", err)
	}
	return nil
}

// MarkerExists reports whether the schema marker table is present.
func MarkerExists(ctx context.Context, q dbconn.Querier, d dbconn.Dialect) (bool, error) {
	return d.TableExists(ctx, q, MarkerTable)
}

// CurrentRevision reads the revision recorded in the marker table.
func CurrentRevision(ctx context.Context, q dbconn.Querier, d dbconn.Dialect) (string, error) {
	exists, err := MarkerExists(ctx, q, d)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrSchemaNotInitialized
	}
	var rev string
	err = q.QueryRowContext(ctx, `SELECT version_num FROM `+MarkerTable).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s is empty", ErrSchemaNotInitialized, MarkerTable)
	}
	if err != nil {
		return "", fmt.Errorf("read schema revision: %w", err)
	}
	return rev, nil
}

// Stamp records rev as the applied revision without running transforms.
func Stamp(ctx context.Context, c *Conn, rev string) error {
	if _, err := c.Exec(ctx, `DELETE FROM `+MarkerTable); err != nil {
		return fmt.Errorf("clear schema marker: %w", err)
	}
	if _, err := c.Exec(ctx, `INSERT INTO `+MarkerTable+` (version_num) VALUES (?)`, rev); err != nil {
		return fmt.Errorf("write schema marker: %w", err)
	}
	return nil
}
