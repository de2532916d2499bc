// Package migrate holds the linear chain of schema revisions for the task
// store and the runner that walks a database along it.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/basket/sandq/internal/dbconn"
)

var (
	// ErrSchemaNotInitialized means the schema marker table is missing.
	ErrSchemaNotInitialized = errors.New("schema not initialized")
	// ErrMigrationPathNotFound means no chain connects two revisions.
	ErrMigrationPathNotFound = errors.New("migration path not found")
	// ErrMigrationFailed matches every *MigrationError.
	ErrMigrationFailed = errors.New("migration failed")
)

// Direction of a migration step.
type Direction string

const (
	Upgrade   Direction = "upgrade"
	Downgrade Direction = "downgrade"
)

// MigrationError reports the revision whose transform failed. The
// transaction has been rolled back by the time it is returned.
type MigrationError struct {
	Revision  string
	Direction Direction
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed at revision %s (%s): %v", e.Revision, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigrationFailed }

// Conn is what a transform runs against: the migration transaction plus the
// dialect of the backend behind it. Queries use "?" placeholders.
type Conn struct {
	Tx      *sql.Tx
	Dialect dbconn.Dialect
	Logger  *slog.Logger

	// db reopens Tx after DDL on backends that commit it implicitly.
	db *sql.DB
}

// ExecDDL runs a schema statement. Where the backend commits DDL implicitly,
// Tx is replaced by a fresh transaction so that row changes made afterwards
// commit or roll back together with the schema marker.
func (c *Conn) ExecDDL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.Exec(ctx, query, args...)
	if err != nil || c.Dialect.TransactionalDDL() || c.db == nil {
		return res, err
	}
	if err := c.restart(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// restart commits Tx and begins a new one on the same database.
func (c *Conn) restart(ctx context.Context) error {
	if err := c.Tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", dbconn.Classify(err))
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", dbconn.Classify(err))
	}
	c.Tx = tx
	return nil
}

func (c *Conn) rollback() {
	if c.Tx != nil {
		_ = c.Tx.Rollback()
	}
}

// hasColumn reports whether table has column, so structural steps can be
// re-run after a partial failure on backends without transactional DDL.
func (c *Conn) hasColumn(ctx context.Context, table, column string) (bool, error) {
	cols, err := c.Dialect.Columns(ctx, c.Tx, table)
	if err != nil {
		return false, err
	}
	return slices.Contains(cols, column), nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.Tx.ExecContext(ctx, c.Dialect.Rebind(query), args...)
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.Tx.QueryContext(ctx, c.Dialect.Rebind(query), args...)
}

func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.Tx.QueryRowContext(ctx, c.Dialect.Rebind(query), args...)
}

func (c *Conn) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Transform rewrites the schema and/or rows of one revision step.
type Transform func(ctx context.Context, c *Conn) error

// Revision is one link of the chain. Down names the predecessor and is empty
// only for the base revision, which has no transforms.
type Revision struct {
	ID          string
	Down        string
	Description string
	Upgrade     Transform
	Downgrade   Transform
}

// Step is a revision applied in a direction.
type Step struct {
	Revision  Revision
	Direction Direction
}

// Reached is the revision the database is at once the step has run.
func (s Step) Reached() string {
	if s.Direction == Downgrade {
		return s.Revision.Down
	}
	return s.Revision.ID
}

// Registry is a validated, ordered chain of revisions.
type Registry struct {
	chain []Revision
	index map[string]int
}

// NewRegistry validates that revs form exactly one linear chain and orders
// them base first. Input order does not matter.
func NewRegistry(revs ...Revision) (*Registry, error) {
	if len(revs) == 0 {
		return nil, errors.New("registry: no revisions")
	}

	byID := make(map[string]Revision, len(revs))
	next := make(map[string]string, len(revs))
	var base string
	for _, rev := range revs {
		if rev.ID == "" {
			return nil, errors.New("registry: revision with empty id")
		}
		if _, dup := byID[rev.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate revision %s", rev.ID)
		}
		byID[rev.ID] = rev
		if rev.Down == "" {
			if base != "" {
				return nil, fmt.Errorf("registry: multiple base revisions %s and %s", base, rev.ID)
			}
			base = rev.ID
			continue
		}
		if rev.Upgrade == nil || rev.Downgrade == nil {
			return nil, fmt.Errorf("registry: revision %s is missing a transform", rev.ID)
		}
		if other, taken := next[rev.Down]; taken {
			return nil, fmt.Errorf("registry: revisions %s and %s both follow %s", other, rev.ID, rev.Down)
		}
		next[rev.Down] = rev.ID
	}
	if base == "" {
		return nil, errors.New("registry: no base revision")
	}
	for _, rev := range revs {
		if rev.Down != "" {
			if _, ok := byID[rev.Down]; !ok {
				return nil, fmt.Errorf("registry: revision %s follows unknown revision %s", rev.ID, rev.Down)
			}
		}
	}

	r := &Registry{index: make(map[string]int, len(revs))}
	for id := base; id != ""; id = next[id] {
		r.index[id] = len(r.chain)
		r.chain = append(r.chain, byID[id])
	}
	if len(r.chain) != len(revs) {
		return nil, errors.New("registry: revisions do not form a single chain")
	}
	return r, nil
}

// Base returns the id of the first revision.
func (r *Registry) Base() string { return r.chain[0].ID }

// Head returns the id of the latest revision.
func (r *Registry) Head() string { return r.chain[len(r.chain)-1].ID }

// Get looks up a revision by id.
func (r *Registry) Get(id string) (Revision, bool) {
	i, ok := r.index[id]
	if !ok {
		return Revision{}, false
	}
	return r.chain[i], true
}

// History returns the chain base first.
func (r *Registry) History() []Revision {
	out := make([]Revision, len(r.chain))
	copy(out, r.chain)
	return out
}

// Resolve maps the symbolic names "head" (or "") and "base" to ids.
func (r *Registry) Resolve(id string) (string, error) {
	switch id {
	case "", "head":
		return r.Head(), nil
	case "base":
		return r.Base(), nil
	}
	if _, ok := r.index[id]; !ok {
		return "", fmt.Errorf("%w: unknown revision %s", ErrMigrationPathNotFound, id)
	}
	return id, nil
}

// Path returns the steps that take a database from revision from to
// revision to. Downgrading revision X leaves the database at X.Down.
func (r *Registry) Path(from, to string) ([]Step, error) {
	i, ok := r.index[from]
	if !ok {
		return nil, fmt.Errorf("%w: unknown current revision %s", ErrMigrationPathNotFound, from)
	}
	j, ok := r.index[to]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target revision %s", ErrMigrationPathNotFound, to)
	}

	var steps []Step
	switch {
	case j > i:
		for k := i + 1; k <= j; k++ {
			steps = append(steps, Step{Revision: r.chain[k], Direction: Upgrade})
		}
	case j < i:
		for k := i; k > j; k-- {
			steps = append(steps, Step{Revision: r.chain[k], Direction: Downgrade})
		}
	}
	return steps, nil
}
