// Package persistence is the task store: durable task records, the
// priority-ordered claim, and the per-task error log.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/sandq/internal/bus"
	"github.com/basket/sandq/internal/dbconn"
	"github.com/basket/sandq/internal/migrate"
	otelPkg "github.com/basket/sandq/internal/otel"
)

var (
	// ErrSchemaNotInitialized means the database has no schema marker.
	ErrSchemaNotInitialized = migrate.ErrSchemaNotInitialized
	// ErrSchemaOutdated means the marker names a revision other than the
	// head; run the migration runner first.
	ErrSchemaOutdated = errors.New("schema outdated")
	// ErrStorageUnavailable means the backend could not be reached.
	ErrStorageUnavailable = dbconn.ErrStorageUnavailable

	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownStatus  = errors.New("unknown task status")
	ErrInvalidTarget  = errors.New("invalid target")
	ErrOwnerRequired  = errors.New("owner required")
	ErrClaimContended = errors.New("claim contended")
)

// Options configures Open. The zero value opens an existing database and
// publishes nothing.
type Options struct {
	// CreateIfMissing creates the head schema when the marker table is
	// absent. When false the database is left untouched and schema-dependent
	// calls fail with ErrSchemaNotInitialized until it is created.
	CreateIfMissing bool

	Bus      *bus.Bus
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Registry *migrate.Registry
}

type Store struct {
	db       *sql.DB
	backend  dbconn.Backend
	dialect  dbconn.Dialect
	registry *migrate.Registry
	bus      *bus.Bus // may be nil
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	// ready caches a successful head-revision check.
	ready atomic.Bool
}

// Open connects to the database named by conn. See Options.CreateIfMissing
// for what happens when the schema is absent.
func Open(ctx context.Context, conn string, opts Options) (*Store, error) {
	db, backend, err := dbconn.Open(ctx, conn)
	if err != nil {
		return nil, err
	}
	store := newStore(db, backend, opts)
	if opts.CreateIfMissing {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.logger.Debug("store opened", "backend", backend.Kind, "db", backend.Redacted())
	return store, nil
}

func newStore(db *sql.DB, backend dbconn.Backend, opts Options) *Store {
	s := &Store{
		db:       db,
		backend:  backend,
		dialect:  backend.Dialect(),
		registry: opts.Registry,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if s.registry == nil {
		s.registry = migrate.Default()
	}
	if s.tracer == nil {
		s.tracer = otelPkg.NoopTracer()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Backend() dbconn.Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the head schema if the marker table is missing and
// does nothing otherwise.
func (s *Store) EnsureSchema(ctx context.Context) error {
	exists, err := migrate.MarkerExists(ctx, s.db, s.dialect)
	if err != nil {
		return dbconn.Classify(err)
	}
	if exists {
		return nil
	}
	err = retryOnBusy(ctx, 5, func() error {
		return migrate.InTx(ctx, s.db, s.dialect, s.logger, func(c *migrate.Conn) error {
			return migrate.CreateLatest(ctx, c, s.registry)
		})
	})
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.logger.Info("schema created", "revision", s.registry.Head())
	return nil
}

// SchemaRevision returns the revision recorded in the schema marker.
func (s *Store) SchemaRevision(ctx context.Context) (string, error) {
	rev, err := migrate.CurrentRevision(ctx, s.db, s.dialect)
	if err != nil {
		return "", dbconn.Classify(err)
	}
	return rev, nil
}

// Drop removes every store table including the schema marker.
func (s *Store) Drop(ctx context.Context) error {
	s.ready.Store(false)
	return migrate.InTx(ctx, s.db, s.dialect, s.logger, func(c *migrate.Conn) error {
		return migrate.Drop(ctx, c)
	})
}

// Runner returns a migration runner bound to this store's database.
func (s *Store) Runner() *migrate.Runner {
	return migrate.NewRunner(s.db, s.dialect, s.registry,
		migrate.WithLogger(s.logger),
		migrate.WithTracer(s.tracer),
		migrate.WithMetrics(s.metrics),
	)
}

// Migrate moves the database to target and publishes schema.migrated when
// any step ran.
func (s *Store) Migrate(ctx context.Context, target string) (migrate.Result, error) {
	s.ready.Store(false)
	res, err := s.Runner().Migrate(ctx, target)
	if err != nil {
		return res, err
	}
	if len(res.Steps) > 0 {
		s.bus.Publish(bus.TopicSchemaMigrated, bus.SchemaMigratedEvent{From: res.From, To: res.To, Steps: len(res.Steps)})
	}
	return res, nil
}

// requireSchema fails unless the marker names the head revision. Success is
// cached; a store opened before the schema existed starts working once it
// does.
func (s *Store) requireSchema(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	rev, err := migrate.CurrentRevision(ctx, s.db, s.dialect)
	if err != nil {
		return dbconn.Classify(err)
	}
	if head := s.registry.Head(); rev != head {
		return fmt.Errorf("%w: database at revision %s, expected %s", ErrSchemaOutdated, rev, head)
	}
	s.ready.Store(true)
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !dbconn.IsBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// classify marks connectivity failures with ErrStorageUnavailable.
func classify(err error) error {
	return dbconn.Classify(err)
}

func (s *Store) exec(ctx context.Context, q dbconn.Querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q dbconn.Querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q dbconn.Querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}
