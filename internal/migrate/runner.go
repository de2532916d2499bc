package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/sandq/internal/dbconn"
	otelPkg "github.com/basket/sandq/internal/otel"
)

// Runner walks a database along a registry. It needs exclusive use of the
// database for the duration of a Migrate call.
type Runner struct {
	db       *sql.DB
	dialect  dbconn.Dialect
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

func WithMetrics(m *otelPkg.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner returns a runner for db. A nil registry means Default().
func NewRunner(db *sql.DB, dialect dbconn.Dialect, reg *Registry, opts ...Option) *Runner {
	if reg == nil {
		reg = Default()
	}
	r := &Runner{
		db:       db,
		dialect:  dialect,
		registry: reg,
		logger:   slog.Default(),
		tracer:   otelPkg.NoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the chain the runner walks.
func (r *Runner) Registry() *Registry { return r.registry }

// Result describes a completed Migrate call.
type Result struct {
	From  string
	To    string
	Steps []Step
}

// Current returns the revision recorded in the schema marker.
func (r *Runner) Current(ctx context.Context) (string, error) {
	rev, err := CurrentRevision(ctx, r.db, r.dialect)
	if err != nil {
		return "", dbconn.Classify(err)
	}
	return rev, nil
}

// Migrate moves the database to target ("" or "head" for the latest
// revision, "base" for the oldest). All steps and the marker update share one
// transaction: on failure the database stays at its starting revision and the
// returned error is a *MigrationError naming the failing revision.
//
// Backends that commit DDL implicitly cannot honour that, so there each
// revision is applied and stamped in its own transaction. A failure then
// leaves the database at the last revision that completed.
func (r *Runner) Migrate(ctx context.Context, target string) (res Result, err error) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "migrate",
		otelPkg.AttrBackend.String(string(r.dialect.Kind())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if r.metrics != nil {
			r.metrics.MigrationDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin migration: %w", dbconn.Classify(err))
	}
	conn := &Conn{Tx: tx, Dialect: r.dialect, Logger: r.logger, db: r.db}
	defer conn.rollback()

	from, err := CurrentRevision(ctx, tx, r.dialect)
	if err != nil {
		return Result{}, dbconn.Classify(err)
	}
	to, err := r.registry.Resolve(target)
	if err != nil {
		return Result{}, err
	}
	steps, err := r.registry.Path(from, to)
	if err != nil {
		return Result{}, err
	}
	res = Result{From: from, To: to, Steps: steps}
	span.SetAttributes(otelPkg.AttrRevisionFrom.String(from), otelPkg.AttrRevisionTo.String(to))

	if len(steps) == 0 {
		r.logger.Info("schema already at target revision", "revision", to)
		return res, nil
	}
	perStep := !r.dialect.TransactionalDDL()
	if perStep {
		r.logger.Warn("backend commits DDL implicitly; stamping after every revision",
			"backend", r.dialect.Kind(), "from", from, "to", to)
	}

	for _, step := range steps {
		if err := r.apply(ctx, conn, step); err != nil {
			return res, &MigrationError{Revision: step.Revision.ID, Direction: step.Direction, Err: err}
		}
		if !perStep {
			continue
		}
		if err := Stamp(ctx, conn, step.Reached()); err != nil {
			return res, &MigrationError{Revision: step.Revision.ID, Direction: step.Direction, Err: err}
		}
		if err := conn.restart(ctx); err != nil {
			return res, &MigrationError{Revision: step.Revision.ID, Direction: step.Direction, Err: err}
		}
	}

	last := steps[len(steps)-1]
	if !perStep {
		if err := Stamp(ctx, conn, to); err != nil {
			return res, &MigrationError{Revision: last.Revision.ID, Direction: last.Direction, Err: err}
		}
	}
	if err := conn.Tx.Commit(); err != nil {
		return res, &MigrationError{Revision: last.Revision.ID, Direction: last.Direction, Err: dbconn.Classify(err)}
	}
	r.logger.Info("schema migrated", "from", from, "to", to, "steps", len(steps))
	return res, nil
}

func (r *Runner) apply(ctx context.Context, conn *Conn, step Step) error {
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "migrate.step",
		otelPkg.AttrRevision.String(step.Revision.ID),
		otelPkg.AttrDirection.String(string(step.Direction)),
	)
	defer span.End()

	r.logger.Info("applying revision",
		"revision", step.Revision.ID,
		"direction", step.Direction,
		"description", step.Revision.Description,
	)
	transform := step.Revision.Upgrade
	if step.Direction == Downgrade {
		transform = step.Revision.Downgrade
	}
	if err := transform(ctx, conn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if r.metrics != nil {
		r.metrics.MigrationSteps.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrDirection.String(string(step.Direction)),
		))
	}
	return nil
}

// InTx runs fn inside a transaction on db and commits when fn returns nil.
func InTx(ctx context.Context, db *sql.DB, dialect dbconn.Dialect, logger *slog.Logger, fn func(*Conn) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", dbconn.Classify(err))
	}

	conn := &Conn{Tx: tx, Dialect: dialect, Logger: logger, db: db}
	defer conn.rollback()

	if err := fn(conn); err != nil {
		return err
	}
	if err := conn.Tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", dbconn.Classify(err))
	}
	return nil
}
