// Package dispatch runs analysis workers on top of the task store: each
// worker claims the next pending task, hands it to an Analyzer and records
// the outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	otelPkg "github.com/basket/sandq/internal/otel"
	"github.com/basket/sandq/internal/persistence"
	"github.com/basket/sandq/internal/shared"
	"github.com/basket/sandq/internal/telemetry"
)

// Claimer is the part of the task store a worker needs.
type Claimer interface {
	ClaimNext(ctx context.Context, owner string) (*persistence.Task, error)
	SetStatus(ctx context.Context, taskID int64, status persistence.TaskStatus) error
	AppendError(ctx context.Context, taskID int64, message string) (int64, error)
}

// Analyzer runs the analysis of one claimed task. A nil error completes the
// task; any error fails it and is recorded in the task's error log.
type Analyzer interface {
	Analyze(ctx context.Context, task persistence.Task) error
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, task persistence.Task) error

func (f AnalyzerFunc) Analyze(ctx context.Context, task persistence.Task) error {
	return f(ctx, task)
}

type Config struct {
	Workers         int
	PollInterval    time.Duration // first backoff step when the queue is empty
	MaxPollInterval time.Duration
	// TaskTimeout bounds an analysis whose task carries no timeout of its own.
	TaskTimeout time.Duration
	// Owner identifies this process in tasks.owner. Workers append their
	// index when there is more than one.
	Owner   string
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
}

type Status struct {
	Owner       string `json:"owner"`
	Workers     int    `json:"workers"`
	ActiveTasks int32  `json:"active_tasks"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

type Dispatcher struct {
	store    Claimer
	analyzer Analyzer
	config   Config
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer

	activeTasks atomic.Int32
	completed   atomic.Int64
	failed      atomic.Int64
	lastError   atomic.Pointer[string]
}

func New(store Claimer, analyzer Analyzer, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = shared.NewOwnerID()
	}
	d := &Dispatcher{
		store:    store,
		analyzer: analyzer,
		config:   cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = otelPkg.NoopTracer()
	}
	return d
}

// Run starts the workers and blocks until ctx is cancelled. Task failures
// and storage errors are logged and retried, never returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.config.Workers; i++ {
		owner := workerOwner(d.config.Owner, i, d.config.Workers)
		g.Go(func() error {
			d.worker(gctx, owner)
			return nil
		})
	}
	d.logger.Info("dispatcher started", "owner", d.config.Owner, "workers", d.config.Workers)
	err := g.Wait()
	d.logger.Info("dispatcher stopped", "completed", d.completed.Load(), "failed", d.failed.Load())
	return err
}

func (d *Dispatcher) Status() Status {
	st := Status{
		Owner:       d.config.Owner,
		Workers:     d.config.Workers,
		ActiveTasks: d.activeTasks.Load(),
		Completed:   d.completed.Load(),
		Failed:      d.failed.Load(),
	}
	if msg := d.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

// workerOwner keeps owner ids within the 64 bytes the store accepts, cutting
// the base on a rune boundary.
func workerOwner(base string, i, workers int) string {
	if workers <= 1 {
		return base
	}
	suffix := fmt.Sprintf("/%d", i)
	for len(base)+len(suffix) > 64 {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + suffix
}

func (d *Dispatcher) worker(ctx context.Context, owner string) {
	if d.metrics != nil {
		d.metrics.ActiveWorkers.Add(ctx, 1)
		defer d.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1)
	}
	ctx = shared.WithOwner(ctx, owner)
	delay := d.config.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := d.store.ClaimNext(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.setLastError(fmt.Errorf("claim: %w", err))
			d.logger.Warn("claim failed", "owner", owner, "error", err)
		}
		if err != nil || task == nil {
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, d.config.MaxPollInterval)
			continue
		}
		delay = d.config.PollInterval
		d.handleTask(ctx, *task)
	}
}

func (d *Dispatcher) handleTask(ctx context.Context, task persistence.Task) {
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), task.ID)
	logger := telemetry.FromContext(ctx, d.logger)
	logger.Info("analysis started", "target", task.Target, "category", task.Category)

	timeout := d.config.TaskTimeout
	if task.Timeout > 0 {
		timeout = time.Duration(task.Timeout) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskCtx, span := otelPkg.StartSpan(taskCtx, d.tracer, "dispatch.analyze",
		otelPkg.AttrTaskID.Int64(task.ID),
		otelPkg.AttrCategory.String(string(task.Category)),
		otelPkg.AttrOwner.String(task.Owner),
	)
	defer span.End()

	d.activeTasks.Add(1)
	start := time.Now()
	err := d.analyzer.Analyze(taskCtx, task)
	elapsed := time.Since(start)
	d.activeTasks.Add(-1)

	if err == nil && taskCtx.Err() != nil {
		err = taskCtx.Err()
	}
	if err != nil && taskCtx.Err() != nil {
		err = fmt.Errorf("analysis interrupted: %w", err)
	}

	// The outcome is recorded even when shutdown cancelled the analysis.
	reportCtx := context.WithoutCancel(ctx)
	status := persistence.TaskStatusCompleted
	if err != nil {
		status = persistence.TaskStatusFailedAnalysis
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, appendErr := d.store.AppendError(reportCtx, task.ID, err.Error()); appendErr != nil {
			logger.Error("record analysis error failed", "error", appendErr)
		}
	}
	if setErr := d.store.SetStatus(reportCtx, task.ID, status); setErr != nil {
		d.setLastError(fmt.Errorf("set status of task %d: %w", task.ID, setErr))
		logger.Error("record analysis outcome failed", "status", status, "error", setErr)
		return
	}

	if d.metrics != nil {
		d.metrics.AnalysisDuration.Record(reportCtx, elapsed.Seconds(),
			metric.WithAttributes(otelPkg.AttrTaskStatus.String(string(status))))
	}
	if err != nil {
		d.failed.Add(1)
		d.setLastError(err)
		logger.Warn("analysis failed", "duration", elapsed, "error", err)
		return
	}
	d.completed.Add(1)
	logger.Info("analysis completed", "duration", elapsed)
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}

// sleep waits for delay and reports false if ctx ended first.
func sleep(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
