package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sandq/internal/bus"
	otelPkg "github.com/basket/sandq/internal/otel"
)

// Category discriminates the target descriptor.
type Category string

const (
	CategoryFile Category = "file"
	CategoryURL  Category = "url"
)

// DefaultPriority is the priority of DefaultSubmitOptions.
const DefaultPriority = 1

// maxClaimAttempts bounds how often one claim call re-selects after losing a
// compare-and-set race.
const maxClaimAttempts = 16

const maxOwnerLen = 64

// Target is what an analysis task operates on.
type Target struct {
	Category Category
	Value    string
}

func PathTarget(path string) Target { return Target{Category: CategoryFile, Value: path} }

func URLTarget(url string) Target { return Target{Category: CategoryURL, Value: url} }

// SubmitOptions carries the per-task analysis settings. The store persists
// them verbatim.
type SubmitOptions struct {
	// Priority is stored as given; zero and negative values rank below
	// DefaultPriority.
	Priority       int
	Timeout        int
	Package        string
	Options        string
	Machine        string
	Platform       string
	Custom         string
	Memory         bool
	EnforceTimeout bool
}

// DefaultSubmitOptions returns options with DefaultPriority and everything
// else unset.
func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{Priority: DefaultPriority}
}

type Task struct {
	ID             int64      `json:"id"`
	Target         string     `json:"target"`
	Category       Category   `json:"category"`
	Priority       int        `json:"priority"`
	Timeout        int        `json:"timeout"`
	Package        string     `json:"package,omitempty"`
	Options        string     `json:"options,omitempty"`
	Machine        string     `json:"machine,omitempty"`
	Platform       string     `json:"platform,omitempty"`
	Custom         string     `json:"custom,omitempty"`
	Memory         bool       `json:"memory"`
	EnforceTimeout bool       `json:"enforce_timeout"`
	Owner          string     `json:"owner,omitempty"`
	Processing     string     `json:"processing,omitempty"`
	Status         TaskStatus `json:"status"`
	AddedOn        time.Time  `json:"added_on"`
	StartedOn      *time.Time `json:"started_on,omitempty"`
	CompletedOn    *time.Time `json:"completed_on,omitempty"`
}

const taskColumns = `id, target, category, priority, timeout,
	COALESCE(package, ''), COALESCE(options, ''), COALESCE(machine, ''),
	COALESCE(platform, ''), COALESCE(custom, ''), memory, enforce_timeout,
	COALESCE(owner, ''), COALESCE(processing, ''), status,
	added_on, started_on, completed_on`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var started, completed sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Target,
		&task.Category,
		&task.Priority,
		&task.Timeout,
		&task.Package,
		&task.Options,
		&task.Machine,
		&task.Platform,
		&task.Custom,
		&task.Memory,
		&task.EnforceTimeout,
		&task.Owner,
		&task.Processing,
		&task.Status,
		&task.AddedOn,
		&started,
		&completed,
	); err != nil {
		return err
	}
	task.StartedOn, task.CompletedOn = nil, nil
	if started.Valid {
		t := started.Time
		task.StartedOn = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedOn = &t
	}
	return nil
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Submit inserts a pending task and returns its id.
func (s *Store) Submit(ctx context.Context, target Target, opts SubmitOptions) (int64, error) {
	if strings.TrimSpace(target.Value) == "" {
		return 0, fmt.Errorf("%w: empty %s target", ErrInvalidTarget, target.Category)
	}
	if target.Category != CategoryFile && target.Category != CategoryURL {
		return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidTarget, target.Category)
	}
	if err := s.requireSchema(ctx); err != nil {
		return 0, err
	}
	priority := opts.Priority

	id, err := s.dialect.InsertID(ctx, s.db, `
		INSERT INTO tasks (target, category, priority, timeout, package, options,
			machine, platform, custom, memory, enforce_timeout, added_on, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		target.Value, string(target.Category), priority, opts.Timeout,
		nullIfEmpty(opts.Package), nullIfEmpty(opts.Options), nullIfEmpty(opts.Machine),
		nullIfEmpty(opts.Platform), nullIfEmpty(opts.Custom), opts.Memory, opts.EnforceTimeout,
		s.now(), string(TaskStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", classify(err))
	}

	if s.metrics != nil {
		s.metrics.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrCategory.String(string(target.Category))))
	}
	s.bus.Publish(bus.TopicTaskSubmitted, bus.TaskSubmittedEvent{
		TaskID: id, Category: string(target.Category), Target: target.Value, Priority: priority,
	})
	s.logger.Debug("task submitted", "task_id", id, "category", target.Category, "priority", priority)
	return id, nil
}

// SubmitPath submits a local file target.
func (s *Store) SubmitPath(ctx context.Context, path string, opts SubmitOptions) (int64, error) {
	return s.Submit(ctx, PathTarget(path), opts)
}

// SubmitURL submits a URL target.
func (s *Store) SubmitURL(ctx context.Context, url string, opts SubmitOptions) (int64, error) {
	return s.Submit(ctx, URLTarget(url), opts)
}

// claimSpec describes one flavour of the priority dequeue.
type claimSpec struct {
	name    string
	where   string // eligibility predicate
	args    []any
	set     string // assignments applied to the winner
	setArgs []any
	from    TaskStatus
	to      TaskStatus
	topic   string
}

// ClaimNext hands the highest-priority pending task (oldest first among equal
// priorities) to owner, marking it running. It returns nil, nil when no task
// is pending and never waits for one.
func (s *Store) ClaimNext(ctx context.Context, owner string) (*Task, error) {
	if owner == "" {
		return nil, ErrOwnerRequired
	}
	if len(owner) > maxOwnerLen {
		return nil, fmt.Errorf("owner %q longer than %d characters", owner, maxOwnerLen)
	}
	now := s.now()
	return s.claim(ctx, owner, claimSpec{
		name:    "claim",
		where:   `status = ?`,
		args:    []any{string(TaskStatusPending)},
		set:     `status = ?, owner = ?, started_on = ?`,
		setArgs: []any{string(TaskStatusRunning), owner, now},
		from:    TaskStatusPending,
		to:      TaskStatusRunning,
		topic:   bus.TopicTaskClaimed,
	})
}

// ClaimForProcessing hands the highest-priority completed task that no
// processing instance has taken yet to instance. Status is unchanged.
func (s *Store) ClaimForProcessing(ctx context.Context, instance string) (*Task, error) {
	if instance == "" {
		return nil, ErrOwnerRequired
	}
	if len(instance) > maxOwnerLen {
		return nil, fmt.Errorf("processing instance %q longer than %d characters", instance, maxOwnerLen)
	}
	return s.claim(ctx, instance, claimSpec{
		name:    "claim_processing",
		where:   `status = ? AND processing IS NULL`,
		args:    []any{string(TaskStatusCompleted)},
		set:     `processing = ?`,
		setArgs: []any{instance},
		from:    TaskStatusCompleted,
		to:      TaskStatusCompleted,
		topic:   bus.TopicTaskProcessingClaimed,
	})
}

func (s *Store) claim(ctx context.Context, owner string, spec claimSpec) (result *Task, err error) {
	if err := s.requireSchema(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "store."+spec.name, otelPkg.AttrOwner.String(owner))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(otelPkg.AttrTaskID.Int64(result.ID))
		}
		span.End()
		if s.metrics == nil {
			return
		}
		kind := metric.WithAttributes(otelPkg.AttrTaskStatus.String(string(spec.from)))
		s.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds(), kind)
		switch {
		case err != nil:
		case result == nil:
			s.metrics.ClaimMisses.Add(ctx, 1, kind)
		default:
			s.metrics.TasksClaimed.Add(ctx, 1, kind)
		}
	}()

	selectQuery := `SELECT id FROM tasks WHERE ` + spec.where +
		` ORDER BY priority DESC, id ASC LIMIT 1` + s.dialect.ClaimLock()
	updateQuery := `UPDATE tasks SET ` + spec.set + ` WHERE id = ? AND ` + spec.where

	err = retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", spec.name, classify(err))
		}
		defer func() { _ = tx.Rollback() }()

		for attempt := 0; attempt < maxClaimAttempts; attempt++ {
			var id int64
			if err := s.queryRow(ctx, tx, selectQuery, spec.args...).Scan(&id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("select %s candidate: %w", spec.name, classify(err))
			}

			args := append(append(append([]any{}, spec.setArgs...), id), spec.args...)
			res, err := s.exec(ctx, tx, updateQuery, args...)
			if err != nil {
				return fmt.Errorf("mark task %d: %w", id, classify(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("%s rows affected: %w", spec.name, err)
			}
			if n != 1 {
				// Another claimer won this row; pick again.
				continue
			}

			var task Task
			if err := scanTask(s.queryRow(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id).Scan, &task); err != nil {
				return fmt.Errorf("read claimed task %d: %w", id, classify(err))
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit %s tx: %w", spec.name, classify(err))
			}
			result = &task
			return nil
		}
		return fmt.Errorf("%w after %d attempts", ErrClaimContended, maxClaimAttempts)
	})
	if err != nil || result == nil {
		return nil, err
	}

	s.bus.Publish(spec.topic, bus.TaskClaimedEvent{TaskID: result.ID, Owner: owner})
	if spec.from != spec.to {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: result.ID, OldStatus: string(spec.from), NewStatus: string(spec.to),
		})
	}
	s.logger.Debug("task claimed", "task_id", result.ID, "owner", owner, "kind", spec.name)
	return result, nil
}

// SetStatus writes status without checking that the transition is legal.
// Any status other than running clears the owner; running stamps started_on
// and end-of-analysis statuses stamp completed_on, each only once. Setting
// running on a task without an owner fails with ErrOwnerRequired; ClaimNext
// is how a task gains one.
func (s *Store) SetStatus(ctx context.Context, taskID int64, status TaskStatus) error {
	if _, err := ParseTaskStatus(string(status)); err != nil {
		return err
	}
	if err := s.requireSchema(ctx); err != nil {
		return err
	}

	now := s.now()
	var update string
	var args []any
	switch {
	case status == TaskStatusRunning:
		update = `UPDATE tasks SET status = ?, started_on = COALESCE(started_on, ?) WHERE id = ?`
		args = []any{string(status), now, taskID}
	case status.endsAnalysis():
		update = `UPDATE tasks SET status = ?, owner = NULL, completed_on = COALESCE(completed_on, ?) WHERE id = ?`
		args = []any{string(status), now, taskID}
	default:
		update = `UPDATE tasks SET status = ?, owner = NULL WHERE id = ?`
		args = []any{string(status), taskID}
	}

	var old TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", classify(err))
		}
		defer func() { _ = tx.Rollback() }()

		var owner sql.NullString
		if err := s.queryRow(ctx, tx, `SELECT status, owner FROM tasks WHERE id = ?`, taskID).Scan(&old, &owner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("read task status: %w", classify(err))
		}
		if status == TaskStatusRunning && !owner.Valid {
			return fmt.Errorf("%w: task %d has no owner to run under", ErrOwnerRequired, taskID)
		}
		if _, err := s.exec(ctx, tx, update, args...); err != nil {
			return fmt.Errorf("update task status: %w", classify(err))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit status tx: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.StatusChanges.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrTaskStatus.String(string(status))))
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, OldStatus: string(old), NewStatus: string(status),
	})
	s.logger.Debug("task status set", "task_id", taskID, "from", old, "to", status)
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	if err := s.requireSchema(ctx); err != nil {
		return nil, err
	}
	var task Task
	err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", classify(err))
	}
	return &task, nil
}

// ListFilter narrows ListTasks. Zero values match everything; Limit <= 0
// means no limit.
type ListFilter struct {
	Status   TaskStatus
	Category Category
	Limit    int
	Offset   int
}

// ListTasks returns matching tasks in id order.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	if err := s.requireSchema(ctx); err != nil {
		return nil, err
	}
	where, args := f.clauses()
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", classify(err))
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", classify(err))
	}
	return tasks, nil
}

// CountTasks counts tasks with status, or all tasks when status is empty.
func (s *Store) CountTasks(ctx context.Context, status TaskStatus) (int, error) {
	if err := s.requireSchema(ctx); err != nil {
		return 0, err
	}
	where, args := ListFilter{Status: status}.clauses()
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(1) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", classify(err))
	}
	return n, nil
}

func (f ListFilter) clauses() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Reschedule submits a copy of a task as a new pending task and marks the
// original recovered. It returns the new task id.
func (s *Store) Reschedule(ctx context.Context, taskID int64) (int64, error) {
	if err := s.requireSchema(ctx); err != nil {
		return 0, err
	}
	var newID int64
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reschedule tx: %w", classify(err))
		}
		defer func() { _ = tx.Rollback() }()

		if err := scanTask(s.queryRow(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID).Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("read task: %w", classify(err))
		}

		newID, err = s.dialect.InsertID(ctx, tx, `
			INSERT INTO tasks (target, category, priority, timeout, package, options,
				machine, platform, custom, memory, enforce_timeout, added_on, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.Target, string(task.Category), task.Priority, task.Timeout,
			nullIfEmpty(task.Package), nullIfEmpty(task.Options), nullIfEmpty(task.Machine),
			nullIfEmpty(task.Platform), nullIfEmpty(task.Custom), task.Memory, task.EnforceTimeout,
			s.now(), string(TaskStatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert rescheduled task: %w", classify(err))
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE tasks SET status = ?, owner = NULL, completed_on = COALESCE(completed_on, ?) WHERE id = ?`,
			string(TaskStatusRecovered), s.now(), taskID,
		); err != nil {
			return fmt.Errorf("mark task recovered: %w", classify(err))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reschedule tx: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, OldStatus: string(task.Status), NewStatus: string(TaskStatusRecovered),
	})
	s.bus.Publish(bus.TopicTaskSubmitted, bus.TaskSubmittedEvent{
		TaskID: newID, Category: string(task.Category), Target: task.Target, Priority: task.Priority,
	})
	s.logger.Info("task rescheduled", "task_id", taskID, "new_task_id", newID)
	return newID, nil
}
