package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sandq/internal/bus"
	otelPkg "github.com/basket/sandq/internal/otel"
)

// Error actions tag which stage produced an error record.
const (
	ActionAnalysis   = "analysis"
	ActionProcessing = "processing"
	ActionReporting  = "reporting"
)

// ErrorRecord is one diagnostic attached to a task. Records are never
// updated or deleted.
type ErrorRecord struct {
	ID      int64  `json:"id"`
	TaskID  int64  `json:"task_id"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// AppendError records an analysis error for a task. Messages are stored in
// full, whatever their length.
func (s *Store) AppendError(ctx context.Context, taskID int64, message string) (int64, error) {
	return s.AppendErrorAction(ctx, taskID, ActionAnalysis, message)
}

// AppendErrorAction is AppendError with an explicit action tag.
func (s *Store) AppendErrorAction(ctx context.Context, taskID int64, action, message string) (int64, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		action = ActionAnalysis
	}
	if err := s.requireSchema(ctx); err != nil {
		return 0, err
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin error tx: %w", classify(err))
		}
		defer func() { _ = tx.Rollback() }()

		var one int
		if err := s.queryRow(ctx, tx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("check task: %w", classify(err))
		}
		id, err = s.dialect.InsertID(ctx, tx,
			`INSERT INTO errors (message, task_id, action) VALUES (?, ?, ?)`,
			message, taskID, action,
		)
		if err != nil {
			return fmt.Errorf("insert error: %w", classify(err))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit error tx: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.ErrorsAppended.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrorAction.String(action)))
	}
	s.bus.Publish(bus.TopicTaskErrorAppended, bus.TaskErrorAppendedEvent{TaskID: taskID, ErrorID: id, Action: action})
	s.logger.Debug("task error appended", "task_id", taskID, "error_id", id, "action", action, "bytes", len(message))
	return id, nil
}

// ListErrors returns the error records of a task, oldest first. A task
// without errors, or an unknown task, yields an empty slice.
func (s *Store) ListErrors(ctx context.Context, taskID int64) ([]ErrorRecord, error) {
	if err := s.requireSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db,
		`SELECT id, task_id, message, action FROM errors WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", classify(err))
	}
	defer rows.Close()

	records := []ErrorRecord{}
	for rows.Next() {
		var rec ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Message, &rec.Action); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", classify(err))
	}
	return records, nil
}
