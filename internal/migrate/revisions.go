package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/sandq/internal/dbconn"
)

// Revision ids of the task store chain, base first.
const (
	RevisionLegacy06 = "3aa42d870199"
	Revision10       = "263a45963c72"
	Revision12       = "4b09c454108c"
	Revision20       = "cb1024e614b7"
)

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry of the task store schema.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := NewRegistry(
			Revision{
				ID:          RevisionLegacy06,
				Description: "0.6 schema",
			},
			Revision{
				ID:          Revision10,
				Down:        RevisionLegacy06,
				Description: "1.0 status vocabulary, unbounded error messages, error actions",
				Upgrade:     upgrade10,
				Downgrade:   downgrade10,
			},
			Revision{
				ID:          Revision12,
				Down:        Revision10,
				Description: "processing hand-off column and claim index",
				Upgrade:     upgrade12,
				Downgrade:   downgrade12,
			},
			Revision{
				ID:          Revision20,
				Down:        Revision12,
				Description: "owner names the claiming worker",
				Upgrade:     upgrade20,
				Downgrade:   downgrade20,
			},
		)
		if err != nil {
			panic(err)
		}
		defaultReg = reg
	})
	return defaultReg
}

// Structural statements run before row rewrites in every transform and skip
// work that is already done. On backends that commit DDL implicitly this keeps
// the row rewrites in the transaction that stamps the marker, and lets a
// failed revision be re-run.

func upgrade10(ctx context.Context, c *Conn) error {
	var widen string
	switch c.Dialect.Kind() {
	case dbconn.KindPostgres:
		widen = `ALTER TABLE errors ALTER COLUMN message TYPE TEXT`
	case dbconn.KindMySQL:
		widen = `ALTER TABLE errors MODIFY message LONGTEXT NOT NULL`
	}
	if widen != "" {
		if _, err := c.ExecDDL(ctx, widen); err != nil {
			return fmt.Errorf("widen errors.message: %w", err)
		}
	}

	has, err := c.hasColumn(ctx, "errors", "action")
	if err != nil {
		return err
	}
	if !has {
		if _, err := c.ExecDDL(ctx, `ALTER TABLE errors ADD COLUMN action VARCHAR(64) NOT NULL DEFAULT 'analysis'`); err != nil {
			return fmt.Errorf("add errors.action: %w", err)
		}
	}

	return remapStatuses(ctx, c, upgradeStatus10)
}

// downgrade10 loses information: several 1.0 statuses share one 0.6 label,
// and messages longer than the 0.6 bound are cut. Truncation has to precede
// narrowing the column, and is harmless to repeat.
func downgrade10(ctx context.Context, c *Conn) error {
	res, err := c.Exec(ctx, `UPDATE errors SET message = SUBSTR(message, 1, 255) WHERE LENGTH(message) > 255`)
	if err != nil {
		return fmt.Errorf("truncate error messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger().Warn("error messages truncated to 255 characters", "rows", n)
	}

	var narrow string
	switch c.Dialect.Kind() {
	case dbconn.KindPostgres:
		narrow = `ALTER TABLE errors ALTER COLUMN message TYPE VARCHAR(255)`
	case dbconn.KindMySQL:
		narrow = `ALTER TABLE errors MODIFY message VARCHAR(255) NOT NULL`
	}
	if narrow != "" {
		if _, err := c.ExecDDL(ctx, narrow); err != nil {
			return fmt.Errorf("narrow errors.message: %w", err)
		}
	}

	has, err := c.hasColumn(ctx, "errors", "action")
	if err != nil {
		return err
	}
	if has {
		if _, err := c.ExecDDL(ctx, `ALTER TABLE errors DROP COLUMN action`); err != nil {
			return fmt.Errorf("drop errors.action: %w", err)
		}
	}

	return remapStatuses(ctx, c, downgradeStatus10)
}

func upgrade12(ctx context.Context, c *Conn) error {
	has, err := c.hasColumn(ctx, "tasks", "processing")
	if err != nil {
		return err
	}
	if !has {
		if _, err := c.ExecDDL(ctx, `ALTER TABLE tasks ADD COLUMN processing VARCHAR(64)`); err != nil {
			return fmt.Errorf("add tasks.processing: %w", err)
		}
	}
	return createClaimIndex(ctx, c)
}

func downgrade12(ctx context.Context, c *Conn) error {
	// SQLite refuses to drop an indexed column.
	if err := dropClaimIndex(ctx, c); err != nil {
		return err
	}
	has, err := c.hasColumn(ctx, "tasks", "processing")
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	if _, err := c.ExecDDL(ctx, `ALTER TABLE tasks DROP COLUMN processing`); err != nil {
		return fmt.Errorf("drop tasks.processing: %w", err)
	}
	return nil
}

// upgrade20 clears owners that no longer name a live claim. In earlier
// schemas owner was free-form submitter metadata.
func upgrade20(ctx context.Context, c *Conn) error {
	res, err := c.Exec(ctx, `UPDATE tasks SET owner = NULL WHERE owner IS NOT NULL AND status <> ?`, string(statusRunning))
	if err != nil {
		return fmt.Errorf("clear stale owners: %w", err)
	}
	n, _ := res.RowsAffected()
	c.logger().Info("stale task owners cleared", "rows", n)
	return nil
}

// downgrade20 cannot restore cleared owners.
func downgrade20(context.Context, *Conn) error { return nil }
