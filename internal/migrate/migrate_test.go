package migrate

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/sandq/internal/dbconn"
)

func openTestDB(t *testing.T) (*sql.DB, dbconn.Dialect) {
	t.Helper()
	db, backend, err := dbconn.Open(context.Background(), "sqlite:///"+filepath.Join(t.TempDir(), "sandq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, backend.Dialect()
}

// forEachBackend runs fn against a fresh SQLite file and, when
// SANDQ_TEST_POSTGRES_DSN or SANDQ_TEST_MYSQL_DSN is set, against an emptied
// PostgreSQL or MySQL database. Those databases are shared with the
// persistence tests, so run backend suites with -p 1.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *sql.DB, d dbconn.Dialect)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		db, d := openTestDB(t)
		fn(t, db, d)
	})
	for name, env := range map[string]string{
		"postgres": "SANDQ_TEST_POSTGRES_DSN",
		"mysql":    "SANDQ_TEST_MYSQL_DSN",
	} {
		t.Run(name, func(t *testing.T) {
			conn := os.Getenv(env)
			if conn == "" {
				t.Skipf("%s not set", env)
			}
			db, backend, err := dbconn.Open(context.Background(), conn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			d := backend.Dialect()
			resetTables(t, db, d)
			fn(t, db, d)
		})
	}
}

func resetTables(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		if err := Drop(ctx, c); err != nil {
			return err
		}
		_, err := c.Exec(ctx, `DROP TABLE IF EXISTS ledger`)
		return err
	}))
}

func seedLegacy(t *testing.T, db *sql.DB, d dbconn.Dialect, rows ...[2]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		if err := CreateLegacy(ctx, c, Default()); err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := c.Exec(ctx,
				`INSERT INTO tasks (target, category, owner, added_on, status) VALUES (?, ?, ?, ?, ?)`,
				"/tmp/sample.exe", "file", row[1], time.Now().UTC(), row[0],
			); err != nil {
				return err
			}
		}
		return nil
	}))
}

func taskStatuses(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT status FROM tasks ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func taskOwners(t *testing.T, db *sql.DB) []sql.NullString {
	t.Helper()
	rows, err := db.Query(`SELECT owner FROM tasks ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []sql.NullString
	for rows.Next() {
		var s sql.NullString
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestDefaultRegistry_Chain(t *testing.T) {
	reg := Default()
	assert.Equal(t, RevisionLegacy06, reg.Base())
	assert.Equal(t, Revision20, reg.Head())

	var ids []string
	for _, rev := range reg.History() {
		ids = append(ids, rev.ID)
	}
	assert.Equal(t, []string{RevisionLegacy06, Revision10, Revision12, Revision20}, ids)

	rev, ok := reg.Get(Revision10)
	require.True(t, ok)
	assert.Equal(t, RevisionLegacy06, rev.Down)
	_, ok = reg.Get("ffffffffffff")
	assert.False(t, ok)
}

func TestNewRegistry_Rejects(t *testing.T) {
	noop := func(context.Context, *Conn) error { return nil }
	rev := func(id, down string) Revision {
		return Revision{ID: id, Down: down, Upgrade: noop, Downgrade: noop}
	}

	tests := []struct {
		name string
		revs []Revision
	}{
		{name: "empty"},
		{name: "empty id", revs: []Revision{rev("", "")}},
		{name: "duplicate", revs: []Revision{rev("a", ""), rev("b", "a"), rev("b", "a")}},
		{name: "two bases", revs: []Revision{rev("a", ""), rev("b", "")}},
		{name: "no base", revs: []Revision{rev("a", "b"), rev("b", "a")}},
		{name: "fork", revs: []Revision{rev("a", ""), rev("b", "a"), rev("c", "a")}},
		{name: "dangling", revs: []Revision{rev("a", ""), rev("b", "zzz")}},
		{name: "missing transform", revs: []Revision{rev("a", ""), {ID: "b", Down: "a", Upgrade: noop}}},
		{name: "detached cycle", revs: []Revision{rev("a", ""), rev("b", "a"), rev("c", "d"), rev("d", "c")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.revs...)
			assert.Error(t, err)
		})
	}
}

func TestNewRegistry_OrderIndependent(t *testing.T) {
	noop := func(context.Context, *Conn) error { return nil }
	reg, err := NewRegistry(
		Revision{ID: "c", Down: "b", Upgrade: noop, Downgrade: noop},
		Revision{ID: "a"},
		Revision{ID: "b", Down: "a", Upgrade: noop, Downgrade: noop},
	)
	require.NoError(t, err)
	assert.Equal(t, "a", reg.Base())
	assert.Equal(t, "c", reg.Head())
}

func TestRegistry_Path(t *testing.T) {
	reg := Default()

	ids := func(steps []Step) []string {
		var out []string
		for _, s := range steps {
			out = append(out, s.Revision.ID+":"+string(s.Direction))
		}
		return out
	}

	up, err := reg.Path(RevisionLegacy06, Revision20)
	require.NoError(t, err)
	assert.Equal(t, []string{
		Revision10 + ":upgrade", Revision12 + ":upgrade", Revision20 + ":upgrade",
	}, ids(up))

	down, err := reg.Path(Revision20, Revision10)
	require.NoError(t, err)
	assert.Equal(t, []string{Revision20 + ":downgrade", Revision12 + ":downgrade"}, ids(down))
	// A backend without transactional DDL stamps these after each step.
	assert.Equal(t, []string{Revision10, Revision12, Revision20},
		[]string{up[0].Reached(), up[1].Reached(), up[2].Reached()})
	assert.Equal(t, []string{Revision12, Revision10}, []string{down[0].Reached(), down[1].Reached()})

	none, err := reg.Path(Revision12, Revision12)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = reg.Path("deadbeef", Revision20)
	assert.ErrorIs(t, err, ErrMigrationPathNotFound)
	_, err = reg.Path(Revision10, "deadbeef")
	assert.ErrorIs(t, err, ErrMigrationPathNotFound)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := Default()
	for in, want := range map[string]string{
		"":         Revision20,
		"head":     Revision20,
		"base":     RevisionLegacy06,
		Revision12: Revision12,
	} {
		got, err := reg.Resolve(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := reg.Resolve("nope")
	assert.ErrorIs(t, err, ErrMigrationPathNotFound)
}

func TestMigrate_LegacyDatabase(t *testing.T) {
	forEachBackend(t, testMigrateLegacyDatabase)
}

func testMigrateLegacyDatabase(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	ctx := context.Background()
	seedLegacy(t, db, d,
		[2]string{"failure", "analyst"},
		[2]string{"success", "analyst"},
		[2]string{"processing", "analyst"},
	)
	runner := NewRunner(db, d, nil)

	res, err := runner.Migrate(ctx, Revision10)
	require.NoError(t, err)
	assert.Equal(t, RevisionLegacy06, res.From)
	assert.Equal(t, Revision10, res.To)
	assert.Equal(t, []string{"failed_analysis", "completed", "running"}, taskStatuses(t, db))

	current, err := runner.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Revision10, current)

	_, err = runner.Migrate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"failed_analysis", "completed", "running"}, taskStatuses(t, db))

	owners := taskOwners(t, db)
	require.Len(t, owners, 3)
	assert.False(t, owners[0].Valid)
	assert.False(t, owners[1].Valid)
	assert.Equal(t, "analyst", owners[2].String)

	current, err = runner.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Revision20, current)
}

func TestMigrate_LegacyPendingRowsKeepStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, d dbconn.Dialect) {
		seedLegacy(t, db, d,
			[2]string{"pending", ""},
			[2]string{"success", ""},
			[2]string{"pending", ""},
			[2]string{"failure", ""},
		)

		_, err := NewRunner(db, d, nil).Migrate(context.Background(), "head")
		require.NoError(t, err)
		assert.Equal(t, []string{"pending", "completed", "pending", "failed_analysis"}, taskStatuses(t, db))
	})
}

func TestMigrate_NotInitialized(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, d dbconn.Dialect) {
		runner := NewRunner(db, d, nil)
		_, err := runner.Migrate(context.Background(), "")
		assert.ErrorIs(t, err, ErrSchemaNotInitialized)

		// The marker is checked before the target is resolved.
		_, err = runner.Migrate(context.Background(), "zzz")
		assert.ErrorIs(t, err, ErrSchemaNotInitialized)
		assert.NotErrorIs(t, err, ErrMigrationPathNotFound)

		_, err = runner.Current(context.Background())
		assert.ErrorIs(t, err, ErrSchemaNotInitialized)
	})
}

func TestMigrate_UnknownTarget(t *testing.T) {
	ctx := context.Background()
	db, d := openTestDB(t)
	seedLegacy(t, db, d)

	_, err := NewRunner(db, d, nil).Migrate(ctx, "0123456789ab")
	assert.ErrorIs(t, err, ErrMigrationPathNotFound)
}

func TestMigrate_AtHeadIsNoop(t *testing.T) {
	forEachBackend(t, testMigrateAtHeadIsNoop)
}

func testMigrateAtHeadIsNoop(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	ctx := context.Background()
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		return CreateLatest(ctx, c, Default())
	}))

	runner := NewRunner(db, d, nil)
	for i := 0; i < 2; i++ {
		res, err := runner.Migrate(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, res.Steps)
		assert.Equal(t, Revision20, res.From)
	}
}

func TestMigrate_UnknownLegacyStatusRollsBack(t *testing.T) {
	forEachBackend(t, testMigrateUnknownLegacyStatusRollsBack)
}

func testMigrateUnknownLegacyStatusRollsBack(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	ctx := context.Background()
	seedLegacy(t, db, d,
		[2]string{"success", ""},
		[2]string{"exploded", ""},
	)
	runner := NewRunner(db, d, nil)

	_, err := runner.Migrate(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)

	var migErr *MigrationError
	require.True(t, errors.As(err, &migErr))
	assert.Equal(t, Revision10, migErr.Revision)
	assert.Equal(t, Upgrade, migErr.Direction)
	assert.Contains(t, err.Error(), "exploded")

	current, err := runner.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, RevisionLegacy06, current)
	assert.Equal(t, []string{"success", "exploded"}, taskStatuses(t, db))

	if d.TransactionalDDL() {
		cols, err := d.Columns(ctx, db, "errors")
		require.NoError(t, err)
		assert.NotContains(t, cols, "action")
	}

	// Once the bad row is fixed the same revision applies cleanly, even where
	// its structural changes were already committed.
	_, err = db.Exec(d.Rebind(`UPDATE tasks SET status = ? WHERE status = ?`), "failure", "exploded")
	require.NoError(t, err)
	_, err = runner.Migrate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"completed", "failed_analysis"}, taskStatuses(t, db))
}

// Structural changes commit early on MySQL, so a revision retried after a
// failure must tolerate finding its own structure already in place.
func TestRevisions_StructureRerunnable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, d dbconn.Dialect) {
		ctx := context.Background()
		seedLegacy(t, db, d, [2]string{"success", "analyst"})
		_, err := NewRunner(db, d, nil).Migrate(ctx, Revision10)
		require.NoError(t, err)

		rev, ok := Default().Get(Revision12)
		require.True(t, ok)
		for i := 0; i < 2; i++ {
			require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
				return rev.Upgrade(ctx, c)
			}), "upgrade pass %d", i)
		}
		cols, err := d.Columns(ctx, db, "tasks")
		require.NoError(t, err)
		assert.Contains(t, cols, "processing")
		idx, err := d.IndexExists(ctx, db, "tasks", claimIndex)
		require.NoError(t, err)
		assert.True(t, idx)

		for i := 0; i < 2; i++ {
			require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
				return rev.Downgrade(ctx, c)
			}), "downgrade pass %d", i)
		}
		cols, err = d.Columns(ctx, db, "tasks")
		require.NoError(t, err)
		assert.NotContains(t, cols, "processing")
		assert.Equal(t, []string{"completed"}, taskStatuses(t, db))
	})
}

func TestMigrate_FailingStepRollsBackEarlierSteps(t *testing.T) {
	forEachBackend(t, testMigrateFailingStepRollsBack)
}

func testMigrateFailingStepRollsBack(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	ctx := context.Background()

	noop := func(context.Context, *Conn) error { return nil }
	reg, err := NewRegistry(
		Revision{ID: "a"},
		Revision{ID: "b", Down: "a", Downgrade: noop, Upgrade: func(ctx context.Context, c *Conn) error {
			_, err := c.Exec(ctx, `INSERT INTO ledger (note) VALUES (?)`, "from b")
			return err
		}},
		Revision{ID: "c", Down: "b", Downgrade: noop, Upgrade: func(context.Context, *Conn) error {
			return errors.New("boom")
		}},
	)
	require.NoError(t, err)

	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		if _, err := c.Exec(ctx, markerTable()); err != nil {
			return err
		}
		if _, err := c.Exec(ctx, `CREATE TABLE ledger (note TEXT)`); err != nil {
			return err
		}
		return Stamp(ctx, c, "a")
	}))

	runner := NewRunner(db, d, reg)
	_, err = runner.Migrate(ctx, "c")
	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, "c", migErr.Revision)
	assert.Contains(t, err.Error(), "migration failed at revision c (upgrade): boom")

	current, err := runner.Current(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&n))
	if !d.TransactionalDDL() {
		// Each revision commits with its marker; b completed before c failed.
		assert.Equal(t, "b", current)
		assert.Equal(t, 1, n)
		return
	}
	assert.Equal(t, "a", current)
	assert.Zero(t, n)

	// Stopping short of the failing revision commits.
	_, err = runner.Migrate(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrate_DowngradeIsLossy(t *testing.T) {
	forEachBackend(t, testMigrateDowngradeIsLossy)
}

func testMigrateDowngradeIsLossy(t *testing.T, db *sql.DB, d dbconn.Dialect) {
	ctx := context.Background()
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		if err := CreateLatest(ctx, c, Default()); err != nil {
			return err
		}
		for _, row := range [][2]any{{"reported", nil}, {"running", "worker-1"}, {"recovered", nil}} {
			if _, err := c.Exec(ctx,
				`INSERT INTO tasks (target, category, owner, added_on, status) VALUES (?, ?, ?, ?, ?)`,
				"http://example.com", "url", row[1], time.Now().UTC(), row[0],
			); err != nil {
				return err
			}
		}
		_, err := c.Exec(ctx, `INSERT INTO errors (message, task_id, action) VALUES (?, ?, ?)`,
			strings.Repeat("x", 300), 1, "processing")
		return err
	}))
	runner := NewRunner(db, d, nil)

	_, err := runner.Migrate(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, []string{"success", "processing", "pending"}, taskStatuses(t, db))

	var msg string
	require.NoError(t, db.QueryRow(`SELECT message FROM errors`).Scan(&msg))
	assert.Len(t, msg, 255)

	cols, err := d.Columns(ctx, db, "tasks")
	require.NoError(t, err)
	assert.NotContains(t, cols, "processing")
	idx, err := d.IndexExists(ctx, db, "tasks", claimIndex)
	require.NoError(t, err)
	assert.False(t, idx)

	_, err = runner.Migrate(ctx, "head")
	require.NoError(t, err)
	// reported and recovered do not come back.
	assert.Equal(t, []string{"completed", "running", "pending"}, taskStatuses(t, db))

	var action string
	require.NoError(t, db.QueryRow(`SELECT message, action FROM errors`).Scan(&msg, &action))
	assert.Len(t, msg, 255)
	assert.Equal(t, "analysis", action)
}

func TestCreateLatest_MatchesUpgradedLegacy(t *testing.T) {
	ctx := context.Background()

	fresh, fd := openTestDB(t)
	require.NoError(t, InTx(ctx, fresh, fd, nil, func(c *Conn) error {
		return CreateLatest(ctx, c, Default())
	}))

	upgraded, ud := openTestDB(t)
	seedLegacy(t, upgraded, ud)
	_, err := NewRunner(upgraded, ud, nil).Migrate(ctx, "")
	require.NoError(t, err)

	for _, table := range []string{"tasks", "errors", MarkerTable} {
		want, err := fd.Columns(ctx, fresh, table)
		require.NoError(t, err)
		got, err := ud.Columns(ctx, upgraded, table)
		require.NoError(t, err)
		assert.Equal(t, want, got, table)
	}
	for _, pair := range []struct {
		db *sql.DB
		d  dbconn.Dialect
	}{{fresh, fd}, {upgraded, ud}} {
		ok, err := pair.d.IndexExists(ctx, pair.db, "tasks", claimIndex)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestCreateLatest_KeepsRowsWhenMarkerDropped(t *testing.T) {
	ctx := context.Background()
	db, d := openTestDB(t)
	create := func(c *Conn) error { return CreateLatest(ctx, c, Default()) }
	require.NoError(t, InTx(ctx, db, d, nil, create))

	_, err := db.Exec(`INSERT INTO tasks (target, category, added_on) VALUES ('a.exe', 'file', ?)`, time.Now().UTC())
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE ` + MarkerTable)
	require.NoError(t, err)

	exists, err := MarkerExists(ctx, db, d)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, InTx(ctx, db, d, nil, create))
	rev, err := CurrentRevision(ctx, db, d)
	require.NoError(t, err)
	assert.Equal(t, Revision20, rev)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	db, d := openTestDB(t)
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error {
		return CreateLatest(ctx, c, Default())
	}))
	require.NoError(t, InTx(ctx, db, d, nil, func(c *Conn) error { return Drop(ctx, c) }))

	for _, table := range []string{"tasks", "errors", MarkerTable} {
		ok, err := d.TableExists(ctx, db, table)
		require.NoError(t, err)
		assert.False(t, ok, table)
	}
}

func TestHeadStatuses(t *testing.T) {
	assert.ElementsMatch(t, []string{
		"pending", "running", "completed", "reported", "recovered",
		"failed_analysis", "failed_processing", "failed_reporting",
	}, HeadStatuses())

	// Every head label has a 0.6 image, so a downgrade never meets an
	// unmapped status.
	for _, s := range statuses {
		_, ok := downgradeStatus10[s]
		assert.True(t, ok, s)
	}
}
