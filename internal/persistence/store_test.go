package persistence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/sandq/internal/bus"
	"github.com/basket/sandq/internal/migrate"
	"github.com/basket/sandq/internal/persistence"
)

func testConn(t *testing.T) string {
	t.Helper()
	return "sqlite:///" + filepath.Join(t.TempDir(), "sandq.db")
}

func openTestStore(t *testing.T, conn string, opts persistence.Options) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(context.Background(), conn, opts)
	require.NoError(t, err, "open store")
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// forEachBackend runs fn against a fresh file SQLite database and, when the
// matching environment variables are set, against PostgreSQL and MySQL.
func forEachBackend(t *testing.T, fn func(t *testing.T, conn string)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		fn(t, testConn(t))
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
			resetDatabase(t, conn)
			fn(t, conn)
		})
	}
}

func resetDatabase(t *testing.T, conn string) {
	t.Helper()
	store, err := persistence.Open(context.Background(), conn, persistence.Options{})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Drop(context.Background()))
}

func TestStore_OpenCreatesHeadSchema(t *testing.T) {
	forEachBackend(t, func(t *testing.T, conn string) {
		ctx := context.Background()
		store := openTestStore(t, conn, persistence.Options{CreateIfMissing: true})

		rev, err := store.SchemaRevision(ctx)
		require.NoError(t, err)
		assert.Equal(t, migrate.Revision20, rev)

		n, err := store.CountTasks(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_OpenConfiguresWAL(t *testing.T) {
	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true})

	var journal string
	require.NoError(t, store.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var foreignKeys int
	require.NoError(t, store.DB().QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestStore_InMemory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "sqlite:///:memory:", persistence.Options{CreateIfMissing: true})
	assert.True(t, store.Backend().Memory)

	id, err := store.SubmitPath(ctx, "/tmp/sample.exe", persistence.SubmitOptions{})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sample.exe", task.Target)
}

func TestStore_WithoutCreateLeavesDatabaseUntouched(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := openTestStore(t, conn, persistence.Options{})

	exists, err := migrate.MarkerExists(ctx, store.DB(), store.Backend().Dialect())
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.SubmitPath(ctx, "/tmp/a", persistence.SubmitOptions{})
	require.ErrorIs(t, err, persistence.ErrSchemaNotInitialized)
	_, err = store.ClaimNext(ctx, "worker-1")
	require.ErrorIs(t, err, persistence.ErrSchemaNotInitialized)
	_, err = store.ListErrors(ctx, 1)
	require.ErrorIs(t, err, persistence.ErrSchemaNotInitialized)

	// A second store creates the schema; the first one starts working.
	openTestStore(t, conn, persistence.Options{CreateIfMissing: true})

	id, err := store.SubmitPath(ctx, "/tmp/a", persistence.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestStore_EnsureSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true})

	id, err := store.SubmitURL(ctx, "http://example.com/", persistence.SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, persistence.CategoryURL, task.Category)
}

func TestStore_LegacyDatabaseIsOutdated(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testConn(t), persistence.Options{})

	err := migrate.InTx(ctx, store.DB(), store.Backend().Dialect(), nil, func(c *migrate.Conn) error {
		return migrate.CreateLegacy(ctx, c, migrate.Default())
	})
	require.NoError(t, err)

	_, err = store.SubmitPath(ctx, "/tmp/a", persistence.SubmitOptions{})
	require.ErrorIs(t, err, persistence.ErrSchemaOutdated)

	// CreateIfMissing never touches an existing marker.
	require.NoError(t, store.EnsureSchema(ctx))
	rev, err := store.SchemaRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrate.RevisionLegacy06, rev)

	res, err := store.Migrate(ctx, "head")
	require.NoError(t, err)
	assert.Len(t, res.Steps, 3)

	_, err = store.SubmitPath(ctx, "/tmp/a", persistence.SubmitOptions{})
	require.NoError(t, err)
}

func TestStore_MigratePublishesEvent(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	sub := b.SubscribeBuffered(bus.TopicSchemaMigrated, 4)
	defer b.Unsubscribe(sub)

	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true, Bus: b})

	_, err := store.Migrate(ctx, migrate.Revision10)
	require.NoError(t, err)

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.SchemaMigratedEvent)
		require.True(t, ok)
		assert.Equal(t, migrate.Revision20, payload.From)
		assert.Equal(t, migrate.Revision10, payload.To)
		assert.Equal(t, 2, payload.Steps)
	case <-time.After(time.Second):
		t.Fatal("no schema.migrated event")
	}

	// Store operations refuse the downgraded schema.
	_, err = store.CountTasks(ctx, "")
	require.ErrorIs(t, err, persistence.ErrSchemaOutdated)

	// Migrating to the current revision runs nothing and publishes nothing.
	res, err := store.Migrate(ctx, migrate.Revision10)
	require.NoError(t, err)
	assert.Empty(t, res.Steps)
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestStore_Drop(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true})
	_, err := store.SubmitPath(ctx, "/tmp/a", persistence.SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Drop(ctx))

	_, err = store.CountTasks(ctx, "")
	require.ErrorIs(t, err, persistence.ErrSchemaNotInitialized)

	require.NoError(t, store.EnsureSchema(ctx))
	n, err := store.CountTasks(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n, "drop removes every row")
}

func TestStore_OpenRejectsUnknownBackend(t *testing.T) {
	_, err := persistence.Open(context.Background(), "oracle://db", persistence.Options{})
	require.Error(t, err)
}

func TestStore_TaskStatusesMatchSchemaVocabulary(t *testing.T) {
	var labels []string
	for _, s := range persistence.TaskStatuses() {
		labels = append(labels, string(s))
	}
	assert.ElementsMatch(t, migrate.HeadStatuses(), labels)
}
