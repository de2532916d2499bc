package persistence_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/sandq/internal/bus"
	"github.com/basket/sandq/internal/persistence"
)

func TestAppendError_LongMessagesRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, conn string) {
		ctx := context.Background()
		store := openTestStore(t, conn, persistence.Options{CreateIfMissing: true})
		id, err := store.SubmitPath(ctx, "/samples/a", persistence.SubmitOptions{})
		require.NoError(t, err)

		messages := []string{
			"short",
			strings.Repeat("a", 1024),
			strings.Repeat("traceback line\n", 5000),
		}
		for _, msg := range messages {
			_, err := store.AppendError(ctx, id, msg)
			require.NoError(t, err)
		}

		records, err := store.ListErrors(ctx, id)
		require.NoError(t, err)
		require.Len(t, records, len(messages))
		for i, rec := range records {
			assert.Equal(t, messages[i], rec.Message, "message %d is stored in full", i)
			assert.Equal(t, id, rec.TaskID)
			assert.Equal(t, persistence.ActionAnalysis, rec.Action)
		}
	})
}

func TestAppendErrorAction(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	sub := b.SubscribeBuffered(bus.TopicTaskErrorAppended, 4)
	defer b.Unsubscribe(sub)

	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true, Bus: b})
	id, err := store.SubmitPath(ctx, "/samples/a", persistence.SubmitOptions{})
	require.NoError(t, err)

	first, err := store.AppendErrorAction(ctx, id, persistence.ActionProcessing, "signature crashed")
	require.NoError(t, err)
	second, err := store.AppendErrorAction(ctx, id, " ", "blank action defaults")
	require.NoError(t, err)
	assert.Greater(t, second, first)

	records, err := store.ListErrors(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].ID)
	assert.Equal(t, persistence.ActionProcessing, records[0].Action)
	assert.Equal(t, persistence.ActionAnalysis, records[1].Action)

	ev := <-sub.Ch()
	payload := ev.Payload.(bus.TaskErrorAppendedEvent)
	assert.Equal(t, id, payload.TaskID)
	assert.Equal(t, first, payload.ErrorID)
	assert.Equal(t, persistence.ActionProcessing, payload.Action)
}

func TestAppendError_UnknownTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true})

	_, err := store.AppendError(ctx, 42, "orphan")
	require.ErrorIs(t, err, persistence.ErrTaskNotFound)

	records, err := store.ListErrors(ctx, 42)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestAppendError_DoesNotTouchTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testConn(t), persistence.Options{CreateIfMissing: true})
	id, err := store.SubmitPath(ctx, "/samples/a", persistence.SubmitOptions{})
	require.NoError(t, err)

	_, err = store.AppendError(ctx, id, "boom")
	require.NoError(t, err)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusPending, task.Status)
}
