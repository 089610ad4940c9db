// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEvent(t *testing.T, messageID, eventType string, offset time.Duration) *domain.Event {
	t.Helper()
	ev, err := domain.NewEvent("events", messageID, eventType, []byte(`{"n":"`+messageID+`"}`), base.Add(offset))
	require.NoError(t, err)
	return ev
}

// RunEventStore exercises an empty EventStore. newStore must return a
// fresh, empty store for every call.
func RunEventStore(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("insert and get", func(t *testing.T) {
		events := newStore(t).Events()
		ctx := context.Background()

		ev := newEvent(t, "1-0", "order.created", 0)
		require.NoError(t, events.Insert(ctx, ev))

		got, err := events.Get(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, ev.Stream, got.Stream)
		assert.Equal(t, ev.MessageID, got.MessageID)
		assert.Equal(t, ev.Type, got.Type)
		assert.JSONEq(t, string(ev.Payload), string(got.Payload))
		assert.True(t, ev.ReceivedAt.Equal(got.ReceivedAt), "ReceivedAt %v != %v", got.ReceivedAt, ev.ReceivedAt)
	})

	t.Run("get missing", func(t *testing.T) {
		events := newStore(t).Events()

		_, err := events.Get(context.Background(), "does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("duplicate message id", func(t *testing.T) {
		events := newStore(t).Events()
		ctx := context.Background()

		require.NoError(t, events.Insert(ctx, newEvent(t, "1-0", "a", 0)))
		err := events.Insert(ctx, newEvent(t, "1-0", "a", time.Second))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		count, err := events.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("same message id on another stream", func(t *testing.T) {
		events := newStore(t).Events()
		ctx := context.Background()

		first := newEvent(t, "1-0", "a", 0)
		second := newEvent(t, "1-0", "a", 0)
		second.Stream = "audit"
		require.NoError(t, events.Insert(ctx, first))
		require.NoError(t, events.Insert(ctx, second))
	})

	t.Run("list newest first with filters", func(t *testing.T) {
		events := newStore(t).Events()
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			typ := "a"
			if i%2 == 1 {
				typ = "b"
			}
			require.NoError(t, events.Insert(ctx, newEvent(t, fmt.Sprintf("%d-0", i), typ, time.Duration(i)*time.Minute)))
		}

		all, err := events.List(ctx, storage.EventFilter{})
		require.NoError(t, err)
		require.Len(t, all, 6)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].ReceivedAt.After(all[i].ReceivedAt), "not sorted newest first")
		}
		assert.Equal(t, "5-0", all[0].MessageID)

		onlyB, err := events.List(ctx, storage.EventFilter{Type: "b"})
		require.NoError(t, err)
		require.Len(t, onlyB, 3)
		for _, ev := range onlyB {
			assert.Equal(t, "b", ev.Type)
		}

		limited, err := events.List(ctx, storage.EventFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "5-0", limited[0].MessageID)
		assert.Equal(t, "4-0", limited[1].MessageID)

		before, err := events.List(ctx, storage.EventFilter{Before: base.Add(3 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, before, 3)
		assert.Equal(t, "2-0", before[0].MessageID)
	})

	t.Run("list invalid limit", func(t *testing.T) {
		events := newStore(t).Events()

		_, err := events.List(context.Background(), storage.EventFilter{Limit: storage.MaxListLimit + 1})
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	})

	t.Run("count", func(t *testing.T) {
		events := newStore(t).Events()
		ctx := context.Background()

		count, err := events.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		require.NoError(t, events.Insert(ctx, newEvent(t, "1-0", "a", 0)))
		require.NoError(t, events.Insert(ctx, newEvent(t, "2-0", "a", 0)))

		count, err = events.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
