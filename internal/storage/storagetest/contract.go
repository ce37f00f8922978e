// Package storagetest holds the behaviour every storage.Gateway must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/storage"
)

// Run exercises gw against the gateway contract. newGateway must return a
// fresh, empty gateway for every call.
func Run(t *testing.T, newGateway func(t *testing.T) storage.Gateway) {
	t.Helper()

	t.Run("EmptyHistoryIsNotAnError", func(t *testing.T) {
		gw := newGateway(t)
		history, err := gw.LoadHistory(context.Background(), "nobody")
		require.NoError(t, err)
		require.Empty(t, history)
	})

	t.Run("MissingUserIsUnauthenticated", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		_, err := gw.LoadHistory(ctx, "")
		require.ErrorIs(t, err, storage.ErrUnauthenticated)
		require.ErrorIs(t, gw.Append(ctx, " ", chat.Message{Role: chat.RoleUser}), storage.ErrUnauthenticated)
		require.ErrorIs(t, gw.ClearAll(ctx, ""), storage.ErrUnauthenticated)
	})

	t.Run("HistoryIsOrderedByCreatedAt", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

		input := []chat.Message{
			{ID: "m2", Role: chat.RoleAssistant, Content: "hello!", CreatedAt: at.Add(2 * time.Second)},
			{ID: "m1", Role: chat.RoleUser, Content: "hi", CreatedAt: at.Add(time.Second)},
			{ID: "m3", Role: chat.RoleUser, Content: "same instant", CreatedAt: at.Add(2 * time.Second)},
		}
		for _, msg := range input {
			require.NoError(t, gw.Append(ctx, "alice", msg))
		}

		history, err := gw.LoadHistory(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, history, 3)
		require.Equal(t, []string{"m1", "m2", "m3"}, []string{history[0].ID, history[1].ID, history[2].ID})
		require.Equal(t, chat.RoleUser, history[0].Role)
		require.Equal(t, "hello!", history[1].Content)
		require.True(t, history[0].CreatedAt.Equal(at.Add(time.Second)))
	})

	t.Run("AppendAssignsMissingFields", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		require.NoError(t, gw.Append(ctx, "bob", chat.Message{Role: chat.RoleUser, Content: "no id"}))
		history, err := gw.LoadHistory(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.NotEmpty(t, history[0].ID)
		require.False(t, history[0].CreatedAt.IsZero())
	})

	t.Run("RejectsUnsupportedRole", func(t *testing.T) {
		gw := newGateway(t)
		err := gw.Append(context.Background(), "bob", chat.Message{Role: chat.RoleSystem, Content: "nope"})
		require.ErrorIs(t, err, storage.ErrInvalidMessage)
	})

	t.Run("DuplicateIDIsRejected", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		msg := chat.Message{ID: "dup", Role: chat.RoleUser, Content: "first"}

		require.NoError(t, gw.Append(ctx, "dave", msg))

		again := msg
		again.Content = "second"
		require.ErrorIs(t, gw.Append(ctx, "dave", again), storage.ErrDuplicateMessage)
		require.ErrorIs(t, gw.Append(ctx, "erin", again), storage.ErrDuplicateMessage)

		history, err := gw.LoadHistory(ctx, "dave")
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, "first", history[0].Content)

		// Clearing frees the id.
		require.NoError(t, gw.ClearAll(ctx, "dave"))
		require.NoError(t, gw.Append(ctx, "dave", again))
	})

	t.Run("ClearAllIsScopedToUser", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		require.NoError(t, gw.Append(ctx, "alice", chat.Message{ID: "a", Role: chat.RoleUser, Content: "mine"}))
		require.NoError(t, gw.Append(ctx, "alice:2", chat.Message{ID: "b", Role: chat.RoleUser, Content: "lookalike"}))
		require.NoError(t, gw.Append(ctx, "carol", chat.Message{ID: "c", Role: chat.RoleUser, Content: "theirs"}))

		require.NoError(t, gw.ClearAll(ctx, "alice"))

		history, err := gw.LoadHistory(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, history)

		other, err := gw.LoadHistory(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, other, 1)

		lookalike, err := gw.LoadHistory(ctx, "alice:2")
		require.NoError(t, err)
		require.Len(t, lookalike, 1)
	})
}
