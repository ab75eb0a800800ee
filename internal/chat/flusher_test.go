package chat

import (
	"context"
	"testing"

	"relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushOnceAppliesPendingUpdates(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	flusher := NewFlusher(f.store, f.chats)

	first, err := f.chats.CreateConversation(ctx, "alpha", false)
	require.NoError(t, err)
	second, err := f.chats.CreateConversation(ctx, "beta", false)
	require.NoError(t, err)

	require.NoError(t, f.store.CacheLatestMessage(ctx, first.ID, 101))
	require.NoError(t, f.store.CacheLatestMessage(ctx, second.ID, 202))

	flushed, err := flusher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)

	var got models.Conversation
	require.NoError(t, f.db.First(&got, first.ID).Error)
	require.NotNil(t, got.LatestMessageID)
	assert.EqualValues(t, 101, *got.LatestMessageID)

	require.NoError(t, f.db.First(&got, second.ID).Error)
	require.NotNil(t, got.LatestMessageID)
	assert.EqualValues(t, 202, *got.LatestMessageID)

	// The drain cleared the hash; a second flush is a no-op.
	flushed, err = flusher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestFlushOnceSkipsMalformedEntries(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	flusher := NewFlusher(f.store, f.chats)

	conv, err := f.chats.CreateConversation(ctx, "gamma", false)
	require.NoError(t, err)
	require.NoError(t, f.store.CacheLatestMessage(ctx, conv.ID, 7))
	// A junk entry alongside a valid one must not poison the batch.
	require.NoError(t, f.rdb.HSet(ctx, "pending_updates", "not-a-number", "oops").Err())

	flushed, err := flusher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	var got models.Conversation
	require.NoError(t, f.db.First(&got, conv.ID).Error)
	require.NotNil(t, got.LatestMessageID)
	assert.EqualValues(t, 7, *got.LatestMessageID)
}
