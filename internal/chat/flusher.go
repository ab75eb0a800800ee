package chat

import (
	"context"
	"strconv"
	"time"

	"relay/internal/observability"
	"relay/internal/presence"
	"relay/internal/repository"
)

const (
	flushInterval = 20 * time.Second
	flushIdleWait = 60 * time.Second
)

// Flusher batches the pending latest-message pointers from the presence
// store into the conversations table. The pointer is advisory, so it only
// needs eventual consistency; batching keeps the write off the chat hot path.
type Flusher struct {
	presence *presence.Store
	chats    repository.ChatRepository
	logger   *observability.Logger
}

// NewFlusher returns a flusher over the presence store and chat repository.
func NewFlusher(store *presence.Store, chats repository.ChatRepository) *Flusher {
	return &Flusher{
		presence: store,
		chats:    chats,
		logger:   observability.GlobalLogger,
	}
}

// Run flushes every 20s until ctx is cancelled, backing off to 60s after an
// empty drain.
func (f *Flusher) Run(ctx context.Context) {
	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			flushed, err := f.FlushOnce(ctx)
			switch {
			case err != nil:
				f.logger.ErrorContext(ctx, "latest-message flush failed", "error", err.Error())
				timer.Reset(flushInterval)
			case flushed == 0:
				timer.Reset(flushIdleWait)
			default:
				timer.Reset(flushInterval)
			}
		}
	}
}

// FlushOnce drains the pending hash atomically and applies each entry,
// returning how many conversations were updated.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	pending, err := f.presence.DrainPendingUpdates(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	flushed := 0
	for rawConv, rawMsg := range pending {
		conversationID, err := strconv.ParseInt(rawConv, 10, 32)
		if err != nil {
			f.logger.WarnContext(ctx, "skipping malformed pending update",
				"conversation_id", rawConv, "message_id", rawMsg)
			continue
		}
		messageID, err := strconv.ParseInt(rawMsg, 10, 64)
		if err != nil {
			f.logger.WarnContext(ctx, "skipping malformed pending update",
				"conversation_id", rawConv, "message_id", rawMsg)
			continue
		}
		if err := f.chats.UpdateLatestMessage(ctx, int32(conversationID), messageID); err != nil {
			f.logger.ErrorContext(ctx, "latest-message update failed",
				"conversation_id", rawConv, "message_id", rawMsg, "error", err.Error())
			continue
		}
		flushed++
	}

	observability.PresenceFlushEntries.Add(float64(flushed))
	return flushed, nil
}
