package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestConnectMarksUserOnline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))

	online, err := store.IsOnline(ctx, userID)
	require.NoError(t, err)
	assert.True(t, online)

	users, err := store.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{userID.String()}, users)
}

func TestDisconnectLastSessionGoesOffline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.Connect(ctx, userID, "conn-2"))

	require.NoError(t, store.Disconnect(ctx, userID, "conn-1"))
	status, err := store.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "online", status, "one session still open")

	require.NoError(t, store.Disconnect(ctx, userID, "conn-2"))
	status, err = store.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "offline", status)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.Disconnect(ctx, userID, "conn-1"))
	require.NoError(t, store.Disconnect(ctx, userID, "conn-1"))

	status, err := store.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "offline", status)
}

func TestJoinRoomTracksActiveUsers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-1", 42))

	active, err := store.IsUserActive(ctx, 42, userID)
	require.NoError(t, err)
	assert.True(t, active)

	users, err := store.ActiveUsers(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{userID.String()}, users)
}

func TestJoinRoomLeavesPreviousRoom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-1", 1))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-1", 2))

	active, err := store.IsUserActive(ctx, 1, userID)
	require.NoError(t, err)
	assert.False(t, active, "connection moved to another room")

	active, err = store.IsUserActive(ctx, 2, userID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestLeaveRoomKeepsUserWhileOtherSessionActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.Connect(ctx, userID, "conn-2"))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-1", 7))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-2", 7))

	require.NoError(t, store.LeaveRoom(ctx, userID, "conn-1", 7))
	active, err := store.IsUserActive(ctx, 7, userID)
	require.NoError(t, err)
	assert.True(t, active, "second session still focused on the room")

	require.NoError(t, store.LeaveRoom(ctx, userID, "conn-2", 7))
	active, err = store.IsUserActive(ctx, 7, userID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDisconnectReleasesActiveRoom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.JoinRoom(ctx, userID, "conn-1", 5))
	require.NoError(t, store.Disconnect(ctx, userID, "conn-1"))

	active, err := store.IsUserActive(ctx, 5, userID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDrainPendingUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, store.Connect(ctx, userID, "conn-1"))
	require.NoError(t, store.CacheLatestMessage(ctx, 11, 101))
	require.NoError(t, store.CacheLatestMessage(ctx, 12, 102))
	require.NoError(t, store.CacheLatestMessage(ctx, 11, 103))

	updates, err := store.DrainPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"11": "103", "12": "102"}, updates)

	// Second drain sees an empty hash.
	updates, err = store.DrainPendingUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestPublishReachesSubscriber(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub := store.Subscribe(ctx, RoomChannel(3))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Publish(ctx, 3, []byte(`{"event":"message"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoomChannel(3), msg.Channel)
	assert.JSONEq(t, `{"event":"message"}`, msg.Payload)
}
