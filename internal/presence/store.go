// Package presence tracks online users, per-connection sessions and active
// conversation membership in Redis, and carries room fan-out over pub/sub.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"relay/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	user:{id}            hash  status -> online|offline
//	user:{id}:sessions   hash  conn_id -> {"active_room":"<conversation id>"}
//	online_users         set   user ids
//	room:{id}            hash  last_active -> unix seconds
//	room:{id}:active_users set user ids currently focused on the room
//	pending_updates      hash  conversation id -> latest message id, drained by the flusher
const (
	onlineUsersKey    = "online_users"
	pendingUpdatesKey = "pending_updates"
)

func userKey(userID uuid.UUID) string     { return "user:" + userID.String() }
func sessionsKey(userID uuid.UUID) string { return "user:" + userID.String() + ":sessions" }
func roomKey(conversationID int32) string { return fmt.Sprintf("room:%d", conversationID) }
func roomActiveKey(conversationID int32) string {
	return fmt.Sprintf("room:%d:active_users", conversationID)
}

// RoomChannel returns the pub/sub channel name carrying a conversation's fan-out.
func RoomChannel(conversationID int32) string {
	return fmt.Sprintf("room:%d", conversationID)
}

// SessionMeta is the per-connection state stored in the sessions hash.
// ActiveRoom is empty while the connection is not focused on any conversation.
type SessionMeta struct {
	ActiveRoom string `json:"active_room"`
}

// Store wraps the Redis presence schema.
type Store struct {
	rdb    *redis.Client
	logger *observability.Logger
}

// NewStore returns a presence store over the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, logger: observability.GlobalLogger}
}

// Connect registers a new connection for the user and marks them online.
func (s *Store) Connect(ctx context.Context, userID uuid.UUID, connID string) error {
	meta, err := json.Marshal(SessionMeta{})
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, userKey(userID), "status", "online")
	pipe.HSet(ctx, sessionsKey(userID), connID, string(meta))
	pipe.SAdd(ctx, onlineUsersKey, userID.String())
	_, err = pipe.Exec(ctx)
	return err
}

// Disconnect removes one connection. When it was the user's last session the
// user goes offline; the connection's active room membership is released first.
// Calling it twice for the same connection is harmless.
func (s *Store) Disconnect(ctx context.Context, userID uuid.UUID, connID string) error {
	meta, err := s.sessionMeta(ctx, userID, connID)
	if err == nil && meta.ActiveRoom != "" {
		if convID, convErr := strconv.ParseInt(meta.ActiveRoom, 10, 32); convErr == nil {
			if leaveErr := s.LeaveRoom(ctx, userID, connID, int32(convID)); leaveErr != nil {
				s.logger.Warn("presence: failed to release active room on disconnect",
					"user_id", userID.String(), "conn_id", connID, "error", leaveErr.Error())
			}
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, sessionsKey(userID), connID)
	pipe.SRem(ctx, onlineUsersKey, userID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	// Status flips to offline only once every session is gone; the hash is
	// the authoritative online signal, the set is advisory.
	remaining, err := s.rdb.HLen(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.rdb.HSet(ctx, userKey(userID), "status", "offline").Err()
	}
	return nil
}

// Status returns the user's presence status ("online" or "offline").
func (s *Store) Status(ctx context.Context, userID uuid.UUID) (string, error) {
	status, err := s.rdb.HGet(ctx, userKey(userID), "status").Result()
	if err == redis.Nil {
		return "offline", nil
	}
	return status, err
}

// JoinRoom focuses a connection on a conversation. Any previously focused
// conversation is left first, so a connection is active in at most one room.
func (s *Store) JoinRoom(ctx context.Context, userID uuid.UUID, connID string, conversationID int32) error {
	meta, err := s.sessionMeta(ctx, userID, connID)
	if err == nil && meta.ActiveRoom != "" && meta.ActiveRoom != strconv.FormatInt(int64(conversationID), 10) {
		if prev, convErr := strconv.ParseInt(meta.ActiveRoom, 10, 32); convErr == nil {
			if leaveErr := s.LeaveRoom(ctx, userID, connID, int32(prev)); leaveErr != nil {
				return leaveErr
			}
		}
	}

	newMeta, err := json.Marshal(SessionMeta{ActiveRoom: strconv.FormatInt(int64(conversationID), 10)})
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sessionsKey(userID), connID, string(newMeta))
	pipe.SAdd(ctx, roomActiveKey(conversationID), userID.String())
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	return s.TouchRoom(ctx, conversationID)
}

// LeaveRoom clears a connection's focus on a conversation. The user stays in
// the room's active set while another of their connections is still focused
// on it.
func (s *Store) LeaveRoom(ctx context.Context, userID uuid.UUID, connID string, conversationID int32) error {
	meta, err := json.Marshal(SessionMeta{})
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, sessionsKey(userID), connID, string(meta)).Err(); err != nil {
		return err
	}

	stillActive, err := s.userActiveElsewhere(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !stillActive {
		return s.rdb.SRem(ctx, roomActiveKey(conversationID), userID.String()).Err()
	}
	return nil
}

// ActiveRoom returns the conversation a connection is focused on. ok is
// false when the session is missing or not focused anywhere.
func (s *Store) ActiveRoom(ctx context.Context, userID uuid.UUID, connID string) (int32, bool, error) {
	meta, err := s.sessionMeta(ctx, userID, connID)
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if meta.ActiveRoom == "" {
		return 0, false, nil
	}
	convID, err := strconv.ParseInt(meta.ActiveRoom, 10, 32)
	if err != nil {
		return 0, false, err
	}
	return int32(convID), true, nil
}

// SessionsInRoom returns the user's connection ids currently focused on the
// conversation.
func (s *Store) SessionsInRoom(ctx context.Context, userID uuid.UUID, conversationID int32) ([]string, error) {
	sessions, err := s.rdb.HGetAll(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	want := strconv.FormatInt(int64(conversationID), 10)
	var conns []string
	for connID, raw := range sessions {
		var meta SessionMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		if meta.ActiveRoom == want {
			conns = append(conns, connID)
		}
	}
	return conns, nil
}

// IsUserActive reports whether the user currently has the conversation open.
func (s *Store) IsUserActive(ctx context.Context, conversationID int32, userID uuid.UUID) (bool, error) {
	return s.rdb.SIsMember(ctx, roomActiveKey(conversationID), userID.String()).Result()
}

// ActiveUsers returns the ids of users focused on the conversation.
func (s *Store) ActiveUsers(ctx context.Context, conversationID int32) ([]string, error) {
	return s.rdb.SMembers(ctx, roomActiveKey(conversationID)).Result()
}

// IsOnline reports whether the user has at least one live connection.
func (s *Store) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.rdb.SIsMember(ctx, onlineUsersKey, userID.String()).Result()
}

// OnlineUsers returns the ids of all users with at least one live connection.
func (s *Store) OnlineUsers(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, onlineUsersKey).Result()
}

// TouchRoom stamps the room's last-active timestamp.
func (s *Store) TouchRoom(ctx context.Context, conversationID int32) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return s.rdb.HSet(ctx, roomKey(conversationID), "last_active", now).Err()
}

// CacheLatestMessage records the newest persisted message for a conversation.
// The flusher batches these into the conversations table later.
func (s *Store) CacheLatestMessage(ctx context.Context, conversationID int32, messageID int64) error {
	return s.rdb.HSet(ctx, pendingUpdatesKey,
		strconv.FormatInt(int64(conversationID), 10), messageID).Err()
}

// DrainPendingUpdates atomically reads and clears the pending latest-message
// hash, returning conversation id -> message id.
func (s *Store) DrainPendingUpdates(ctx context.Context) (map[string]string, error) {
	pipe := s.rdb.TxPipeline()
	getAll := pipe.HGetAll(ctx, pendingUpdatesKey)
	pipe.Del(ctx, pendingUpdatesKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return getAll.Val(), nil
}

// Publish sends a payload on the conversation's fan-out channel.
func (s *Store) Publish(ctx context.Context, conversationID int32, payload []byte) error {
	return s.rdb.Publish(ctx, RoomChannel(conversationID), payload).Err()
}

// Subscribe opens a pub/sub subscription on the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

func (s *Store) sessionMeta(ctx context.Context, userID uuid.UUID, connID string) (SessionMeta, error) {
	var meta SessionMeta
	raw, err := s.rdb.HGet(ctx, sessionsKey(userID), connID).Result()
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal([]byte(raw), &meta)
	return meta, err
}

// userActiveElsewhere reports whether any other session of the user is still
// focused on the conversation.
func (s *Store) userActiveElsewhere(ctx context.Context, userID uuid.UUID, conversationID int32) (bool, error) {
	sessions, err := s.rdb.HGetAll(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return false, err
	}
	want := strconv.FormatInt(int64(conversationID), 10)
	for _, raw := range sessions {
		var meta SessionMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		if meta.ActiveRoom == want {
			return true, nil
		}
	}
	return false, nil
}
