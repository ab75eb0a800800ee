package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"relay/internal/models"
	"relay/internal/observability"
	"relay/internal/presence"
	"relay/internal/repository"

	"github.com/google/uuid"
)

// NotificationClient is the notification service surface the router needs
// for offline push fan-out. Satisfied by notifyrpc.Client.
type NotificationClient interface {
	GetUserDeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	SendPushNotification(ctx context.Context, msg models.PushMessage) error
}

// sendBuffer is the per-session outbound queue depth. Payloads beyond it are
// dropped rather than stalling the fan-out path.
const sendBuffer = 256

type localSession struct {
	userID uuid.UUID
	sink   chan []byte
}

// Router arbitrates chat commands for all sessions of this process. Commands
// arrive on a channel drained by Run; the session table and the
// subscribed-channel map are the only shared state, guarded by locks held
// only across map operations.
type Router struct {
	presence *presence.Store
	chats    repository.ChatRepository
	messages repository.MessageRepository
	notify   NotificationClient

	logger  *observability.WSLogger
	traces  *observability.TraceLayer
	metrics *observability.WebSocketRoomMetrics

	mu       sync.RWMutex
	sessions map[string]*localSession

	subs *subscriptions
	cmds chan command
}

// NewRouter wires a router over the presence store, persistence and the
// notification client. notify may be nil when offline push is disabled.
func NewRouter(store *presence.Store, chats repository.ChatRepository, messages repository.MessageRepository, notify NotificationClient) *Router {
	r := &Router{
		presence: store,
		chats:    chats,
		messages: messages,
		notify:   notify,
		logger:   observability.NewWSLogger("chat"),
		traces:   observability.GetTraceLayer(),
		metrics:  observability.NewWebSocketRoomMetrics(),
		sessions: make(map[string]*localSession),
		cmds:     make(chan command),
	}
	r.subs = newSubscriptions(r)
	return r
}

// Run drains the command channel until ctx is cancelled. Commands execute
// sequentially; slow side effects (persistence, offline push) are spawned
// off the command path.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.subs.closeAll()
			return
		case cmd := <-r.cmds:
			cmd.run(ctx, r)
		}
	}
}

// Handle returns a cloneable sender for submitting commands to the router.
func (r *Router) Handle() Handle {
	return Handle{cmds: r.cmds}
}

func (r *Router) connect(ctx context.Context, userID uuid.UUID, sink chan []byte) (string, error) {
	connID := uuid.NewString()
	if err := r.presence.Connect(ctx, userID, connID); err != nil {
		return "", errors.New("presence store unavailable")
	}

	r.mu.Lock()
	r.sessions[connID] = &localSession{userID: userID, sink: sink}
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	r.metrics.RecordWebSocketEvent(EventConnect)
	r.logger.LogConnect(ctx, userID, connID)
	return connID, nil
}

func (r *Router) disconnect(ctx context.Context, userID uuid.UUID, connID string) {
	room, focused, roomErr := r.presence.ActiveRoom(ctx, userID, connID)

	if err := r.presence.Disconnect(ctx, userID, connID); err != nil {
		r.logger.LogError(ctx, userID, connID, err, "disconnect")
	}

	r.mu.Lock()
	_, existed := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()

	if existed {
		observability.WebSocketConnectionsTotal.Dec()
		r.logger.LogDisconnect(ctx, userID, connID, "session closed")
	}
	if roomErr == nil && focused {
		r.metrics.DecrementRoom(formatConversationID(room))
		r.releaseSubscriptionIfIdle(ctx, room)
	}
}

func (r *Router) join(ctx context.Context, userID uuid.UUID, connID string, conversationID int32) error {
	ctx, span := r.traces.TraceWebSocket(ctx, "chat", EventJoin)
	defer span.End()

	conv, err := r.chats.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &JoinError{Reason: "conversation not found"}
		}
		return &JoinError{Reason: "could not resolve conversation"}
	}

	member, err := r.chats.IsMember(ctx, conversationID, userID)
	if err != nil {
		return &JoinError{Reason: "could not verify membership"}
	}
	if !member {
		if conv.IsPrivate {
			return &JoinError{Reason: "not allowed"}
		}
		if err := r.chats.AddMember(ctx, conversationID, userID); err != nil {
			return &JoinError{Reason: "could not add membership"}
		}
	}

	prevRoom, hadRoom, _ := r.presence.ActiveRoom(ctx, userID, connID)

	if err := r.presence.JoinRoom(ctx, userID, connID, conversationID); err != nil {
		return &JoinError{Reason: "presence store unavailable"}
	}

	r.subs.ensure(conversationID)
	r.metrics.IncrementRoom(formatConversationID(conversationID))
	r.metrics.RecordWebSocketEvent(EventJoin)
	if hadRoom && prevRoom != conversationID {
		r.metrics.DecrementRoom(formatConversationID(prevRoom))
		r.releaseSubscriptionIfIdle(ctx, prevRoom)
	}
	return nil
}

func (r *Router) leave(ctx context.Context, userID uuid.UUID, connID string) error {
	room, focused, err := r.presence.ActiveRoom(ctx, userID, connID)
	if err != nil {
		return &LeaveError{Reason: "presence store unavailable"}
	}
	if !focused {
		return &LeaveError{Reason: "no active room"}
	}

	if err := r.presence.LeaveRoom(ctx, userID, connID, room); err != nil {
		return &LeaveError{Reason: "presence store unavailable"}
	}

	r.metrics.DecrementRoom(formatConversationID(room))
	r.metrics.RecordWebSocketEvent(EventLeave)
	r.releaseSubscriptionIfIdle(ctx, room)
	return nil
}

func (r *Router) sendMessage(ctx context.Context, userID uuid.UUID, connID string, data MessageData) error {
	room, focused, err := r.presence.ActiveRoom(ctx, userID, connID)
	if err != nil {
		return &MessageError{Reason: "presence store unavailable"}
	}
	if !focused {
		return &MessageError{Reason: "no active room, join a conversation first"}
	}

	now := time.Now()
	var envelope Envelope
	switch data.Type {
	case models.MessageKindText:
		content, err := ParseTextContent(data.Content)
		if err != nil {
			return &MessageError{Reason: err.Error()}
		}
		envelope = newTextEnvelope(userID, content.Message, now)
	case models.MessageKindMedia:
		media, err := ParseMediaContent(data.Content)
		if err != nil {
			return &MessageError{Reason: err.Error()}
		}
		envelope = newMediaEnvelope(userID, media, now)
	default:
		return &MessageError{Reason: "unknown message type"}
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return &MessageError{Reason: "could not encode message"}
	}
	if err := r.presence.Publish(ctx, room, payload); err != nil {
		return &MessageError{Reason: "presence store unavailable"}
	}

	r.metrics.RecordMessage(formatConversationID(room), data.Type)

	// Media envelopes were already persisted by the attachment upload path;
	// only text messages take the async persistence and push branch.
	if data.Type == models.MessageKindText {
		go r.persistAndNotify(context.WithoutCancel(ctx), userID, room, envelope.Message, now)
	}
	return nil
}

// persistAndNotify writes the authoritative message row, caches the latest
// message pointer and pushes to participants not active in the room. Runs
// off the hot path; failures here never fail the realtime send.
func (r *Router) persistAndNotify(ctx context.Context, senderID uuid.UUID, conversationID int32, text string, sentAt time.Time) {
	observability.LogAsyncOperationStart(ctx, "persist_and_notify", map[string]interface{}{
		"conversation_id": conversationID,
	})

	offline, err := r.offlineParticipants(ctx, senderID, conversationID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "persist_and_notify", err, nil)
		return
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        &text,
		Type:           models.MessageKindText,
		SentAt:         sentAt,
		IsRead:         len(offline) == 0,
	}
	msgID, err := r.messages.InsertMessage(ctx, msg)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "persist_and_notify", err, nil)
		return
	}

	if err := r.presence.CacheLatestMessage(ctx, conversationID, msgID); err != nil {
		observability.LogAsyncOperationError(ctx, "persist_and_notify", err, map[string]interface{}{
			"stage": "cache_latest_message",
		})
	}

	for _, participant := range offline {
		r.pushToParticipant(ctx, participant, text)
	}

	observability.LogAsyncOperationEnd(ctx, "persist_and_notify", map[string]interface{}{
		"message_id":      msgID,
		"offline_targets": len(offline),
	})
}

// offlineParticipants returns the members of the conversation, other than
// the sender, that are not currently active in the room.
func (r *Router) offlineParticipants(ctx context.Context, senderID uuid.UUID, conversationID int32) ([]uuid.UUID, error) {
	members, err := r.chats.GetMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	activeList, err := r.presence.ActiveUsers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(activeList))
	for _, id := range activeList {
		active[id] = struct{}{}
	}

	var offline []uuid.UUID
	for _, member := range members {
		if member.UserID == senderID {
			continue
		}
		if _, ok := active[member.UserID.String()]; ok {
			continue
		}
		offline = append(offline, member.UserID)
	}
	return offline, nil
}

// pushToParticipant fetches the participant's device tokens and hands a push
// job to the notification service. All errors are logged and swallowed.
func (r *Router) pushToParticipant(ctx context.Context, userID uuid.UUID, text string) {
	if r.notify == nil {
		return
	}
	tokens, err := r.notify.GetUserDeviceTokens(ctx, userID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "offline_push", err, map[string]interface{}{
			"user_id": userID.String(),
		})
		return
	}
	if len(tokens) == 0 {
		return
	}
	err = r.notify.SendPushNotification(ctx, models.PushMessage{
		Recipient: tokens,
		Type:      models.PushTypeToken,
		Title:     "New message",
		Content:   text,
	})
	if err != nil {
		observability.LogAsyncOperationError(ctx, "offline_push", err, map[string]interface{}{
			"user_id": userID.String(),
		})
	}
}

// releaseSubscriptionIfIdle unsubscribes from the room channel once no user
// is active in the room anywhere in the cluster.
func (r *Router) releaseSubscriptionIfIdle(ctx context.Context, conversationID int32) {
	activeUsers, err := r.presence.ActiveUsers(ctx, conversationID)
	if err != nil || len(activeUsers) > 0 {
		return
	}
	r.subs.drop(conversationID)
}

// deliver enqueues a room payload on a local session's send channel. Full
// channels drop the payload instead of blocking the subscriber.
func (r *Router) deliver(connID string, payload []byte) {
	r.mu.RLock()
	session, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case session.sink <- payload:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("chat", "send_buffer_full").Inc()
	}
}

func formatConversationID(conversationID int32) string {
	return strconv.FormatInt(int64(conversationID), 10)
}
