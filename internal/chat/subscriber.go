package chat

import (
	"context"
	"sync"

	"relay/internal/observability"
	"relay/internal/presence"

	"github.com/google/uuid"
)

// subscriptions tracks the room channels this process is subscribed to.
// At most one subscriber goroutine exists per channel; entries hold a
// close-once stop signal.
type subscriptions struct {
	router *Router

	mu       sync.Mutex
	channels map[int32]chan struct{}
}

func newSubscriptions(router *Router) *subscriptions {
	return &subscriptions{
		router:   router,
		channels: make(map[int32]chan struct{}),
	}
}

// ensure starts a subscriber for the conversation unless one already runs.
func (s *subscriptions) ensure(conversationID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[conversationID]; ok {
		return
	}
	stop := make(chan struct{})
	s.channels[conversationID] = stop
	go s.run(conversationID, stop)
}

// drop signals the conversation's subscriber to tear down.
func (s *subscriptions) drop(conversationID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.channels[conversationID]; ok {
		close(stop)
		delete(s.channels, conversationID)
	}
}

// closeAll tears down every subscriber, used on router shutdown.
func (s *subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conversationID, stop := range s.channels {
		close(stop)
		delete(s.channels, conversationID)
	}
}

// remove clears the map entry without signalling, used when a subscriber
// exits on its own (stream end).
func (s *subscriptions) remove(conversationID int32, stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.channels[conversationID]; ok && current == stop {
		delete(s.channels, conversationID)
	}
}

// run owns one pub/sub handle and fans inbound room traffic out to local
// sessions focused on the conversation. A future join re-creates it after
// a fatal stream error.
func (s *subscriptions) run(conversationID int32, stop chan struct{}) {
	ctx := context.Background()
	sub := s.router.presence.Subscribe(ctx, presence.RoomChannel(conversationID))
	defer sub.Close()
	defer s.remove(conversationID, stop)

	messages := sub.Channel()
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.fanOut(ctx, conversationID, []byte(msg.Payload))
		}
	}
}

// fanOut resolves the room's active users, then each user's sessions focused
// on the room, and enqueues the payload for the locally held ones. Remote
// sessions are served by their own process's subscriber.
func (s *subscriptions) fanOut(ctx context.Context, conversationID int32, payload []byte) {
	users, err := s.router.presence.ActiveUsers(ctx, conversationID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "room_fan_out", err, map[string]interface{}{
			"conversation_id": conversationID,
		})
		return
	}

	for _, raw := range users {
		userID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		conns, err := s.router.presence.SessionsInRoom(ctx, userID, conversationID)
		if err != nil {
			observability.LogAsyncOperationError(ctx, "room_fan_out", err, map[string]interface{}{
				"conversation_id": conversationID,
				"user_id":         raw,
			})
			continue
		}
		for _, connID := range conns {
			s.router.deliver(connID, payload)
		}
	}
}
