package chat

import (
	"context"
	"encoding/json"
	"time"

	"relay/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// heartbeatInterval is the server ping cadence.
	heartbeatInterval = 5 * time.Second
	// clientTimeout closes the connection when no client frame arrives in time.
	clientTimeout = 10 * time.Second
	// maxFrameSize caps an inbound message at 128 KiB. The read limit
	// applies to the assembled message, so fragmented messages share the
	// same cap as single frames.
	maxFrameSize = 128 << 10

	writeWait = 10 * time.Second
)

// Session drives one WebSocket connection: a read loop translating client
// frames into router commands, and a write pump that owns all socket writes
// (room traffic, command replies and heartbeat pings).
type Session struct {
	conn   *websocket.Conn
	userID uuid.UUID
	router Handle
	connID string

	// send carries room fan-out payloads; replies carries frames produced
	// by this session's own commands.
	send    chan []byte
	replies chan Response

	logger *observability.WSLogger
}

// NewSession wraps an upgraded connection for the given user.
func NewSession(conn *websocket.Conn, userID uuid.UUID, router Handle) *Session {
	return &Session{
		conn:    conn,
		userID:  userID,
		router:  router,
		send:    make(chan []byte, sendBuffer),
		replies: make(chan Response, 16),
		logger:  observability.NewWSLogger("chat"),
	}
}

// Run registers the session with the router and blocks until the connection
// ends. Client close, stream error and heartbeat timeout all funnel into the
// same teardown: disconnect from the router, then close the socket.
func (s *Session) Run(ctx context.Context) {
	connID, err := s.router.Connect(ctx, s.userID, s.send)
	if err != nil {
		frame, _ := json.Marshal(errorResponse("", err))
		_ = s.conn.WriteMessage(websocket.TextMessage, frame)
		_ = s.conn.Close()
		return
	}
	s.connID = connID

	done := make(chan struct{})
	go s.writePump(done)

	s.reply(Response{
		Event:  EventConnect,
		Data:   map[string]string{"connection_id": connID},
		Status: StatusConnected,
	})

	s.readLoop(ctx)

	s.router.Disconnect(context.WithoutCancel(ctx), s.userID, connID)
	close(done)
	_ = s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
	})
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.LogError(ctx, s.userID, s.connID, err, "read")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
		s.handleFrame(ctx, raw)
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.reply(errorResponse("", err))
		return
	}
	s.logger.LogMessage(ctx, s.userID, frame.Event)

	switch frame.Event {
	case EventJoin:
		var data JoinData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			s.reply(errorResponse(frame.ID, err))
			return
		}
		if err := s.router.Join(ctx, s.userID, s.connID, data.ConversationID); err != nil {
			s.reply(errorResponse(frame.ID, err))
			return
		}
		s.reply(Response{
			ID:     frame.ID,
			Event:  EventJoin,
			Data:   JoinData{ConversationID: data.ConversationID},
			Status: StatusJoined,
		})
	case EventLeave:
		if err := s.router.Leave(ctx, s.userID, s.connID); err != nil {
			s.reply(errorResponse(frame.ID, err))
			return
		}
		s.reply(Response{ID: frame.ID, Event: EventLeave, Data: struct{}{}, Status: StatusLeft})
	case EventMessage:
		var data MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			s.reply(errorResponse(frame.ID, err))
			return
		}
		if err := s.router.SendMessage(ctx, s.userID, s.connID, data); err != nil {
			s.reply(errorResponse(frame.ID, err))
			return
		}
		s.reply(Response{ID: frame.ID, Event: EventMessage, Data: struct{}{}, Status: StatusSent})
	default:
		s.reply(errorResponse(frame.ID, &MessageError{Reason: "unknown event: " + frame.Event}))
	}
}

// writePump owns every socket write. It forwards room payloads wrapped as
// message frames, writes command replies and keeps the heartbeat going.
func (s *Session) writePump(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case payload := <-s.send:
			frame := Response{
				Event:  EventMessage,
				Data:   json.RawMessage(payload),
				Status: StatusSent,
			}
			if err := s.writeJSON(frame); err != nil {
				return
			}
		case resp := <-s.replies:
			if err := s.writeJSON(resp); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeJSON(resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// reply enqueues a frame for the write pump, dropping it when the pump has
// fallen too far behind.
func (s *Session) reply(resp Response) {
	select {
	case s.replies <- resp:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("chat", "reply_buffer_full").Inc()
	}
}

func errorResponse(id string, err error) Response {
	return Response{
		ID:     id,
		Event:  EventError,
		Data:   map[string]string{"message": err.Error()},
		Status: StatusError,
	}
}
