// Package chat is the realtime router: it terminates WebSocket sessions,
// tracks presence, fans conversation traffic out across instances over Redis
// pub/sub, persists messages and pushes to offline participants.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client events and reply statuses of the WebSocket wire protocol.
const (
	EventConnect = "connect"
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
	EventError   = "error"

	StatusConnected = "connected"
	StatusJoined    = "joined"
	StatusLeft      = "left"
	StatusSent      = "sent"
	StatusError     = "error"
)

// Frame is an inbound client frame.
type Frame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Response is an outbound server frame.
type Response struct {
	ID     string      `json:"id"`
	Event  string      `json:"event"`
	Data   interface{} `json:"data"`
	Status string      `json:"status"`
}

// JoinData is the payload of a join frame.
type JoinData struct {
	ConversationID int32 `json:"conversation_id"`
}

// MessageData is the payload of a message frame. Content is kept raw; its
// shape depends on Type.
type MessageData struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// TextContent is the content of a "message" kind frame.
type TextContent struct {
	Message string `json:"message"`
}

// MediaItem describes one already-uploaded attachment in a "media" frame.
type MediaItem struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Envelope is the payload broadcast on the room channel and forwarded
// verbatim to receiving sessions. Timestamps are ISO-8601 UTC.
type Envelope struct {
	SenderID  string      `json:"sender_id"`
	Type      string      `json:"type"`
	Message   string      `json:"message,omitempty"`
	Media     []MediaItem `json:"media,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func newTextEnvelope(senderID uuid.UUID, message string, at time.Time) Envelope {
	return Envelope{
		SenderID:  senderID.String(),
		Type:      "message",
		Message:   message,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

func newMediaEnvelope(senderID uuid.UUID, media []MediaItem, at time.Time) Envelope {
	return Envelope{
		SenderID:  senderID.String(),
		Type:      "media",
		Media:     media,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// ParseTextContent validates the content of a text message frame.
func ParseTextContent(raw json.RawMessage) (TextContent, error) {
	var content TextContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return content, fmt.Errorf("invalid message content: %w", err)
	}
	if content.Message == "" {
		return content, errors.New("message content must not be empty")
	}
	return content, nil
}

// ParseMediaContent validates the content of a media frame. Every item needs
// a url, a positive size and a type.
func ParseMediaContent(raw json.RawMessage) ([]MediaItem, error) {
	var media []MediaItem
	if err := json.Unmarshal(raw, &media); err != nil {
		return nil, fmt.Errorf("invalid media content: %w", err)
	}
	if len(media) == 0 {
		return nil, errors.New("media content must not be empty")
	}
	for _, item := range media {
		if item.URL == "" || item.Size <= 0 || item.Type == "" {
			return nil, errors.New("media items require url, size and type")
		}
	}
	return media, nil
}

// JoinError is returned when a join is rejected or fails.
type JoinError struct {
	Reason string
}

func (e *JoinError) Error() string { return "join failed: " + e.Reason }

// LeaveError is returned when a leave cannot be applied.
type LeaveError struct {
	Reason string
}

func (e *LeaveError) Error() string { return "leave failed: " + e.Reason }

// MessageError is returned when a message cannot be accepted or published.
type MessageError struct {
	Reason string
}

func (e *MessageError) Error() string { return "message failed: " + e.Reason }
