package server

import (
	"context"

	"relay/internal/chat"
	"relay/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// registerWebSocket mounts the chat endpoint. The upgrade is authenticated
// by the WS auth middleware; the session then drives the chat router.
func (s *Server) registerWebSocket(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", middleware.WebSocketAuthRequired, websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals(middleware.UserIDLocal).(uuid.UUID)
		if !ok {
			_ = conn.Close()
			return
		}
		session := chat.NewSession(conn, userID, s.handle)
		session.Run(context.Background())
	}))
}
