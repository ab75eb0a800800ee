// Package middleware provides authentication, rate limiting and request
// instrumentation for the HTTP surface.
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserIDLocal is the fiber.Ctx local holding the authenticated user id.
const UserIDLocal = "userID"

var jwtSecret []byte

// InitMiddleware sets the JWT secret used to verify bearer tokens.
func InitMiddleware(secret string) {
	jwtSecret = []byte(secret)
}

// AuthRequired enforces a valid bearer token and stores the user id
// (the "sub" claim, a UUID) in the request locals.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return unauthorized(c, "Authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return unauthorized(c, "Invalid authorization header format")
	}

	return authenticate(c, parts[1])
}

// WebSocketAuthRequired validates the token from the `token` query parameter,
// falling back to the Authorization header. Browsers cannot set headers on
// WebSocket upgrades, hence the query fallback.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Token required")
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}
		token = parts[1]
	}
	return authenticate(c, token)
}

// UserID returns the authenticated user id stored by the auth middleware.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(UserIDLocal).(uuid.UUID)
	return id, ok
}

func authenticate(c *fiber.Ctx, tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return unauthorized(c, "Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return unauthorized(c, "Invalid token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return unauthorized(c, "Invalid token structure - missing subject")
	}

	userID, err := uuid.Parse(sub)
	if err != nil {
		return unauthorized(c, "Invalid user ID in token")
	}

	c.Locals(UserIDLocal, userID)
	return c.Next()
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": message,
	})
}
