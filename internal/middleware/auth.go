// Package middleware provides the Fiber middleware of the forum API.
package middleware

import (
	"strings"

	"forum/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// LocalUID is the Fiber locals key holding the authenticated uid.
const LocalUID = "uid"

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// AuthRequired enforces a bearer token issued by the identity provider. The
// token subject is the user's uid.
func AuthRequired(c *fiber.Ctx) error {
	uid, msg := authenticate(c)
	if msg != "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": msg,
		})
	}
	c.Locals(LocalUID, uid)
	return c.Next()
}

// AuthOptional records the uid when a valid token is present and lets
// anonymous requests through.
func AuthOptional(c *fiber.Ctx) error {
	if c.Get("Authorization") == "" {
		return c.Next()
	}
	uid, msg := authenticate(c)
	if msg != "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": msg,
		})
	}
	c.Locals(LocalUID, uid)
	return c.Next()
}

// UID returns the authenticated uid, or "" for anonymous requests.
func UID(c *fiber.Ctx) string {
	uid, _ := c.Locals(LocalUID).(string)
	return uid
}

func authenticate(c *fiber.Ctx) (string, string) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", "Authorization header required"
	}

	// Extract token from "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "Invalid authorization header format"
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", "Invalid or expired token"
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "Invalid token claims"
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", "Invalid token structure - missing subject"
	}
	return sub, ""
}
