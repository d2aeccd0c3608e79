package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Token roles. Patients record their own doses; caretakers additionally
// manage patients and medications.
const (
	RolePatient   = "patient"
	RoleCaretaker = "caretaker"
)

func validRole(role string) bool {
	return role == RolePatient || role == RoleCaretaker
}

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenString := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.config.Security.JWTSecret), nil
		})

		if err != nil || !token.Valid {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		role, _ := claims["role"].(string)
		if !validRole(role) {
			return c.Status(401).JSON(fiber.Map{"error": "unknown role"})
		}

		subject, _ := claims["sub"].(string)
		c.Locals("subject", subject)
		c.Locals("role", role)

		return c.Next()
	}
}
