package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuth guards operator endpoints (manual review, wire matching) with a shared bearer
// token. token may be the plain secret or its bcrypt hash. An empty token disables the check,
// which only development configs allow.
func OperatorAuth(token string) fiber.Handler {
	hashed := strings.HasPrefix(token, "$2a$") || strings.HasPrefix(token, "$2b$") || strings.HasPrefix(token, "$2y$")
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		presented := strings.TrimSpace(authz[len("Bearer "):])
		if !operatorTokenMatches(token, presented, hashed) {
			return fiber.NewError(http.StatusUnauthorized, "invalid operator token")
		}
		c.Locals("operator", true)
		return c.Next()
	}
}

func operatorTokenMatches(token, presented string, hashed bool) bool {
	if presented == "" {
		return false
	}
	if hashed {
		return bcrypt.CompareHashAndPassword([]byte(token), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
