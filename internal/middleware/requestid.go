package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// The settlement request id travels in Idempotency-Key; this one only correlates log lines.
const correlationIDHeader = "X-Correlation-ID"

const correlationIDLocal = "correlation_id"

// CorrelationID ensures each request carries an identifier for tracing and logging, reusing the
// caller's header when present.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(correlationIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(correlationIDHeader, id)
		c.Locals(correlationIDLocal, id)

		return c.Next()
	}
}

// GetCorrelationID returns the identifier assigned by CorrelationID.
func GetCorrelationID(c *fiber.Ctx) string {
	id, _ := c.Locals(correlationIDLocal).(string)
	return id
}
