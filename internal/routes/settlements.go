package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/settlement/internal/handler"
)

// SettlementGuards are the middlewares in front of settlement endpoints.
type SettlementGuards struct {
	InFlight  fiber.Handler
	RateLimit fiber.Handler
	Operator  fiber.Handler
}

// RegisterSettlementRoutes wires settlement endpoints.
func RegisterSettlementRoutes(r fiber.Router, h *handler.Settlements, g SettlementGuards) {
	r.Post("/settlements", g.RateLimit, g.InFlight, h.Submit)
	r.Get("/settlements/:id", h.Get)
	r.Post("/settlements/:id/cancel", h.Cancel)
	r.Post("/settlements/:id/reconcile", g.Operator, h.Reconcile)
	r.Post("/settlements/:id/resolve", g.Operator, h.Resolve)
}

// RegisterWireRoutes wires the operator endpoints for incoming wires.
func RegisterWireRoutes(r fiber.Router, h *handler.Settlements, operator fiber.Handler) {
	r.Post("/wires", operator, h.StageWire)
	r.Get("/wires", operator, h.ListWires)
	r.Post("/wires/:wireId/match", operator, h.Match)
}
