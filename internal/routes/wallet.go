package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/settlement/internal/wallet"
)

// RegisterWalletRoutes wires custody wallet endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/:owner", h.Get)
	r.Get("/wallets/:owner/balance", h.Balance)
}
