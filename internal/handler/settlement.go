// Package handler exposes the coordinator over HTTP.
package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/middleware"
	"github.com/congo-pay/settlement/internal/settlement"
)

// Settlements serves settlement, wire and balance endpoints.
type Settlements struct {
	coord *settlement.Coordinator
}

// NewSettlements builds the handler.
func NewSettlements(coord *settlement.Coordinator) *Settlements {
	return &Settlements{coord: coord}
}

type submitRequest struct {
	RequestID   string          `json:"request_id"`
	Owner       string          `json:"owner"`
	Kind        string          `json:"kind"`
	AssetIn     string          `json:"asset_in"`
	AssetOut    string          `json:"asset_out"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Reference   string          `json:"reference"`
}

// Submit settles a request. The Idempotency-Key header is the request id.
func (h *Settlements) Submit(c *fiber.Ctx) error {
	var body submitRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(http.StatusBadRequest).JSON(ErrorBody{Error: "malformed body: " + err.Error(), Code: "validation"})
	}
	requestID := middleware.IdempotencyKey(c)
	if body.RequestID != "" && strings.TrimSpace(body.RequestID) != requestID {
		return c.Status(http.StatusBadRequest).JSON(ErrorBody{
			Error: "request_id does not match Idempotency-Key",
			Field: "RequestID",
			Code:  "validation",
		})
	}

	out, err := h.coord.Settle(c.UserContext(), settlement.Request{
		RequestID:   requestID,
		Owner:       body.Owner,
		Kind:        settlement.Kind(body.Kind),
		AssetIn:     body.AssetIn,
		AssetOut:    body.AssetOut,
		Amount:      body.Amount,
		Destination: body.Destination,
		Reference:   body.Reference,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(outcomeStatus(out)).JSON(out)
}

// outcomeStatus: outcomes still moving are 202, settled ones 200 whether they succeeded or not.
func outcomeStatus(out settlement.Outcome) int {
	if out.Pending() || out.State == settlement.StateManualReviewRequired {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// Get returns the stored record.
func (h *Settlements) Get(c *fiber.Ctx) error {
	rec, err := h.coord.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

// Cancel withdraws a request that has not reached its mover.
func (h *Settlements) Cancel(c *fiber.Ctx) error {
	out, err := h.coord.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(out)
}

// Reconcile checks an in-flight request with its mover now instead of waiting for the sweeper.
func (h *Settlements) Reconcile(c *fiber.Ctx) error {
	rec, err := h.coord.ReconcileNow(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

// Resolve applies an operator decision to a record in manual review.
func (h *Settlements) Resolve(c *fiber.Ctx) error {
	var res settlement.Resolution
	if err := c.BodyParser(&res); err != nil {
		return c.Status(http.StatusBadRequest).JSON(ErrorBody{Error: "malformed body: " + err.Error(), Code: "validation"})
	}
	out, err := h.coord.Resolve(c.UserContext(), c.Params("id"), res)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(out)
}

type stageWireRequest struct {
	TRN                   string          `json:"trn"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	SenderName            string          `json:"sender_name"`
	BeneficiaryIdentifier string          `json:"beneficiary_identifier"`
	ReferenceCode         string          `json:"reference_code"`
	RawDate               string          `json:"raw_date"`
}

// StageWire records a received wire.
func (h *Settlements) StageWire(c *fiber.Ctx) error {
	var body stageWireRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(http.StatusBadRequest).JSON(ErrorBody{Error: "malformed body: " + err.Error(), Code: "validation"})
	}
	wire, err := h.coord.StageWire(c.UserContext(), settlement.WireCredit{
		TRN:                   body.TRN,
		Amount:                body.Amount,
		Currency:              body.Currency,
		SenderName:            body.SenderName,
		BeneficiaryIdentifier: body.BeneficiaryIdentifier,
		ReferenceCode:         body.ReferenceCode,
		RawDate:               body.RawDate,
	})
	if err != nil {
		if wire.ID != "" {
			// Kept as Discarded for the audit trail.
			status, code := statusOf(err)
			return c.Status(status).JSON(fiber.Map{"error": err.Error(), "code": code, "wire": wire})
		}
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(wire)
}

// ListWires returns staged wires.
func (h *Settlements) ListWires(c *fiber.Ctx) error {
	wires, err := h.coord.ListStagedWires(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	if wires == nil {
		wires = []settlement.WireCredit{}
	}
	return c.JSON(fiber.Map{"wires": wires})
}

type matchRequest struct {
	ReferenceCode string `json:"reference_code"`
}

// Match credits a staged wire to the request issued under the reference code.
func (h *Settlements) Match(c *fiber.Ctx) error {
	var body matchRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(http.StatusBadRequest).JSON(ErrorBody{Error: "malformed body: " + err.Error(), Code: "validation"})
	}
	out, err := h.coord.Match(c.UserContext(), body.ReferenceCode, c.Params("wireId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(out)
}

type balanceResponse struct {
	Owner     string          `json:"owner"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// Balance returns the committed balance of an owner in one asset.
func (h *Settlements) Balance(c *fiber.Ctx) error {
	bal, err := h.coord.Balance(c.UserContext(), c.Params("owner"), c.Params("asset"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toBalance(bal))
}

func toBalance(bal ledger.Balance) balanceResponse {
	resp := balanceResponse{
		Owner:    bal.Owner,
		Asset:    bal.Asset,
		Amount:   bal.Amount,
		Reserved: bal.Reserved,
	}
	if !bal.UpdatedAt.IsZero() {
		resp.UpdatedAt = bal.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
