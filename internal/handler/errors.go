package handler

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/settlement/internal/settlement"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps coordinator errors onto HTTP statuses.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, settlement.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, settlement.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, settlement.ErrReconcileTooSoon):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, settlement.ErrDuplicateTRN):
		return http.StatusConflict, "duplicate_trn"
	case errors.Is(err, settlement.ErrLedgerConflict), errors.Is(err, settlement.ErrVersionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, settlement.ErrQuoteStale):
		return http.StatusServiceUnavailable, "quote_stale"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		// Audit logs the cause; ErrorHandler hides it from the client.
		return fiber.NewError(status, err.Error())
	}
	body := ErrorBody{Error: err.Error(), Code: code}
	var verr *settlement.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	return c.Status(status).JSON(body)
}

// ErrorHandler renders errors that escaped the handlers, e.g. from middleware, as ErrorBody.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		if status < http.StatusInternalServerError {
			msg = fe.Message
		}
	}
	return c.Status(status).JSON(ErrorBody{Error: msg})
}
