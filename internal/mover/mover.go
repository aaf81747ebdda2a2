// Package mover defines the contract every external value-transfer backend implements: the
// bitcoin node, the exchange and the wire matcher. Movers own no durable state.
package mover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Request kinds as carried in Instruction.Kind.
const (
	KindOnChainBuy       = "OnChainBuy"
	KindOnChainWithdraw  = "OnChainWithdraw"
	KindExchangeBuy      = "ExchangeBuy"
	KindExchangeWithdraw = "ExchangeWithdraw"
	KindWireCredit       = "WireCredit"
)

// Instruction is the mover-facing view of one settlement request.
type Instruction struct {
	RequestID string
	Kind      string
	Owner     string
	AssetIn   string
	AssetOut  string
	// Amount is the amount of AssetIn debited from (or expected into) the ledger.
	Amount decimal.Decimal
	// AmountOut is the amount the mover has to deliver, fixed at quote time.
	AmountOut   decimal.Decimal
	Destination string
	Reference   string
	// Token is passed to backends that accept a client idempotency token.
	Token     string
	CreatedAt time.Time
}

// Quote is the price used to convert AssetIn into AssetOut.
type Quote struct {
	Rate      decimal.Decimal
	AmountOut decimal.Decimal
	AsOf      time.Time
}

// Receipt is a definitive answer from a move call. A non-final receipt means the backend
// accepted the instruction but the value has not moved yet.
type Receipt struct {
	ExternalRef string
	Final       bool
	Amount      decimal.Decimal
}

// State is the reconciled state of a previously issued instruction.
type State string

const (
	StateConfirmed State = "confirmed"
	StatePending   State = "pending"
	StateRejected  State = "rejected"
	StateUnknown   State = "unknown"
)

// Status is the answer of CheckStatus.
type Status struct {
	State       State
	ExternalRef string
	Amount      decimal.Decimal
	Detail      string
}

// Mover is implemented by every backend.
type Mover interface {
	Name() string
	Quote(ctx context.Context, in Instruction) (Quote, error)
	// MoveOut sends value from the platform to an external destination.
	MoveOut(ctx context.Context, in Instruction) (Receipt, error)
	// MoveIn brings value into the owner's holdings.
	MoveIn(ctx context.Context, in Instruction) (Receipt, error)
	// CheckStatus looks the instruction up by externalRef, or by RequestID when the ref is empty.
	CheckStatus(ctx context.Context, in Instruction, externalRef string) (Status, error)
}

// RejectedError marks a definitive refusal from the backend. Any other error returned by a mover
// is treated as an ambiguous outcome.
type RejectedError struct {
	Mover  string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s rejected: %s: %v", e.Mover, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s rejected: %s", e.Mover, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject builds a RejectedError.
func Reject(mover, reason string, err error) error {
	return &RejectedError{Mover: mover, Reason: reason, Err: err}
}

// IsRejected reports whether err carries a definitive rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Scale returns the number of decimal places an asset is settled with.
func Scale(asset string) int32 {
	switch strings.ToUpper(asset) {
	case "BTC", "XBT":
		return 8
	case "ETH":
		return 18
	default:
		return 2
	}
}

// Convert divides a fiat amount by rate and truncates to the precision of asset.
func Convert(amount, rate decimal.Decimal, asset string) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(rate).Truncate(Scale(asset))
}
