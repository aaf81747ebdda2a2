package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when the spendable balance cannot cover a reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or negative postings.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrTxnNotFound indicates the referenced ledger transaction does not exist.
	ErrTxnNotFound = errors.New("ledger transaction not found")

	// ErrTxnState indicates the referenced ledger transaction cannot make the requested move,
	// e.g. releasing a reservation that was already captured.
	ErrTxnState = errors.New("ledger transaction in unexpected state")
)

// Transaction kinds recorded in the append-only history.
const (
	KindReserve      = "reserve"
	KindRelease      = "release"
	KindCapture      = "capture"
	KindCredit       = "credit"
	KindStagedCredit = "staged_credit"
)

// Transaction statuses.
const (
	StatusOpen      = "open"
	StatusReleased  = "released"
	StatusCaptured  = "captured"
	StatusPosted    = "posted"
	StatusStaged    = "staged"
	StatusApplied   = "applied"
	StatusDiscarded = "discarded"
)

// Balance is the durable balance of one owner in one asset. Amount is spendable funds; Reserved
// is the sum of open reservations already deducted from Amount.
type Balance struct {
	Owner     string
	Asset     string
	Amount    decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Txn is one entry of the append-only ledger history.
type Txn struct {
	ID        string
	Owner     string
	Asset     string
	Kind      string
	Amount    decimal.Decimal
	Status    string
	Ref       string
	CreatedAt time.Time
}

// Ledger is the set of balance mutations available inside one atomic unit of work. Callers never
// mutate balances outside of it.
type Ledger interface {
	Reserve(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error)
	ReleaseReservation(ctx context.Context, txnID string) (string, error)
	CaptureReservation(ctx context.Context, txnID string) (string, error)
	Credit(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error)
	StageCredit(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error)
	ApplyStagedCredit(ctx context.Context, txnID string, amount decimal.Decimal) (string, error)
	DiscardStagedCredit(ctx context.Context, txnID string) error
	Balance(ctx context.Context, owner, asset string) (Balance, error)
	History(ctx context.Context, owner, asset string) ([]Txn, error)
}

// NormalizeAsset upper-cases and trims an asset code so "usd" and "USD " hit the same row.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
