package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/mover"
)

// Kind selects the mover and the ledger movements of a request.
type Kind string

const (
	KindOnChainBuy       Kind = mover.KindOnChainBuy
	KindOnChainWithdraw  Kind = mover.KindOnChainWithdraw
	KindExchangeBuy      Kind = mover.KindExchangeBuy
	KindExchangeWithdraw Kind = mover.KindExchangeWithdraw
	KindWireCredit       Kind = mover.KindWireCredit
)

// buy kinds debit AssetIn and credit AssetOut on completion.
func (k Kind) buy() bool {
	return k == KindOnChainBuy || k == KindExchangeBuy
}

// outgoing kinds call MoveOut; the rest call MoveIn.
func (k Kind) outgoing() bool {
	switch k {
	case KindOnChainBuy, KindOnChainWithdraw, KindExchangeWithdraw:
		return true
	default:
		return false
	}
}

// needsDestination kinds must name where funds go. On-chain buys default to the custody wallet.
func (k Kind) needsDestination() bool {
	return k == KindOnChainWithdraw || k == KindExchangeWithdraw
}

// State is the lifecycle position of a settlement record.
type State string

const (
	StateAccepted               State = "Accepted"
	StateExternalPending        State = "ExternalPending"
	StateAwaitingReconciliation State = "AwaitingReconciliation"
	StateCompleted              State = "Completed"
	StateFailed                 State = "Failed"
	StateCancelled              State = "Cancelled"
	StateManualReviewRequired   State = "ManualReviewRequired"
)

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Pending states are still expected to move on their own.
func (s State) Pending() bool {
	return s == StateAccepted || s == StateExternalPending || s == StateAwaitingReconciliation
}

// Request is a well-formed instruction handed over by the HTTP layer.
type Request struct {
	RequestID   string          `json:"request_id" validate:"required,max=128"`
	Owner       string          `json:"owner" validate:"required,max=128"`
	Kind        Kind            `json:"kind" validate:"required,oneof=OnChainBuy OnChainWithdraw ExchangeBuy ExchangeWithdraw WireCredit"`
	AssetIn     string          `json:"asset_in" validate:"required,alphanum,min=3,max=6"`
	AssetOut    string          `json:"asset_out,omitempty" validate:"omitempty,alphanum,min=3,max=6"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination,omitempty" validate:"max=128"`
	Reference   string          `json:"reference,omitempty" validate:"max=64"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Fingerprint identifies the payload of a request so a reused request id with different content
// can be told apart from a retry.
func (r Request) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		r.RequestID,
		r.Owner,
		string(r.Kind),
		r.AssetIn,
		r.AssetOut,
		r.Amount.String(),
		r.Destination,
		r.Reference,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record is the durable state of one request.
type Record struct {
	RequestID   string  `json:"request_id"`
	Request     Request `json:"request"`
	Fingerprint string  `json:"fingerprint"`
	State       State   `json:"state"`
	// LedgerTxnIDs lists ledger entries in the order they were made. The first one is the hold:
	// the reservation, or the staged credit of a wire.
	LedgerTxnIDs  []string        `json:"ledger_txn_ids"`
	ExternalRef   string          `json:"external_ref,omitempty"`
	Error         string          `json:"error,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	LastCheckedAt time.Time       `json:"last_checked_at,omitempty"`
	Rate          decimal.Decimal `json:"rate"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (r Record) hold() string {
	if len(r.LedgerTxnIDs) == 0 {
		return ""
	}
	return r.LedgerTxnIDs[0]
}

// Outcome is what the caller of Settle learns.
type Outcome struct {
	RequestID   string          `json:"request_id"`
	Kind        Kind            `json:"kind"`
	State       State           `json:"state"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Error       string          `json:"error,omitempty"`
	Duplicate   bool            `json:"duplicate"`
}

// Pending reports whether the outcome is not final yet.
func (o Outcome) Pending() bool { return o.State.Pending() }

// Err maps unsuccessful states to their sentinel.
func (o Outcome) Err() error {
	switch o.State {
	case StateFailed:
		return ErrMoverRejected
	case StateAwaitingReconciliation:
		return ErrMoverAmbiguous
	case StateManualReviewRequired:
		return ErrManualReviewRequired
	default:
		return nil
	}
}

func outcomeOf(r Record, duplicate bool) Outcome {
	return Outcome{
		RequestID:   r.RequestID,
		Kind:        r.Request.Kind,
		State:       r.State,
		ExternalRef: r.ExternalRef,
		Reference:   r.Request.Reference,
		Rate:        r.Rate,
		AmountOut:   r.AmountOut,
		Error:       r.Error,
		Duplicate:   duplicate,
	}
}

// Resolution is an operator decision on a record in manual review.
type Resolution struct {
	Succeeded   bool   `json:"succeeded"`
	ExternalRef string `json:"external_ref,omitempty"`
	Note        string `json:"note,omitempty" validate:"max=512"`
}

// WireStatus tracks a received wire through staging.
type WireStatus string

const (
	WireStaged    WireStatus = "Staged"
	WireApplied   WireStatus = "Applied"
	WireDiscarded WireStatus = "Discarded"
)

// WireCredit is an incoming international wire as extracted from the bank advice.
type WireCredit struct {
	ID                    string          `json:"id"`
	TRN                   string          `json:"trn" validate:"required,max=64"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency" validate:"required,iso4217"`
	SenderName            string          `json:"sender_name,omitempty" validate:"max=140"`
	BeneficiaryIdentifier string          `json:"beneficiary_identifier,omitempty" validate:"max=140"`
	ReferenceCode         string          `json:"reference_code,omitempty" validate:"max=64"`
	RawDate               string          `json:"raw_date,omitempty"`
	Status                WireStatus      `json:"status"`
	MatchedRequestID      string          `json:"matched_request_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
