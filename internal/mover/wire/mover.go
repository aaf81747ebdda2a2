// Package wire is the mover side of incoming international wires. Money arrives on its own; the
// mover only registers that a wire is expected and expires expectations nobody paid.
package wire

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/mover"
)

const name = "wire"

// Mover tracks expected wires by reference code.
type Mover struct {
	expiry time.Duration
	now    func() time.Time
}

// New returns a wire mover. A zero expiry keeps expectations open forever.
func New(expiry time.Duration) *Mover {
	return &Mover{expiry: expiry, now: time.Now}
}

func (m *Mover) Name() string { return name }

// Quote is one to one: the credited amount is whatever the wire carries.
func (m *Mover) Quote(_ context.Context, in mover.Instruction) (mover.Quote, error) {
	return mover.Quote{Rate: decimal.NewFromInt(1), AmountOut: in.Amount, AsOf: m.now().UTC()}, nil
}

// MoveIn registers the expectation. The receipt is never final; completion happens when an
// operator matches a staged wire to the reference code.
func (m *Mover) MoveIn(_ context.Context, in mover.Instruction) (mover.Receipt, error) {
	if in.Reference == "" {
		return mover.Receipt{}, mover.Reject(name, "missing reference code", nil)
	}
	return mover.Receipt{ExternalRef: in.Reference, Final: false, Amount: in.Amount}, nil
}

func (m *Mover) MoveOut(context.Context, mover.Instruction) (mover.Receipt, error) {
	return mover.Receipt{}, mover.Reject(name, "outgoing wires not supported", nil)
}

// CheckStatus reports Pending until the expectation expires.
func (m *Mover) CheckStatus(_ context.Context, in mover.Instruction, externalRef string) (mover.Status, error) {
	if externalRef == "" {
		externalRef = in.Reference
	}
	if m.expiry > 0 && !in.CreatedAt.IsZero() && m.now().Sub(in.CreatedAt) > m.expiry {
		return mover.Status{State: mover.StateRejected, ExternalRef: externalRef, Detail: "no matching wire received"}, nil
	}
	return mover.Status{State: mover.StatePending, ExternalRef: externalRef}, nil
}
