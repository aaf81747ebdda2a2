package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StageWire records a received wire until an operator matches it. A wire whose TRN is already
// staged or applied is kept as Discarded and ErrDuplicateTRN is returned with it.
func (c *Coordinator) StageWire(ctx context.Context, wire WireCredit) (WireCredit, error) {
	wire.TRN = strings.TrimSpace(wire.TRN)
	wire.Currency = normalizeAsset(wire.Currency)
	wire.ReferenceCode = strings.TrimSpace(wire.ReferenceCode)
	if err := c.check(wire); err != nil {
		return WireCredit{}, err
	}
	if !wire.Amount.IsPositive() {
		return WireCredit{}, invalid("Amount", "must be positive")
	}

	wire.ID = uuid.NewString()
	wire.CreatedAt = c.now().UTC()
	wire.MatchedRequestID = ""

	duplicate := false
	err := c.store.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		seen, err := tx.TRNSeen(ctx, wire.TRN)
		if err != nil {
			return err
		}
		duplicate = seen
		wire.Status = WireStaged
		if seen {
			wire.Status = WireDiscarded
		}
		return tx.InsertWire(ctx, wire)
	})
	if err != nil {
		return WireCredit{}, err
	}
	if duplicate {
		c.logger.Warn("duplicate wire discarded", slog.String("trn", wire.TRN), slog.String("wire_id", wire.ID))
		return wire, fmt.Errorf("trn %s: %w", wire.TRN, ErrDuplicateTRN)
	}
	c.logger.Info("wire staged",
		slog.String("wire_id", wire.ID),
		slog.String("trn", wire.TRN),
		slog.String("amount", wire.Amount.String()),
		slog.String("currency", wire.Currency),
	)
	return wire, nil
}

// ListStagedWires returns wires waiting to be matched.
func (c *Coordinator) ListStagedWires(ctx context.Context) ([]WireCredit, error) {
	return c.store.ListWires(ctx, WireStaged)
}

// Match credits a staged wire to the WireCredit request issued under referenceCode. Everything
// happens in one unit of work: the staged ledger credit is applied with the amount actually
// received, the record completes with the TRN as external reference and the wire leaves staging.
func (c *Coordinator) Match(ctx context.Context, referenceCode, wireID string) (Outcome, error) {
	referenceCode = strings.TrimSpace(referenceCode)
	if referenceCode == "" {
		return Outcome{}, invalid("ReferenceCode", "is required")
	}

	var prev, next Record
	err := c.store.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		wire, err := tx.LockWire(ctx, wireID)
		if err != nil {
			return err
		}
		if wire.Status != WireStaged {
			return fmt.Errorf("wire %s is %s: %w", wire.ID, wire.Status, ErrDuplicateTRN)
		}

		rec, err := tx.LockRecordByReference(ctx, referenceCode)
		if err != nil {
			return err
		}
		prev = rec
		if rec.Request.Kind != KindWireCredit {
			return invalid("ReferenceCode", "does not belong to a wire request")
		}
		if !rec.State.Pending() {
			return fmt.Errorf("%s is %s: %w", rec.RequestID, rec.State, ErrInvalidTransition)
		}
		if wire.Currency != rec.Request.AssetIn {
			return invalid("Currency", fmt.Sprintf("%s does not match expected %s", wire.Currency, rec.Request.AssetIn))
		}

		if err := tx.MarkTRNApplied(ctx, wire.TRN, rec.RequestID); err != nil {
			return err
		}
		credited, err := tx.ApplyStagedCredit(ctx, rec.hold(), wire.Amount)
		if err != nil {
			return err
		}
		rec.LedgerTxnIDs = append(rec.LedgerTxnIDs, credited)
		rec.State = StateCompleted
		rec.ExternalRef = wire.TRN
		rec.AmountOut = wire.Amount
		rec.Error = ""
		rec.UpdatedAt = c.now().UTC()
		if next, err = tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}

		wire.Status = WireApplied
		wire.MatchedRequestID = rec.RequestID
		return tx.UpdateWire(ctx, wire)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTRN) {
			c.logger.Warn("wire match refused", slog.String("wire_id", wireID), slog.String("reference", referenceCode), slog.Any("error", err))
		}
		return Outcome{}, err
	}

	c.observe(ctx, prev, next)
	return outcomeOf(next, false), nil
}
