package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/settlement/internal/mover"
)

// ReconcileNow is the operator-triggered reconciliation. It refuses records whose mover call may
// still be running, i.e. claimed or updated less than MoverTimeout ago.
func (c *Coordinator) ReconcileNow(ctx context.Context, requestID string) (Record, error) {
	rec, err := c.store.GetRecord(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateAccepted || rec.State == StateExternalPending {
		if age := c.now().Sub(rec.UpdatedAt); age < c.cfg.MoverTimeout {
			return rec, fmt.Errorf("%s updated %s ago: %w", requestID, age.Round(time.Millisecond), ErrReconcileTooSoon)
		}
	}
	return c.Reconcile(ctx, requestID)
}

// Reconcile asks the mover what became of an in-flight request and applies the answer. Stale
// Accepted records are executed as if freshly submitted.
func (c *Coordinator) Reconcile(ctx context.Context, requestID string) (Record, error) {
	rec, err := c.store.GetRecord(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	switch rec.State {
	case StateAccepted:
		if _, err := c.execute(ctx, rec); err != nil {
			return Record{}, err
		}
		return c.store.GetRecord(ctx, requestID)
	case StateExternalPending, StateAwaitingReconciliation:
	default:
		return rec, nil
	}

	mv, err := c.moverFor(rec.Request.Kind)
	if err != nil {
		return Record{}, err
	}

	mctx, cancel := context.WithTimeout(ctx, c.cfg.MoverTimeout)
	start := c.now()
	status, err := mv.CheckStatus(mctx, instruction(rec), rec.ExternalRef)
	cancel()
	if err != nil {
		status = mover.Status{State: mover.StateUnknown, Detail: err.Error()}
	}
	c.metrics.MoverCall(mv.Name(), "check_"+string(status.State), c.now().Sub(start))

	ref := status.ExternalRef
	if ref == "" {
		ref = rec.ExternalRef
	}
	c.logger.Debug("reconciliation check",
		slog.String("request_id", requestID),
		slog.String("status", string(status.State)),
		slog.String("external_ref", ref),
		slog.Int("attempt", rec.AttemptCount+1),
	)

	switch status.State {
	case mover.StateConfirmed:
		return c.complete(ctx, requestID, ref, status.Amount, true, StateExternalPending, StateAwaitingReconciliation)
	case mover.StateRejected:
		reason := "rejected by " + mv.Name()
		if status.Detail != "" {
			reason += ": " + status.Detail
		}
		return c.fail(ctx, requestID, reason, true, StateExternalPending, StateAwaitingReconciliation)
	case mover.StatePending:
		return c.markPending(ctx, requestID, ref, true)
	default:
		return c.markUnknown(ctx, requestID, ref, status.Detail)
	}
}

// markUnknown records an inconclusive check and escalates once attempts run out.
func (c *Coordinator) markUnknown(ctx context.Context, requestID, externalRef, detail string) (Record, error) {
	rec, _, err := c.transition(ctx, requestID, func(_ context.Context, _ Tx, r *Record) error {
		if r.State != StateExternalPending && r.State != StateAwaitingReconciliation {
			return errSkip
		}
		c.checked(r)
		if externalRef != "" {
			r.ExternalRef = externalRef
		}
		if detail != "" {
			r.Error = detail
		}
		if r.AttemptCount >= c.cfg.MaxReconcileAttempts {
			r.State = StateManualReviewRequired
		} else {
			r.State = StateAwaitingReconciliation
		}
		return nil
	})
	return rec, err
}

func (c *Coordinator) checked(r *Record) {
	r.AttemptCount++
	r.LastCheckedAt = c.now().UTC()
}
