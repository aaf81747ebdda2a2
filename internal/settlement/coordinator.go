// Package settlement keeps the ledger consistent with external value transfers that can fail
// halfway, run slow, be retried or stay unobservable for a while.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/notification"
)

const (
	defaultMoverTimeout         = 30 * time.Second
	defaultQuoteMaxAge          = time.Minute
	defaultMaxReconcileAttempts = 10
)

// tokenNamespace derives mover idempotency tokens from request ids.
var tokenNamespace = uuid.MustParse("6f1c3c1e-3a7e-4f0b-9d44-2f4f3b8a9c10")

// errSkip aborts a transition without writing anything.
var errSkip = errors.New("transition skipped")

// Config tunes the coordinator.
type Config struct {
	MoverTimeout         time.Duration
	QuoteMaxAge          time.Duration
	MaxReconcileAttempts int
}

// Custody resolves the custody wallet address on-chain buys of an owner are delivered to.
type Custody interface {
	CustodyAddress(ctx context.Context, owner string) (addr string, ok bool, err error)
}

// Deps are the collaborators of the coordinator. Store and Movers are required; without Custody
// on-chain buys are refused.
type Deps struct {
	Store    Store
	Movers   map[Kind]mover.Mover
	Custody  Custody
	Registry Registry
	Notifier notification.Notifier
	Metrics  Metrics
	Logger   *slog.Logger
}

// Coordinator is the single entry point for settlement requests.
type Coordinator struct {
	store    Store
	movers   map[Kind]mover.Mover
	custody  Custody
	registry Registry
	notifier notification.Notifier
	metrics  Metrics
	logger   *slog.Logger
	validate *validator.Validate
	cfg      Config
	now      func() time.Time
}

// New constructs a coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.MoverTimeout <= 0 {
		cfg.MoverTimeout = defaultMoverTimeout
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = defaultQuoteMaxAge
	}
	if cfg.MaxReconcileAttempts <= 0 {
		cfg.MaxReconcileAttempts = defaultMaxReconcileAttempts
	}
	c := &Coordinator{
		store:    deps.Store,
		movers:   deps.Movers,
		custody:  deps.Custody,
		registry: deps.Registry,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		now:      time.Now,
	}
	if c.registry == nil {
		c.registry = nopRegistry{}
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "settlement"))
	return c
}

// Settle executes a request at most once. Retries of a known request id never repeat side
// effects; they return the stored outcome, or a pending outcome while the request is in flight.
func (c *Coordinator) Settle(ctx context.Context, req Request) (Outcome, error) {
	req, fingerprint, err := c.prepare(req)
	if err != nil {
		return Outcome{}, err
	}

	if rec, ok := c.lookup(ctx, req.RequestID); ok {
		return c.resume(ctx, rec, fingerprint)
	}

	rec, err := c.store.GetRecord(ctx, req.RequestID)
	switch {
	case err == nil:
		return c.resume(ctx, rec, fingerprint)
	case !errors.Is(err, ErrNotFound):
		return Outcome{}, err
	}

	if req.Kind == KindOnChainBuy {
		if req.Destination, err = c.custodyAddress(ctx, req); err != nil {
			return Outcome{}, err
		}
	}
	mv, err := c.moverFor(req.Kind)
	if err != nil {
		return Outcome{}, err
	}

	now := c.now().UTC()
	rec = Record{
		RequestID:   req.RequestID,
		Request:     req,
		Fingerprint: fingerprint,
		State:       StateAccepted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.quote(ctx, mv, &rec); err != nil {
		return Outcome{}, err
	}

	err = c.store.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		var (
			hold string
			err  error
		)
		if req.Kind == KindWireCredit {
			hold, err = tx.StageCredit(ctx, req.Owner, req.AssetIn, req.Amount, req.RequestID)
		} else {
			hold, err = tx.Reserve(ctx, req.Owner, req.AssetIn, req.Amount, req.RequestID)
		}
		if err != nil {
			return err
		}
		rec.LedgerTxnIDs = []string{hold}
		return tx.InsertRecord(ctx, rec)
	})
	if errors.Is(err, ErrRecordExists) || errors.Is(err, ErrReferenceTaken) || errors.Is(err, ledger.ErrInsufficientFunds) {
		// A concurrent call with the same id may have won the insert and spent the balance.
		if existing, gerr := c.store.GetRecord(ctx, req.RequestID); gerr == nil {
			return c.resume(ctx, existing, fingerprint)
		}
	}
	switch {
	case errors.Is(err, ErrReferenceTaken):
		return Outcome{}, invalid("Reference", "already issued")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.logger.Info("settlement refused",
			slog.String("request_id", req.RequestID),
			slog.String("reason", "insufficient funds"),
		)
		return Outcome{}, fmt.Errorf("reserve %s %s: %w", req.Amount, req.AssetIn, ErrInsufficientFunds)
	case err != nil:
		return Outcome{}, err
	}

	c.metrics.Transition(req.Kind, StateAccepted)
	c.logger.Info("settlement accepted",
		slog.String("request_id", req.RequestID),
		slog.String("kind", string(req.Kind)),
		slog.String("owner", req.Owner),
	)
	return c.execute(ctx, rec)
}

// prepare validates and normalises a request and computes its fingerprint. The fingerprint is
// taken before defaults are filled in so a retried request matches.
func (c *Coordinator) prepare(req Request) (Request, string, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Owner = strings.TrimSpace(req.Owner)
	req.AssetIn = normalizeAsset(req.AssetIn)
	req.AssetOut = normalizeAsset(req.AssetOut)
	req.Destination = strings.TrimSpace(req.Destination)
	req.Reference = strings.TrimSpace(req.Reference)

	if err := c.check(req); err != nil {
		return req, "", err
	}
	if !req.Amount.IsPositive() {
		return req, "", invalid("Amount", "must be positive")
	}

	switch {
	case req.Kind.buy():
		if req.AssetOut == "" || req.AssetOut == req.AssetIn {
			return req, "", invalid("AssetOut", "must differ from AssetIn")
		}
	case req.AssetOut == "":
		req.AssetOut = req.AssetIn
	case req.AssetOut != req.AssetIn:
		return req, "", invalid("AssetOut", "must equal AssetIn")
	}
	if req.Kind.needsDestination() && req.Destination == "" {
		return req, "", invalid("Destination", "is required")
	}

	fingerprint := req.Fingerprint()
	if req.Kind == KindWireCredit && req.Reference == "" {
		req.Reference = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now().UTC()
	}
	return req, fingerprint, nil
}

// custodyAddress returns where an on-chain buy is delivered. Bought coins only ever go to the
// owner's custody wallet; a request naming any other address is refused.
func (c *Coordinator) custodyAddress(ctx context.Context, req Request) (string, error) {
	if c.custody == nil {
		return "", invalid("Kind", "has no custody wallets configured")
	}
	addr, ok, err := c.custody.CustodyAddress(ctx, req.Owner)
	if err != nil {
		return "", fmt.Errorf("custody wallet of %s: %w", req.Owner, err)
	}
	if !ok {
		return "", invalid("Owner", "has no custody wallet")
	}
	if req.Destination != "" && req.Destination != addr {
		return "", invalid("Destination", "must be the owner's custody address")
	}
	return addr, nil
}

// check runs struct validation and reports the first failing field.
func (c *Coordinator) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalid(fe.Field(), "failed "+fe.Tag()+" check")
	}
	return invalid("", err.Error())
}

func (c *Coordinator) moverFor(kind Kind) (mover.Mover, error) {
	mv, ok := c.movers[kind]
	if !ok || mv == nil {
		return nil, invalid("Kind", "has no configured mover")
	}
	return mv, nil
}

func (c *Coordinator) quote(ctx context.Context, mv mover.Mover, rec *Record) error {
	q, err := mv.Quote(ctx, instruction(*rec))
	if err != nil {
		if mover.IsRejected(err) {
			return invalid("Amount", err.Error())
		}
		return fmt.Errorf("quote %s: %w", rec.RequestID, err)
	}
	if c.now().Sub(q.AsOf) > c.cfg.QuoteMaxAge {
		return fmt.Errorf("rate as of %s: %w", q.AsOf.Format(time.RFC3339), ErrQuoteStale)
	}
	rec.Rate = q.Rate
	rec.AmountOut = q.AmountOut
	return nil
}

func (c *Coordinator) lookup(ctx context.Context, requestID string) (Record, bool) {
	rec, ok, err := c.registry.Lookup(ctx, requestID)
	if err != nil {
		c.logger.Warn("registry lookup failed", slog.String("request_id", requestID), slog.Any("error", err))
		return Record{}, false
	}
	return rec, ok
}

// resume answers a request id that already has a record.
func (c *Coordinator) resume(ctx context.Context, rec Record, fingerprint string) (Outcome, error) {
	if rec.Fingerprint != fingerprint {
		return Outcome{}, invalid("RequestID", "was already used with a different payload")
	}
	if rec.State == StateAccepted {
		return c.execute(ctx, rec)
	}
	if rec.State.Terminal() || rec.State == StateManualReviewRequired {
		c.remember(ctx, rec)
	}
	return outcomeOf(rec, true), nil
}

// execute claims an Accepted record and calls its mover. The claim commits before the call so
// at most one caller ever reaches the mover.
func (c *Coordinator) execute(ctx context.Context, rec Record) (Outcome, error) {
	claimed, ok, err := c.transition(ctx, rec.RequestID, func(_ context.Context, _ Tx, r *Record) error {
		if r.State != StateAccepted {
			return errSkip
		}
		r.State = StateExternalPending
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return outcomeOf(claimed, true), nil
	}

	mv, err := c.moverFor(claimed.Request.Kind)
	if err != nil {
		return Outcome{}, err
	}

	mctx, cancel := context.WithTimeout(ctx, c.cfg.MoverTimeout)
	start := c.now()
	var receipt mover.Receipt
	if claimed.Request.Kind.outgoing() {
		receipt, err = mv.MoveOut(mctx, instruction(claimed))
	} else {
		receipt, err = mv.MoveIn(mctx, instruction(claimed))
	}
	cancel()
	c.metrics.MoverCall(mv.Name(), moverResult(receipt, err), c.now().Sub(start))

	// The move happened or not regardless of the caller going away; record it.
	ctx = context.WithoutCancel(ctx)

	// A reconciliation may have run while the mover was busy and parked the record in
	// AwaitingReconciliation; the mover's own answer still wins.
	var final Record
	switch {
	case err == nil && receipt.Final:
		final, err = c.complete(ctx, claimed.RequestID, receipt.ExternalRef, receipt.Amount, false, StateExternalPending, StateAwaitingReconciliation)
	case err == nil:
		final, err = c.markPending(ctx, claimed.RequestID, receipt.ExternalRef, false)
	case mover.IsRejected(err):
		final, err = c.fail(ctx, claimed.RequestID, err.Error(), false, StateExternalPending, StateAwaitingReconciliation)
	default:
		c.logger.Warn("mover outcome ambiguous",
			slog.String("request_id", claimed.RequestID),
			slog.String("mover", mv.Name()),
			slog.Any("error", err),
		)
		final, err = c.markAmbiguous(ctx, claimed.RequestID, err.Error())
	}
	if err != nil {
		return Outcome{}, err
	}
	return outcomeOf(final, false), nil
}

func moverResult(receipt mover.Receipt, err error) string {
	switch {
	case err == nil && receipt.Final:
		return "final"
	case err == nil:
		return "accepted"
	case mover.IsRejected(err):
		return "rejected"
	default:
		return "ambiguous"
	}
}

// complete applies the ledger side of a successful move. It is a no-op unless the record is in
// one of from.
func (c *Coordinator) complete(ctx context.Context, requestID, externalRef string, received decimal.Decimal, checked bool, from ...State) (Record, error) {
	rec, _, err := c.transition(ctx, requestID, func(ctx context.Context, tx Tx, r *Record) error {
		if !inStates(r.State, from) {
			return errSkip
		}
		if checked {
			c.checked(r)
		}
		req := r.Request
		switch {
		case req.Kind == KindWireCredit:
			amount := req.Amount
			if received.IsPositive() {
				amount = received
			}
			id, err := tx.ApplyStagedCredit(ctx, r.hold(), amount)
			if err != nil {
				return err
			}
			r.LedgerTxnIDs = append(r.LedgerTxnIDs, id)
			r.AmountOut = amount
		case req.Kind.buy():
			captured, err := tx.CaptureReservation(ctx, r.hold())
			if err != nil {
				return err
			}
			credited, err := tx.Credit(ctx, req.Owner, req.AssetOut, r.AmountOut, req.RequestID)
			if err != nil {
				return err
			}
			r.LedgerTxnIDs = append(r.LedgerTxnIDs, captured, credited)
		default:
			captured, err := tx.CaptureReservation(ctx, r.hold())
			if err != nil {
				return err
			}
			r.LedgerTxnIDs = append(r.LedgerTxnIDs, captured)
		}
		r.State = StateCompleted
		if externalRef != "" {
			r.ExternalRef = externalRef
		}
		r.Error = ""
		return nil
	})
	return rec, err
}

// fail reverses the hold of a refused request.
func (c *Coordinator) fail(ctx context.Context, requestID, reason string, checked bool, from ...State) (Record, error) {
	rec, _, err := c.transition(ctx, requestID, func(ctx context.Context, tx Tx, r *Record) error {
		if !inStates(r.State, from) {
			return errSkip
		}
		if checked {
			c.checked(r)
		}
		if err := c.releaseHold(ctx, tx, r); err != nil {
			return err
		}
		r.State = StateFailed
		r.Error = reason
		return nil
	})
	return rec, err
}

func (c *Coordinator) releaseHold(ctx context.Context, tx Tx, r *Record) error {
	if r.Request.Kind == KindWireCredit {
		return tx.DiscardStagedCredit(ctx, r.hold())
	}
	id, err := tx.ReleaseReservation(ctx, r.hold())
	if err != nil {
		return err
	}
	r.LedgerTxnIDs = append(r.LedgerTxnIDs, id)
	return nil
}

// markPending keeps the record in ExternalPending with the reference the mover gave back.
func (c *Coordinator) markPending(ctx context.Context, requestID, externalRef string, checked bool) (Record, error) {
	rec, _, err := c.transition(ctx, requestID, func(_ context.Context, _ Tx, r *Record) error {
		if r.State != StateExternalPending && r.State != StateAwaitingReconciliation {
			return errSkip
		}
		r.State = StateExternalPending
		if externalRef != "" {
			r.ExternalRef = externalRef
		}
		if checked {
			c.checked(r)
		}
		r.Error = ""
		return nil
	})
	return rec, err
}

func (c *Coordinator) markAmbiguous(ctx context.Context, requestID, reason string) (Record, error) {
	rec, _, err := c.transition(ctx, requestID, func(_ context.Context, _ Tx, r *Record) error {
		if r.State != StateExternalPending {
			return errSkip
		}
		r.State = StateAwaitingReconciliation
		r.Error = reason
		return nil
	})
	return rec, err
}

// Cancel withdraws a request that has not been handed to its mover yet.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) (Outcome, error) {
	rec, _, err := c.transition(ctx, requestID, func(ctx context.Context, tx Tx, r *Record) error {
		if r.State != StateAccepted {
			return fmt.Errorf("%s is %s: %w", r.RequestID, r.State, ErrNotCancellable)
		}
		if err := c.releaseHold(ctx, tx, r); err != nil {
			return err
		}
		r.State = StateCancelled
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcomeOf(rec, false), nil
}

// Resolve applies an operator decision to a record in manual review.
func (c *Coordinator) Resolve(ctx context.Context, requestID string, res Resolution) (Outcome, error) {
	current, err := c.store.GetRecord(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if current.State != StateManualReviewRequired {
		return Outcome{}, fmt.Errorf("%s is %s: %w", requestID, current.State, ErrInvalidTransition)
	}

	var rec Record
	if res.Succeeded {
		rec, err = c.complete(ctx, requestID, res.ExternalRef, decimal.Zero, false, StateManualReviewRequired)
	} else {
		reason := res.Note
		if reason == "" {
			reason = "rejected by operator"
		}
		rec, err = c.fail(ctx, requestID, reason, false, StateManualReviewRequired)
	}
	if err != nil {
		return Outcome{}, err
	}
	if rec.State == StateManualReviewRequired {
		return Outcome{}, fmt.Errorf("%s changed concurrently: %w", requestID, ErrInvalidTransition)
	}
	c.logger.Info("manual review resolved",
		slog.String("request_id", requestID),
		slog.Bool("succeeded", res.Succeeded),
		slog.String("note", res.Note),
	)
	return outcomeOf(rec, false), nil
}

// Get returns the durable record of a request.
func (c *Coordinator) Get(ctx context.Context, requestID string) (Record, error) {
	return c.store.GetRecord(ctx, requestID)
}

// Balance returns the committed balance of owner in asset.
func (c *Coordinator) Balance(ctx context.Context, owner, asset string) (ledger.Balance, error) {
	return c.store.Balance(ctx, owner, normalizeAsset(asset))
}

// transition locks the record, lets mutate change it and writes it back with a bumped version.
// When mutate returns errSkip nothing is written and the current record is returned with false.
func (c *Coordinator) transition(ctx context.Context, requestID string, mutate func(ctx context.Context, tx Tx, r *Record) error) (Record, bool, error) {
	var (
		prev, next Record
		applied    bool
	)
	err := c.store.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		applied = false
		r, err := tx.LockRecord(ctx, requestID)
		if err != nil {
			return err
		}
		prev = r
		if err := mutate(ctx, tx, &r); err != nil {
			if errors.Is(err, errSkip) {
				next = prev
				return nil
			}
			return err
		}
		r.UpdatedAt = c.now().UTC()
		next, err = tx.UpdateRecord(ctx, r)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	if applied {
		c.observe(ctx, prev, next)
	}
	return next, applied, nil
}

// observe runs after a transition committed.
func (c *Coordinator) observe(ctx context.Context, prev, next Record) {
	if prev.State == next.State {
		return
	}
	c.metrics.Transition(next.Request.Kind, next.State)
	c.logger.Info("settlement transition",
		slog.String("request_id", next.RequestID),
		slog.String("from", string(prev.State)),
		slog.String("to", string(next.State)),
		slog.String("external_ref", next.ExternalRef),
	)

	if next.State.Terminal() || next.State == StateManualReviewRequired {
		c.remember(ctx, next)
		c.notify(ctx, next)
	}
}

func (c *Coordinator) remember(ctx context.Context, rec Record) {
	if err := c.registry.Remember(ctx, rec); err != nil {
		c.logger.Warn("registry store failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
}

func (c *Coordinator) notify(ctx context.Context, rec Record) {
	if c.notifier == nil {
		return
	}
	msg := notification.Message{
		Destination: rec.Request.Owner,
		RequestID:   rec.RequestID,
		State:       string(rec.State),
		OccurredAt:  rec.UpdatedAt,
	}
	switch rec.State {
	case StateCompleted:
		msg.Kind = notification.KindSettlementCompleted
		msg.Body = fmt.Sprintf("%s of %s %s completed", rec.Request.Kind, rec.Request.Amount, rec.Request.AssetIn)
	case StateFailed:
		msg.Kind = notification.KindSettlementFailed
		msg.Body = rec.Error
	case StateCancelled:
		msg.Kind = notification.KindSettlementCancelled
		msg.Body = fmt.Sprintf("%s cancelled", rec.Request.Kind)
	case StateManualReviewRequired:
		msg.Kind = notification.KindManualReview
		msg.Body = fmt.Sprintf("reconciliation gave up after %d attempts: %s", rec.AttemptCount, rec.Error)
	default:
		return
	}
	if err := c.notifier.Send(ctx, msg); err != nil {
		c.logger.Warn("notification failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
}

func instruction(r Record) mover.Instruction {
	return mover.Instruction{
		RequestID:   r.RequestID,
		Kind:        string(r.Request.Kind),
		Owner:       r.Request.Owner,
		AssetIn:     r.Request.AssetIn,
		AssetOut:    r.Request.AssetOut,
		Amount:      r.Request.Amount,
		AmountOut:   r.AmountOut,
		Destination: r.Request.Destination,
		Reference:   r.Request.Reference,
		Token:       uuid.NewSHA1(tokenNamespace, []byte(r.RequestID)).String(),
		CreatedAt:   r.CreatedAt,
	}
}

func inStates(s State, states []State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
