package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/settlement"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"

	referenceIndex = "settlement_records_reference_idx"

	maxAtomicAttempts = 3
)

// Postgres is the durable store. Each unit of work is one pgx transaction; balance, ledger and
// record rows are locked FOR UPDATE as they are touched.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ settlement.Store = (*Postgres)(nil)

// NewPostgres wraps a connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// RunAtomic retries fn on serialization failures and deadlocks, then gives up with
// settlement.ErrLedgerConflict.
func (p *Postgres) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxAtomicAttempts; attempt++ {
		err = p.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", settlement.ErrLedgerConflict, maxAtomicAttempts, err)
}

func (p *Postgres) runOnce(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &postgresTx{PostgresLedger: ledger.NewPostgresLedger(tx), tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func (p *Postgres) GetRecord(ctx context.Context, requestID string) (settlement.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM settlement_records WHERE request_id = $1`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Record{}, fmt.Errorf("request %s: %w", requestID, settlement.ErrNotFound)
	}
	return rec, err
}

func (p *Postgres) ListRecords(ctx context.Context, states []settlement.State, cutoff time.Time, limit int) ([]settlement.Record, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+recordColumns+` FROM settlement_records
        WHERE state = ANY($1) AND updated_at < $2
        ORDER BY updated_at
        LIMIT $3`, names, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) ListWires(ctx context.Context, status settlement.WireStatus) ([]settlement.WireCredit, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+wireColumns+` FROM wire_credits WHERE status = $1 ORDER BY seq`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.WireCredit
	for rows.Next() {
		w, err := scanWire(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) Balance(ctx context.Context, owner, asset string) (ledger.Balance, error) {
	return ledger.QueryBalance(ctx, p.pool, owner, asset)
}

// Ping reports database reachability for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type postgresTx struct {
	*ledger.PostgresLedger
	tx pgx.Tx
}

const recordColumns = `request_id, owner, kind, asset_in, asset_out, amount::text, destination,
        COALESCE(reference, ''), fingerprint, state, ledger_txn_ids, external_ref, error, attempt_count,
        last_checked_at, rate::text, amount_out::text, version, requested_at, created_at, updated_at`

func (t *postgresTx) InsertRecord(ctx context.Context, rec settlement.Record) error {
	req := rec.Request
	var reference *string
	if req.Reference != "" {
		reference = &req.Reference
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO settlement_records (
            request_id, owner, kind, asset_in, asset_out, amount, destination, reference, fingerprint,
            state, ledger_txn_ids, external_ref, error, attempt_count, rate, amount_out, version,
            requested_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, 1, $16, $17, $18)`,
		rec.RequestID, req.Owner, string(req.Kind), req.AssetIn, req.AssetOut, req.Amount.String(),
		req.Destination, reference, rec.Fingerprint, string(rec.State), nonNil(rec.LedgerTxnIDs),
		rec.ExternalRef, rec.Error, rec.Rate.String(), rec.AmountOut.String(),
		req.CreatedAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == referenceIndex {
				return fmt.Errorf("reference %s: %w", req.Reference, settlement.ErrReferenceTaken)
			}
			return fmt.Errorf("request %s: %w", rec.RequestID, settlement.ErrRecordExists)
		}
		return err
	}
	return nil
}

func (t *postgresTx) LockRecord(ctx context.Context, requestID string) (settlement.Record, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM settlement_records
        WHERE request_id = $1 FOR UPDATE`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Record{}, fmt.Errorf("request %s: %w", requestID, settlement.ErrNotFound)
	}
	return rec, err
}

func (t *postgresTx) LockRecordByReference(ctx context.Context, reference string) (settlement.Record, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM settlement_records
        WHERE reference = $1 FOR UPDATE`, reference)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Record{}, fmt.Errorf("reference %s: %w", reference, settlement.ErrNotFound)
	}
	return rec, err
}

func (t *postgresTx) UpdateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	var lastChecked *time.Time
	if !rec.LastCheckedAt.IsZero() {
		lastChecked = &rec.LastCheckedAt
	}
	var version int64
	err := t.tx.QueryRow(ctx, `UPDATE settlement_records SET
            state = $2, ledger_txn_ids = $3, external_ref = $4, error = $5, attempt_count = $6,
            last_checked_at = $7, rate = $8, amount_out = $9, updated_at = $10, version = version + 1
        WHERE request_id = $1 AND version = $11
        RETURNING version`,
		rec.RequestID, string(rec.State), nonNil(rec.LedgerTxnIDs), rec.ExternalRef, rec.Error,
		rec.AttemptCount, lastChecked, rec.Rate.String(), rec.AmountOut.String(), rec.UpdatedAt,
		rec.Version).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Record{}, fmt.Errorf("request %s version %d: %w", rec.RequestID, rec.Version, settlement.ErrVersionConflict)
		}
		return settlement.Record{}, err
	}
	rec.Version = version
	return rec, nil
}

const wireColumns = `id, trn, amount::text, currency, sender_name, beneficiary_identifier, reference_code,
        raw_date, status, matched_request_id, created_at`

func (t *postgresTx) InsertWire(ctx context.Context, w settlement.WireCredit) error {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("wire id: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO wire_credits (id, trn, amount, currency, sender_name,
            beneficiary_identifier, reference_code, raw_date, status, matched_request_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, w.TRN, w.Amount.String(), w.Currency, w.SenderName, w.BeneficiaryIdentifier,
		w.ReferenceCode, w.RawDate, string(w.Status), w.MatchedRequestID, w.CreatedAt)
	return err
}

func (t *postgresTx) LockWire(ctx context.Context, id string) (settlement.WireCredit, error) {
	wireID, err := uuid.Parse(id)
	if err != nil {
		return settlement.WireCredit{}, fmt.Errorf("wire %s: %w", id, settlement.ErrNotFound)
	}
	row := t.tx.QueryRow(ctx, `SELECT `+wireColumns+` FROM wire_credits WHERE id = $1 FOR UPDATE`, wireID)
	w, err := scanWire(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.WireCredit{}, fmt.Errorf("wire %s: %w", id, settlement.ErrNotFound)
	}
	return w, err
}

func (t *postgresTx) UpdateWire(ctx context.Context, w settlement.WireCredit) error {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("wire %s: %w", w.ID, settlement.ErrNotFound)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE wire_credits SET status = $2, matched_request_id = $3 WHERE id = $1`,
		id, string(w.Status), w.MatchedRequestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wire %s: %w", w.ID, settlement.ErrNotFound)
	}
	return nil
}

// TRNSeen serialises on the TRN with a transaction-scoped advisory lock so two wires with the
// same TRN cannot both be staged.
func (t *postgresTx) TRNSeen(ctx context.Context, trn string) (bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, trn); err != nil {
		return false, err
	}
	var seen bool
	err := t.tx.QueryRow(ctx, `SELECT
            EXISTS (SELECT 1 FROM wire_credits WHERE trn = $1 AND status <> $2)
            OR EXISTS (SELECT 1 FROM applied_trns WHERE trn = $1)`,
		trn, string(settlement.WireDiscarded)).Scan(&seen)
	return seen, err
}

func (t *postgresTx) MarkTRNApplied(ctx context.Context, trn, requestID string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO applied_trns (trn, request_id, applied_at) VALUES ($1, $2, now())`, trn, requestID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trn %s: %w", trn, settlement.ErrDuplicateTRN)
		}
		return err
	}
	return nil
}

func scanRecord(row pgx.Row) (settlement.Record, error) {
	var (
		rec                     settlement.Record
		kind, state             string
		amount, rate, amountOut string
		lastChecked             *time.Time
	)
	err := row.Scan(&rec.RequestID, &rec.Request.Owner, &kind, &rec.Request.AssetIn, &rec.Request.AssetOut,
		&amount, &rec.Request.Destination, &rec.Request.Reference, &rec.Fingerprint, &state,
		&rec.LedgerTxnIDs, &rec.ExternalRef, &rec.Error, &rec.AttemptCount, &lastChecked,
		&rate, &amountOut, &rec.Version, &rec.Request.CreatedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return settlement.Record{}, err
	}
	rec.Request.RequestID = rec.RequestID
	rec.Request.Kind = settlement.Kind(kind)
	rec.State = settlement.State(state)
	if lastChecked != nil {
		rec.LastCheckedAt = lastChecked.UTC()
	}
	if rec.Request.Amount, err = decimal.NewFromString(amount); err != nil {
		return settlement.Record{}, fmt.Errorf("parse amount: %w", err)
	}
	if rec.Rate, err = decimal.NewFromString(rate); err != nil {
		return settlement.Record{}, fmt.Errorf("parse rate: %w", err)
	}
	if rec.AmountOut, err = decimal.NewFromString(amountOut); err != nil {
		return settlement.Record{}, fmt.Errorf("parse amount out: %w", err)
	}
	rec.Request.CreatedAt = rec.Request.CreatedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func scanWire(row pgx.Row) (settlement.WireCredit, error) {
	var (
		w      settlement.WireCredit
		id     uuid.UUID
		amount string
		status string
	)
	err := row.Scan(&id, &w.TRN, &amount, &w.Currency, &w.SenderName, &w.BeneficiaryIdentifier,
		&w.ReferenceCode, &w.RawDate, &status, &w.MatchedRequestID, &w.CreatedAt)
	if err != nil {
		return settlement.WireCredit{}, err
	}
	w.ID = id.String()
	w.Status = settlement.WireStatus(status)
	w.CreatedAt = w.CreatedAt.UTC()
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return settlement.WireCredit{}, fmt.Errorf("parse wire amount: %w", err)
	}
	return w, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
