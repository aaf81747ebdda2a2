package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PostgresLedger applies ledger mutations inside a caller-owned pgx transaction. Balance rows are
// locked FOR UPDATE for the remainder of that transaction.
type PostgresLedger struct {
	tx pgx.Tx
}

// NewPostgresLedger binds ledger operations to an open transaction.
func NewPostgresLedger(tx pgx.Tx) *PostgresLedger {
	return &PostgresLedger{tx: tx}
}

// Reserve moves amount from spendable to reserved funds.
func (l *PostgresLedger) Reserve(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	bal, err := l.lockBalance(ctx, owner, NormalizeAsset(asset))
	if err != nil {
		return "", err
	}
	if bal.Amount.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	bal.Amount = bal.Amount.Sub(amount)
	bal.Reserved = bal.Reserved.Add(amount)
	if err := l.writeBalance(ctx, bal); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, bal.Owner, bal.Asset, KindReserve, StatusOpen, ref, amount)
}

// ReleaseReservation returns an open reservation to spendable funds.
func (l *PostgresLedger) ReleaseReservation(ctx context.Context, txnID string) (string, error) {
	res, err := l.lockTxn(ctx, txnID)
	if err != nil {
		return "", err
	}
	if res.Kind != KindReserve || res.Status != StatusOpen {
		return "", fmt.Errorf("%w: release %s (%s/%s)", ErrTxnState, txnID, res.Kind, res.Status)
	}
	bal, err := l.lockBalance(ctx, res.Owner, res.Asset)
	if err != nil {
		return "", err
	}
	bal.Amount = bal.Amount.Add(res.Amount)
	bal.Reserved = bal.Reserved.Sub(res.Amount)
	if err := l.writeBalance(ctx, bal); err != nil {
		return "", err
	}
	if err := l.setTxnStatus(ctx, res.ID, StatusReleased); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, res.Owner, res.Asset, KindRelease, StatusPosted, res.ID, res.Amount)
}

// CaptureReservation turns an open reservation into a completed debit.
func (l *PostgresLedger) CaptureReservation(ctx context.Context, txnID string) (string, error) {
	res, err := l.lockTxn(ctx, txnID)
	if err != nil {
		return "", err
	}
	if res.Kind != KindReserve || res.Status != StatusOpen {
		return "", fmt.Errorf("%w: capture %s (%s/%s)", ErrTxnState, txnID, res.Kind, res.Status)
	}
	bal, err := l.lockBalance(ctx, res.Owner, res.Asset)
	if err != nil {
		return "", err
	}
	bal.Reserved = bal.Reserved.Sub(res.Amount)
	if err := l.writeBalance(ctx, bal); err != nil {
		return "", err
	}
	if err := l.setTxnStatus(ctx, res.ID, StatusCaptured); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, res.Owner, res.Asset, KindCapture, StatusPosted, res.ID, res.Amount)
}

// Credit adds spendable funds, creating the balance row on first use.
func (l *PostgresLedger) Credit(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	bal, err := l.lockBalance(ctx, owner, NormalizeAsset(asset))
	if err != nil {
		return "", err
	}
	bal.Amount = bal.Amount.Add(amount)
	if err := l.writeBalance(ctx, bal); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, bal.Owner, bal.Asset, KindCredit, StatusPosted, ref, amount)
}

// StageCredit records a credit placeholder that does not affect the balance until applied.
func (l *PostgresLedger) StageCredit(ctx context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	asset = NormalizeAsset(asset)
	if err := l.ensureBalance(ctx, owner, asset); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, owner, asset, KindStagedCredit, StatusStaged, ref, amount)
}

// ApplyStagedCredit posts a staged credit with the amount actually received.
func (l *PostgresLedger) ApplyStagedCredit(ctx context.Context, txnID string, amount decimal.Decimal) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	staged, err := l.lockTxn(ctx, txnID)
	if err != nil {
		return "", err
	}
	if staged.Kind != KindStagedCredit || staged.Status != StatusStaged {
		return "", fmt.Errorf("%w: apply %s (%s/%s)", ErrTxnState, txnID, staged.Kind, staged.Status)
	}
	bal, err := l.lockBalance(ctx, staged.Owner, staged.Asset)
	if err != nil {
		return "", err
	}
	bal.Amount = bal.Amount.Add(amount)
	if err := l.writeBalance(ctx, bal); err != nil {
		return "", err
	}
	if err := l.setTxnStatus(ctx, staged.ID, StatusApplied); err != nil {
		return "", err
	}
	return l.insertTxn(ctx, staged.Owner, staged.Asset, KindCredit, StatusPosted, staged.ID, amount)
}

// DiscardStagedCredit drops a placeholder that will never be applied.
func (l *PostgresLedger) DiscardStagedCredit(ctx context.Context, txnID string) error {
	staged, err := l.lockTxn(ctx, txnID)
	if err != nil {
		return err
	}
	if staged.Kind != KindStagedCredit || staged.Status != StatusStaged {
		return fmt.Errorf("%w: discard %s (%s/%s)", ErrTxnState, txnID, staged.Kind, staged.Status)
	}
	return l.setTxnStatus(ctx, staged.ID, StatusDiscarded)
}

// Balance reads the balance row without locking it. Missing rows read as zero.
func (l *PostgresLedger) Balance(ctx context.Context, owner, asset string) (Balance, error) {
	return QueryBalance(ctx, l.tx, owner, asset)
}

// History lists the transactions of one balance in insertion order.
func (l *PostgresLedger) History(ctx context.Context, owner, asset string) ([]Txn, error) {
	return QueryHistory(ctx, l.tx, owner, asset)
}

// Querier is the read surface shared by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueryBalance reads a balance outside of any unit of work.
func QueryBalance(ctx context.Context, q Querier, owner, asset string) (Balance, error) {
	asset = NormalizeAsset(asset)
	var amountStr, reservedStr string
	var updatedAt time.Time
	err := q.QueryRow(ctx, `SELECT amount::text, reserved::text, updated_at
        FROM accounts WHERE owner = $1 AND asset = $2`, owner, asset).Scan(&amountStr, &reservedStr, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{Owner: owner, Asset: asset, Amount: decimal.Zero, Reserved: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return parseBalance(owner, asset, amountStr, reservedStr, updatedAt)
}

// QueryHistory lists the transactions of one balance outside of any unit of work.
func QueryHistory(ctx context.Context, q Querier, owner, asset string) ([]Txn, error) {
	rows, err := q.Query(ctx, `SELECT id, owner, asset, kind, amount::text, status, ref, created_at
        FROM ledger_txns WHERE owner = $1 AND asset = $2 ORDER BY seq`, owner, NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Txn
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ensureBalance(ctx context.Context, owner, asset string) error {
	_, err := l.tx.Exec(ctx, `INSERT INTO accounts (owner, asset, amount, reserved, updated_at)
        VALUES ($1, $2, 0, 0, now())
        ON CONFLICT (owner, asset) DO NOTHING`, owner, asset)
	return err
}

func (l *PostgresLedger) lockBalance(ctx context.Context, owner, asset string) (Balance, error) {
	if err := l.ensureBalance(ctx, owner, asset); err != nil {
		return Balance{}, err
	}
	var amountStr, reservedStr string
	var updatedAt time.Time
	if err := l.tx.QueryRow(ctx, `SELECT amount::text, reserved::text, updated_at
        FROM accounts WHERE owner = $1 AND asset = $2 FOR UPDATE`, owner, asset).Scan(&amountStr, &reservedStr, &updatedAt); err != nil {
		return Balance{}, err
	}
	return parseBalance(owner, asset, amountStr, reservedStr, updatedAt)
}

func (l *PostgresLedger) writeBalance(ctx context.Context, bal Balance) error {
	if bal.Amount.IsNegative() || bal.Reserved.IsNegative() {
		return fmt.Errorf("balance %s/%s would go negative", bal.Owner, bal.Asset)
	}
	_, err := l.tx.Exec(ctx, `UPDATE accounts SET amount = $1, reserved = $2, updated_at = now()
        WHERE owner = $3 AND asset = $4`, bal.Amount.String(), bal.Reserved.String(), bal.Owner, bal.Asset)
	return err
}

func (l *PostgresLedger) insertTxn(ctx context.Context, owner, asset, kind, status, ref string, amount decimal.Decimal) (string, error) {
	id := uuid.New()
	if _, err := l.tx.Exec(ctx, `INSERT INTO ledger_txns (id, owner, asset, kind, amount, status, ref, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, now())`, id, owner, asset, kind, amount.String(), status, ref); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (l *PostgresLedger) lockTxn(ctx context.Context, txnID string) (Txn, error) {
	id, err := uuid.Parse(txnID)
	if err != nil {
		return Txn{}, fmt.Errorf("%w: %s", ErrTxnNotFound, txnID)
	}
	row := l.tx.QueryRow(ctx, `SELECT id, owner, asset, kind, amount::text, status, ref, created_at
        FROM ledger_txns WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTxn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Txn{}, fmt.Errorf("%w: %s", ErrTxnNotFound, txnID)
		}
		return Txn{}, err
	}
	return txn, nil
}

func (l *PostgresLedger) setTxnStatus(ctx context.Context, id, status string) error {
	_, err := l.tx.Exec(ctx, `UPDATE ledger_txns SET status = $1 WHERE id = $2`, status, id)
	return err
}

func scanTxn(row pgx.Row) (Txn, error) {
	var (
		txn       Txn
		id        uuid.UUID
		amountStr string
	)
	if err := row.Scan(&id, &txn.Owner, &txn.Asset, &txn.Kind, &amountStr, &txn.Status, &txn.Ref, &txn.CreatedAt); err != nil {
		return Txn{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Txn{}, fmt.Errorf("parse txn amount: %w", err)
	}
	txn.ID = id.String()
	txn.Amount = amount
	txn.CreatedAt = txn.CreatedAt.UTC()
	return txn, nil
}

func parseBalance(owner, asset, amountStr, reservedStr string, updatedAt time.Time) (Balance, error) {
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse balance amount: %w", err)
	}
	reserved, err := decimal.NewFromString(reservedStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse reserved amount: %w", err)
	}
	return Balance{Owner: owner, Asset: asset, Amount: amount, Reserved: reserved, UpdatedAt: updatedAt.UTC()}, nil
}
