package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists custody wallet metadata.
type Repository interface {
	// Create returns ErrExists when the owner already has a wallet.
	Create(ctx context.Context, wallet Wallet) error
	GetByOwner(ctx context.Context, owner string) (Wallet, error)
}

// PostgresRepository stores wallets in the custody_wallets table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO custody_wallets (id, owner, wallet_ref, address, network, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		walletID, wallet.Owner, wallet.WalletRef, wallet.Address, wallet.Network, wallet.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("owner %s: %w", wallet.Owner, ErrExists)
	}
	return err
}

// GetByOwner fetches the wallet of an owner.
func (r *PostgresRepository) GetByOwner(ctx context.Context, owner string) (Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT id, owner, wallet_ref, address, network, created_at
        FROM custody_wallets WHERE owner = $1`, owner)
	var (
		w         Wallet
		idVal     uuid.UUID
		createdAt time.Time
	)
	if err := row.Scan(&idVal, &w.Owner, &w.WalletRef, &w.Address, &w.Network, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("owner %s: %w", owner, ErrNotFound)
		}
		return Wallet{}, err
	}
	w.ID = idVal.String()
	w.CreatedAt = createdAt.UTC()
	return w, nil
}
