package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
)

const custodyAsset = "BTC"

// Provisioner creates wallets on the node and reads their balance. Implemented by the bitcoin
// mover.
type Provisioner interface {
	Provision(ctx context.Context, walletRef string) (string, error)
	ValidateAddress(addr string) error
	WalletBalance(ctx context.Context, walletRef string) (decimal.Decimal, error)
}

// Books reads what the ledger holds for an owner.
type Books interface {
	Balance(ctx context.Context, owner, asset string) (ledger.Balance, error)
}

// Service hands out one custody wallet per owner.
type Service struct {
	repo        Repository
	provisioner Provisioner
	books       Books
	network     string
	logger      *slog.Logger
}

// NewService builds a wallet service instance. books may be nil, which disables Balance.
func NewService(repo Repository, provisioner Provisioner, books Books, network string, logger *slog.Logger) *Service {
	return &Service{repo: repo, provisioner: provisioner, books: books, network: network, logger: logger}
}

// Create provisions a custody wallet for owner. An owner that already has one gets it back with
// created set to false.
func (s *Service) Create(ctx context.Context, owner string) (Wallet, bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" || len(owner) > 128 {
		return Wallet{}, false, ErrInvalidOwner
	}

	existing, err := s.repo.GetByOwner(ctx, owner)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Wallet{}, false, err
	}
	if s.provisioner == nil {
		return Wallet{}, false, errors.New("wallet provisioning is not configured")
	}

	id := uuid.New()
	walletRef := "custody-" + strings.ReplaceAll(id.String(), "-", "")
	address, err := s.provisioner.Provision(ctx, walletRef)
	if err != nil {
		return Wallet{}, false, fmt.Errorf("provision %s: %w", walletRef, err)
	}
	if err := s.provisioner.ValidateAddress(address); err != nil {
		return Wallet{}, false, err
	}

	wallet := Wallet{
		ID:        id.String(),
		Owner:     owner,
		WalletRef: walletRef,
		Address:   address,
		Network:   s.network,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, wallet); err != nil {
		if errors.Is(err, ErrExists) {
			// Lost a race with a concurrent create; the node wallet just made stays unused.
			s.logger.Warn("orphaned custody wallet", slog.String("owner", owner), slog.String("wallet_ref", walletRef))
			existing, gerr := s.repo.GetByOwner(ctx, owner)
			return existing, false, gerr
		}
		return Wallet{}, false, err
	}

	s.logger.Info("custody wallet provisioned",
		slog.String("owner", owner),
		slog.String("wallet_ref", walletRef),
		slog.String("network", s.network),
	)
	return wallet, true, nil
}

// Get retrieves the wallet of owner.
func (s *Service) Get(ctx context.Context, owner string) (Wallet, error) {
	return s.repo.GetByOwner(ctx, strings.TrimSpace(owner))
}

// BalanceCheck compares what the node holds in a custody wallet with what the ledger credits
// its owner.
type BalanceCheck struct {
	Owner      string          `json:"owner"`
	Address    string          `json:"address"`
	Asset      string          `json:"asset"`
	OnChain    decimal.Decimal `json:"on_chain"`
	Ledger     decimal.Decimal `json:"ledger"`
	Difference decimal.Decimal `json:"difference"`
	InSync     bool            `json:"in_sync"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Balance reads the custody wallet of owner from the node and sets it against the ledger.
// Reserved coins still count as the owner's: they have not left custody yet.
func (s *Service) Balance(ctx context.Context, owner string) (BalanceCheck, error) {
	wallet, err := s.Get(ctx, owner)
	if err != nil {
		return BalanceCheck{}, err
	}
	if s.provisioner == nil || s.books == nil {
		return BalanceCheck{}, errors.New("wallet balance checks are not configured")
	}
	onChain, err := s.provisioner.WalletBalance(ctx, wallet.WalletRef)
	if err != nil {
		return BalanceCheck{}, fmt.Errorf("node balance of %s: %w", wallet.WalletRef, err)
	}
	booked, err := s.books.Balance(ctx, wallet.Owner, custodyAsset)
	if err != nil {
		return BalanceCheck{}, fmt.Errorf("ledger balance of %s: %w", wallet.Owner, err)
	}

	held := booked.Amount.Add(booked.Reserved)
	check := BalanceCheck{
		Owner:      wallet.Owner,
		Address:    wallet.Address,
		Asset:      custodyAsset,
		OnChain:    onChain,
		Ledger:     held,
		Difference: onChain.Sub(held),
		CheckedAt:  time.Now().UTC(),
	}
	check.InSync = check.Difference.IsZero()
	if !check.InSync {
		s.logger.Warn("custody wallet out of sync with ledger",
			slog.String("owner", wallet.Owner),
			slog.String("wallet_ref", wallet.WalletRef),
			slog.String("on_chain", onChain.String()),
			slog.String("ledger", held.String()),
		)
	}
	return check, nil
}

// CustodyAddress reports the receive address of owner's custody wallet, if there is one.
func (s *Service) CustodyAddress(ctx context.Context, owner string) (string, bool, error) {
	wallet, err := s.Get(ctx, owner)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return wallet.Address, true, nil
}
