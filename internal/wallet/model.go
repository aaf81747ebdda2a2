package wallet

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an owner has no custody wallet.
	ErrNotFound = errors.New("custody wallet not found")

	// ErrExists is returned when an owner already has a custody wallet.
	ErrExists = errors.New("custody wallet already exists")

	// ErrInvalidOwner is returned for an empty or oversized owner.
	ErrInvalidOwner = errors.New("owner must be 1 to 128 characters")
)

// Wallet is the on-chain custody wallet of one owner. WalletRef names the wallet on the node.
type Wallet struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	WalletRef string    `json:"wallet_ref"`
	Address   string    `json:"address"`
	Network   string    `json:"network"`
	CreatedAt time.Time `json:"created_at"`
}
