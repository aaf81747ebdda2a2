package wallet

import (
	"context"
	"fmt"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byOwner map[string]Wallet
}

// NewMemoryRepository constructs an in-memory repository for tests and development.
func NewMemoryRepository() Repository {
	return &memoryRepository{byOwner: make(map[string]Wallet)}
}

func (r *memoryRepository) Create(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byOwner[wallet.Owner]; exists {
		return fmt.Errorf("owner %s: %w", wallet.Owner, ErrExists)
	}
	r.byOwner[wallet.Owner] = wallet
	return nil
}

func (r *memoryRepository) GetByOwner(_ context.Context, owner string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.byOwner[owner]
	if !ok {
		return Wallet{}, fmt.Errorf("owner %s: %w", owner, ErrNotFound)
	}
	return wallet, nil
}
