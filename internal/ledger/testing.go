package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that credits an owner through a committed atomic unit.
func SeedBalance(b *Book, owner, asset string, amount decimal.Decimal) {
	_ = b.Atomic(context.Background(), func(l Ledger) error {
		_, err := l.Credit(context.Background(), owner, asset, amount, "seed")
		return err
	})
}
