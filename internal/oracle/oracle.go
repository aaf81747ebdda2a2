// Package oracle supplies exchange rates to the movers. Rate sourcing itself is an external
// concern; this package only fetches, caches and ages quotes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnsupportedPair is returned when the oracle cannot price base in quote.
var ErrUnsupportedPair = errors.New("unsupported pair")

// Rate is the price of one unit of Base expressed in Quote.
type Rate struct {
	Base  string
	Quote string
	Value decimal.Decimal
	AsOf  time.Time
}

// Oracle prices a pair.
type Oracle interface {
	Quote(ctx context.Context, base, quote string) (Rate, error)
}

// Static serves fixed rates. Useful in tests and local development.
type Static struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
	now   func() time.Time
}

// NewStatic builds a static oracle from "BASE/QUOTE" keyed rates.
func NewStatic(rates map[string]decimal.Decimal) *Static {
	s := &Static{rates: make(map[string]decimal.Decimal, len(rates)), now: time.Now}
	for pair, v := range rates {
		s.rates[strings.ToUpper(pair)] = v
	}
	return s
}

// Set replaces one rate.
func (s *Static) Set(base, quote string, v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pairKey(base, quote)] = v
}

// Quote returns the configured rate stamped with the current time.
func (s *Static) Quote(_ context.Context, base, quote string) (Rate, error) {
	s.mu.RLock()
	v, ok := s.rates[pairKey(base, quote)]
	s.mu.RUnlock()
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, base, quote)
	}
	return Rate{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote), Value: v, AsOf: s.now().UTC()}, nil
}

func pairKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}
