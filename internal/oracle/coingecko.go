package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko reads spot prices from the public /simple/price endpoint.
type CoinGecko struct {
	baseURL string
	client  *http.Client
	ids     map[string]string
}

// NewCoinGecko builds a client. An empty baseURL targets the public API.
func NewCoinGecko(baseURL string, client *http.Client) *CoinGecko {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		ids: map[string]string{
			"BTC": "bitcoin",
			"XBT": "bitcoin",
			"ETH": "ethereum",
		},
	}
}

// Quote fetches the price of base in quote.
func (c *CoinGecko) Quote(ctx context.Context, base, quote string) (Rate, error) {
	id, ok := c.ids[strings.ToUpper(base)]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, base, quote)
	}
	vs := strings.ToLower(quote)

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return Rate{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Rate{}, fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("coingecko status %d", resp.StatusCode)
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Rate{}, fmt.Errorf("decode coingecko response: %w", err)
	}
	v, ok := payload[id][vs]
	if !ok || !v.IsPositive() {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, base, quote)
	}
	return Rate{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote), Value: v, AsOf: time.Now().UTC()}, nil
}
