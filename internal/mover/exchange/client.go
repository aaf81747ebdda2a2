package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const apiVersion = "/0"

// APIError carries the error entries of an exchange response.
type APIError struct {
	Errors []string
}

func (e *APIError) Error() string {
	return "exchange: " + strings.Join(e.Errors, "; ")
}

// definitive reports whether the exchange refused the call outright.
func (e *APIError) definitive() bool {
	for _, msg := range e.Errors {
		switch {
		case strings.HasPrefix(msg, "EOrder:"),
			strings.HasPrefix(msg, "EFunding:"),
			strings.HasPrefix(msg, "EGeneral:Invalid arguments"),
			strings.HasPrefix(msg, "EGeneral:Permission denied"),
			msg == "EAPI:Invalid key",
			msg == "EAPI:Invalid signature":
			return true
		}
	}
	return false
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Client signs and sends private REST calls.
type Client struct {
	baseURL string
	key     string
	secret  []byte
	http    *http.Client

	mu        sync.Mutex
	lastNonce int64
}

// NewClient builds a client. secret is the base64 API secret as issued by the exchange.
func NewClient(baseURL, key, secret string, httpClient *http.Client) (*Client, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode exchange secret: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  decoded,
		http:    httpClient,
	}, nil
}

// nonce is strictly increasing even when two calls land in the same microsecond.
func (c *Client) nonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := time.Now().UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Sign computes API-Sign: HMAC-SHA512 over path + SHA256(nonce + body), keyed by the secret.
func Sign(path, nonce, body string, secret []byte) string {
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) private(ctx context.Context, method string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	nonce := strconv.FormatInt(c.nonce(), 10)
	form.Set("nonce", nonce)
	body := form.Encode()
	path := apiVersion + "/private/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.key)
	req.Header.Set("API-Sign", Sign(path, nonce, body, c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("exchange %s: status %d", method, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("exchange %s: decode: %w", method, err)
	}
	if len(env.Error) > 0 {
		return &APIError{Errors: env.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("exchange %s: decode result: %w", method, err)
	}
	return nil
}

// Order is the subset of order info the mover reads.
type Order struct {
	Status  string `json:"status"`
	ClOrdID string `json:"cl_ord_id"`
	VolExec string `json:"vol_exec"`
	Cost    string `json:"cost"`
	Reason  string `json:"reason"`
}

type addOrderResult struct {
	TxID []string `json:"txid"`
}

// AddOrder places a market buy of volume base in pair and returns the exchange order id.
func (c *Client) AddOrder(ctx context.Context, pair, volume, clOrdID string) (string, error) {
	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", "buy")
	form.Set("ordertype", "market")
	form.Set("volume", volume)
	form.Set("cl_ord_id", clOrdID)

	var res addOrderResult
	if err := c.private(ctx, "AddOrder", form, &res); err != nil {
		return "", err
	}
	if len(res.TxID) == 0 {
		return "", fmt.Errorf("exchange AddOrder: no order id returned")
	}
	return res.TxID[0], nil
}

// QueryOrders returns orders keyed by exchange id.
func (c *Client) QueryOrders(ctx context.Context, txid string) (map[string]Order, error) {
	form := url.Values{}
	form.Set("txid", txid)
	out := map[string]Order{}
	if err := c.private(ctx, "QueryOrders", form, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindOrder looks an order up by client order id among open and closed orders.
func (c *Client) FindOrder(ctx context.Context, clOrdID string) (string, Order, bool, error) {
	for _, call := range []struct{ method, field string }{
		{"OpenOrders", "open"},
		{"ClosedOrders", "closed"},
	} {
		form := url.Values{}
		form.Set("cl_ord_id", clOrdID)
		var res map[string]json.RawMessage
		if err := c.private(ctx, call.method, form, &res); err != nil {
			return "", Order{}, false, err
		}
		raw, ok := res[call.field]
		if !ok {
			continue
		}
		orders := map[string]Order{}
		if err := json.Unmarshal(raw, &orders); err != nil {
			return "", Order{}, false, fmt.Errorf("exchange %s: decode orders: %w", call.method, err)
		}
		for id, o := range orders {
			if o.ClOrdID == clOrdID {
				return id, o, true, nil
			}
		}
	}
	return "", Order{}, false, nil
}

type withdrawResult struct {
	RefID string `json:"refid"`
}

// Withdraw sends amount of asset to a pre-registered withdrawal key.
func (c *Client) Withdraw(ctx context.Context, asset, key, amount string) (string, error) {
	form := url.Values{}
	form.Set("asset", asset)
	form.Set("key", key)
	form.Set("amount", amount)

	var res withdrawResult
	if err := c.private(ctx, "Withdraw", form, &res); err != nil {
		return "", err
	}
	return res.RefID, nil
}

// Withdrawal is one entry of WithdrawStatus.
type Withdrawal struct {
	RefID  string `json:"refid"`
	TxID   string `json:"txid"`
	Amount string `json:"amount"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// WithdrawStatus lists recent withdrawals of asset.
func (c *Client) WithdrawStatus(ctx context.Context, asset string) ([]Withdrawal, error) {
	form := url.Values{}
	form.Set("asset", asset)
	var out []Withdrawal
	if err := c.private(ctx, "WithdrawStatus", form, &out); err != nil {
		return nil, err
	}
	return out, nil
}
