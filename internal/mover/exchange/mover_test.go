package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/oracle"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("exchange-test-secret"))

// fakeExchange serves the private endpoints and verifies every signature.
type fakeExchange struct {
	t       *testing.T
	mu      sync.Mutex
	calls   []string
	forms   []url.Values
	replies map[string]string
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, err := url.ParseQuery(string(body))
	assert.NoError(f.t, err)

	secret, _ := base64.StdEncoding.DecodeString(testSecret)
	want := Sign(r.URL.Path, form.Get("nonce"), string(body), secret)
	assert.Equal(f.t, want, r.Header.Get("API-Sign"))
	assert.Equal(f.t, "key-1", r.Header.Get("API-Key"))

	method := r.URL.Path[len("/0/private/"):]
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.forms = append(f.forms, form)
	reply, ok := f.replies[method]
	f.mu.Unlock()
	if !ok {
		reply = `{"error":["EGeneral:Unknown method"]}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func newTestMover(t *testing.T, replies map[string]string) (*Mover, *fakeExchange) {
	t.Helper()
	fake := &fakeExchange{t: t, replies: replies}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "key-1", testSecret, srv.Client())
	require.NoError(t, err)
	o := oracle.NewStatic(map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(30000)})
	return New(client, o, logging.Discard()), fake
}

func TestSign_KnownVector(t *testing.T) {
	// Vector from the exchange's REST authentication documentation.
	secret, err := base64.StdEncoding.DecodeString("kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg==")
	require.NoError(t, err)
	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"
	got := Sign("/0/private/AddOrder", "1616492376594", body, secret)
	assert.Equal(t, "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ==", got)
}

func TestMoveIn_PlacesMarketOrderWithClientID(t *testing.T) {
	m, fake := newTestMover(t, map[string]string{
		"AddOrder":    `{"error":[],"result":{"descr":{"order":"buy 0.02 XBTUSD @ market"},"txid":["OQCLML-BW3P3-BUCMWZ"]}}`,
		"QueryOrders": `{"error":[],"result":{"OQCLML-BW3P3-BUCMWZ":{"status":"closed","vol_exec":"0.02000000","cl_ord_id":"tok-1"}}}`,
	})

	receipt, err := m.MoveIn(context.Background(), mover.Instruction{
		RequestID: "req-1",
		Kind:      mover.KindExchangeBuy,
		AssetIn:   "USD",
		AssetOut:  "BTC",
		Amount:    decimal.NewFromInt(600),
		AmountOut: decimal.RequireFromString("0.02"),
		Token:     "tok-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Final)
	assert.Equal(t, "OQCLML-BW3P3-BUCMWZ", receipt.ExternalRef)

	require.Equal(t, []string{"AddOrder", "QueryOrders"}, fake.calls)
	order := fake.forms[0]
	assert.Equal(t, "XBTUSD", order.Get("pair"))
	assert.Equal(t, "market", order.Get("ordertype"))
	assert.Equal(t, "0.02", order.Get("volume"))
	assert.Equal(t, "tok-1", order.Get("cl_ord_id"))
}

func TestMoveIn_OpenOrderIsNotFinal(t *testing.T) {
	m, _ := newTestMover(t, map[string]string{
		"AddOrder":    `{"error":[],"result":{"txid":["O1"]}}`,
		"QueryOrders": `{"error":[],"result":{"O1":{"status":"open"}}}`,
	})
	receipt, err := m.MoveIn(context.Background(), mover.Instruction{RequestID: "req-1", AssetIn: "USD", AssetOut: "BTC", AmountOut: decimal.RequireFromString("0.01")})
	require.NoError(t, err)
	assert.False(t, receipt.Final)
	assert.Equal(t, "O1", receipt.ExternalRef)
}

func TestMoveIn_ErrorClassification(t *testing.T) {
	m, _ := newTestMover(t, map[string]string{
		"AddOrder": `{"error":["EOrder:Insufficient funds"]}`,
	})
	_, err := m.MoveIn(context.Background(), mover.Instruction{RequestID: "req-1", AssetIn: "USD", AssetOut: "BTC", AmountOut: decimal.RequireFromString("0.01")})
	assert.True(t, mover.IsRejected(err))

	m, _ = newTestMover(t, map[string]string{
		"AddOrder": `{"error":["EService:Unavailable"]}`,
	})
	_, err = m.MoveIn(context.Background(), mover.Instruction{RequestID: "req-1", AssetIn: "USD", AssetOut: "BTC", AmountOut: decimal.RequireFromString("0.01")})
	require.Error(t, err)
	assert.False(t, mover.IsRejected(err))
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestMoveOut_Withdraw(t *testing.T) {
	m, fake := newTestMover(t, map[string]string{
		"Withdraw": `{"error":[],"result":{"refid":"AGBSO6T-UFMTTQ-I7KGS6"}}`,
	})
	receipt, err := m.MoveOut(context.Background(), mover.Instruction{
		RequestID:   "req-2",
		Kind:        mover.KindExchangeWithdraw,
		AssetIn:     "BTC",
		Amount:      decimal.RequireFromString("0.5"),
		Destination: "cold-storage",
	})
	require.NoError(t, err)
	assert.False(t, receipt.Final)
	assert.Equal(t, "AGBSO6T-UFMTTQ-I7KGS6", receipt.ExternalRef)
	assert.Equal(t, "XBT", fake.forms[0].Get("asset"))
	assert.Equal(t, "cold-storage", fake.forms[0].Get("key"))

	_, err = m.MoveOut(context.Background(), mover.Instruction{RequestID: "req-3", AssetIn: "BTC", Amount: decimal.NewFromInt(1)})
	assert.True(t, mover.IsRejected(err))
}

func TestCheckStatus_Orders(t *testing.T) {
	m, _ := newTestMover(t, map[string]string{
		"QueryOrders":  `{"error":[],"result":{"O1":{"status":"canceled","reason":"User requested"},"O3":{"status":"canceled","vol_exec":"0.004"}}}`,
		"OpenOrders":   `{"error":[],"result":{"open":{}}}`,
		"ClosedOrders": `{"error":[],"result":{"closed":{"O2":{"status":"closed","cl_ord_id":"tok-2","vol_exec":"0.01"}},"count":1}}`,
	})

	status, err := m.CheckStatus(context.Background(), mover.Instruction{Kind: mover.KindExchangeBuy}, "O1")
	require.NoError(t, err)
	assert.Equal(t, mover.StateRejected, status.State)

	// Cancelled after a partial fill: coins were bought, so this is not a clean rejection.
	status, err = m.CheckStatus(context.Background(), mover.Instruction{Kind: mover.KindExchangeBuy}, "O3")
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
	assert.Equal(t, "0.004", status.Amount.String())
	assert.Contains(t, status.Detail, "partially filled")

	status, err = m.CheckStatus(context.Background(), mover.Instruction{Kind: mover.KindExchangeBuy, RequestID: "req-2", Token: "tok-2"}, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateConfirmed, status.State)
	assert.Equal(t, "O2", status.ExternalRef)

	status, err = m.CheckStatus(context.Background(), mover.Instruction{Kind: mover.KindExchangeBuy, Token: "tok-missing"}, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
}

func TestCheckStatus_Withdrawals(t *testing.T) {
	created := time.Unix(1700000000, 0)
	m, _ := newTestMover(t, map[string]string{
		"WithdrawStatus": `{"error":[],"result":[
			{"refid":"W1","amount":"0.5","status":"Success","time":1700000100,"txid":"abc"},
			{"refid":"W2","amount":"0.7","status":"Pending","time":1700000200}
		]}`,
	})

	in := mover.Instruction{Kind: mover.KindExchangeWithdraw, AssetIn: "BTC", Amount: decimal.RequireFromString("0.5"), CreatedAt: created}
	status, err := m.CheckStatus(context.Background(), in, "W1")
	require.NoError(t, err)
	assert.Equal(t, mover.StateConfirmed, status.State)

	status, err = m.CheckStatus(context.Background(), in, "W2")
	require.NoError(t, err)
	assert.Equal(t, mover.StatePending, status.State)

	status, err = m.CheckStatus(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateConfirmed, status.State)
	assert.Equal(t, "W1", status.ExternalRef)
}

func TestCheckStatus_WithdrawalFallbackNeedsSingleMatch(t *testing.T) {
	created := time.Unix(1700000000, 0)
	m, _ := newTestMover(t, map[string]string{
		"WithdrawStatus": `{"error":[],"result":[
			{"refid":"W0","amount":"0.5","status":"Success","time":1699999000},
			{"refid":"W1","amount":"0.5","status":"Success","time":1700000100},
			{"refid":"W3","amount":"0.5","status":"Pending","time":1700000300}
		]}`,
	})

	in := mover.Instruction{Kind: mover.KindExchangeWithdraw, AssetIn: "BTC", Amount: decimal.RequireFromString("0.5"), CreatedAt: created}
	status, err := m.CheckStatus(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
	assert.Equal(t, "several withdrawals match", status.Detail)

	in.Amount = decimal.RequireFromString("0.6")
	status, err = m.CheckStatus(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
	assert.Equal(t, "withdrawal not found", status.Detail)
}

func TestClient_NonceIncreases(t *testing.T) {
	c, err := NewClient("http://localhost", "k", testSecret, nil)
	require.NoError(t, err)
	a, b := c.nonce(), c.nonce()
	assert.Greater(t, b, a)
}
