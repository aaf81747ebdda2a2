package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/oracle"
)

const (
	segwitAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	txid       = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

type sent struct {
	address string
	amount  btcutil.Amount
	comment string
}

type fakeRPC struct {
	mu       sync.Mutex
	sends    []sent
	sendErr  error
	block    chan struct{}
	txs      map[string]*btcjson.GetTransactionResult
	listed   []listedTx
	raw      map[string]json.RawMessage
	rawErr   map[string]error
	rawCalls []string
}

func (f *fakeRPC) SendToAddressComment(address btcutil.Address, amount btcutil.Amount, comment, _ string) (*chainhash.Hash, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, sent{address: address.EncodeAddress(), amount: amount, comment: comment})
	return chainhash.NewHashFromStr(txid)
}

func (f *fakeRPC) GetTransaction(hash *chainhash.Hash) (*btcjson.GetTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash.String()]
	if !ok {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCInvalidAddressOrKey, Message: "Invalid or non-wallet transaction id"}
	}
	return tx, nil
}

func (f *fakeRPC) RawRequest(method string, _ []json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawCalls = append(f.rawCalls, method)
	if err, ok := f.rawErr[method]; ok {
		return nil, err
	}
	if method == "listtransactions" {
		return json.Marshal(f.listed)
	}
	if raw, ok := f.raw[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`null`), nil
}

func newMover(rpc *fakeRPC) *Mover {
	return New(rpc, func(string) (RPC, error) { return rpc, nil }, Options{
		HotWallet: "hot",
		Params:    &chaincfg.MainNetParams,
		Oracle:    oracle.NewStatic(map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(30000)}),
		Logger:    logging.Discard(),
	})
}

func TestQuote_ConvertsFiatToSats(t *testing.T) {
	m := newMover(&fakeRPC{})

	q, err := m.Quote(context.Background(), mover.Instruction{AssetIn: "USD", AssetOut: "BTC", Amount: decimal.NewFromInt(600)})
	require.NoError(t, err)
	assert.Equal(t, "0.02", q.AmountOut.String())
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(30000)))

	q, err = m.Quote(context.Background(), mover.Instruction{AssetIn: "BTC", AssetOut: "BTC", Amount: decimal.RequireFromString("0.5")})
	require.NoError(t, err)
	assert.Equal(t, "0.5", q.AmountOut.String())
}

func TestMoveOut_SendsWithRequestComment(t *testing.T) {
	rpc := &fakeRPC{}
	m := newMover(rpc)

	receipt, err := m.MoveOut(context.Background(), mover.Instruction{
		RequestID:   "req-1",
		Owner:       "alice",
		Amount:      decimal.NewFromInt(600),
		AmountOut:   decimal.RequireFromString("0.02"),
		Destination: segwitAddr,
	})
	require.NoError(t, err)
	assert.True(t, receipt.Final)
	assert.Equal(t, txid, receipt.ExternalRef)

	require.Len(t, rpc.sends, 1)
	assert.Equal(t, btcutil.Amount(2_000_000), rpc.sends[0].amount)
	assert.Equal(t, "req-1", rpc.sends[0].comment)
}

func TestMoveOut_InvalidAddressIsRejected(t *testing.T) {
	rpc := &fakeRPC{}
	m := newMover(rpc)

	_, err := m.MoveOut(context.Background(), mover.Instruction{RequestID: "req-1", Amount: decimal.NewFromInt(1), Destination: "not-an-address"})
	require.Error(t, err)
	assert.True(t, mover.IsRejected(err))
	assert.Empty(t, rpc.sends)
}

func TestMoveOut_ClassifiesRPCErrors(t *testing.T) {
	rpc := &fakeRPC{sendErr: &btcjson.RPCError{Code: btcjson.ErrRPCWalletInsufficientFunds, Message: "Insufficient funds"}}
	_, err := newMover(rpc).MoveOut(context.Background(), mover.Instruction{RequestID: "req-1", Amount: decimal.NewFromInt(1), Destination: segwitAddr})
	assert.True(t, mover.IsRejected(err))

	rpc = &fakeRPC{sendErr: errors.New("connection reset")}
	_, err = newMover(rpc).MoveOut(context.Background(), mover.Instruction{RequestID: "req-1", Amount: decimal.NewFromInt(1), Destination: segwitAddr})
	require.Error(t, err)
	assert.False(t, mover.IsRejected(err))
}

func TestMoveOut_TimeoutIsAmbiguous(t *testing.T) {
	rpc := &fakeRPC{block: make(chan struct{})}
	defer close(rpc.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newMover(rpc).MoveOut(ctx, mover.Instruction{RequestID: "req-1", Amount: decimal.NewFromInt(1), Destination: segwitAddr})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, mover.IsRejected(err))
}

func TestCheckStatus_ByTxid(t *testing.T) {
	rpc := &fakeRPC{txs: map[string]*btcjson.GetTransactionResult{
		txid: {TxID: txid, Confirmations: 0},
	}}
	m := newMover(rpc)

	status, err := m.CheckStatus(context.Background(), mover.Instruction{RequestID: "req-1"}, txid)
	require.NoError(t, err)
	assert.Equal(t, mover.StateConfirmed, status.State)

	other := "0000000000000000000000000000000000000000000000000000000000000001"
	status, err = m.CheckStatus(context.Background(), mover.Instruction{RequestID: "req-1"}, other)
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
}

func TestCheckStatus_ScansForComment(t *testing.T) {
	rpc := &fakeRPC{listed: []listedTx{
		{TxID: "aa", Category: "receive", Amount: 1, Comment: "req-1"},
		{TxID: txid, Category: "send", Amount: -0.02, Confirmations: 3, Comment: "req-1"},
	}}
	m := newMover(rpc)

	status, err := m.CheckStatus(context.Background(), mover.Instruction{RequestID: "req-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateConfirmed, status.State)
	assert.Equal(t, txid, status.ExternalRef)
	assert.Equal(t, "0.02", status.Amount.String())

	status, err = m.CheckStatus(context.Background(), mover.Instruction{RequestID: "req-2"}, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StateUnknown, status.State)
}

func TestProvision(t *testing.T) {
	rpc := &fakeRPC{raw: map[string]json.RawMessage{
		"createwallet":  json.RawMessage(`{"name":"cust-alice","warning":""}`),
		"getnewaddress": json.RawMessage(`"` + segwitAddr + `"`),
	}}
	addr, err := newMover(rpc).Provision(context.Background(), "cust-alice")
	require.NoError(t, err)
	assert.Equal(t, segwitAddr, addr)
	assert.Equal(t, []string{"createwallet", "getnewaddress"}, rpc.rawCalls)
}

func TestWalletBalance(t *testing.T) {
	rpc := &fakeRPC{
		raw:    map[string]json.RawMessage{"getbalance": json.RawMessage(`0.02000001`)},
		rawErr: map[string]error{"loadwallet": &btcjson.RPCError{Code: -35, Message: "Wallet already loaded"}},
	}
	bal, err := newMover(rpc).WalletBalance(context.Background(), "cust-alice")
	require.NoError(t, err)
	assert.Equal(t, "0.02000001", bal.String())
	assert.Equal(t, []string{"loadwallet", "getbalance"}, rpc.rawCalls)

	rpc = &fakeRPC{rawErr: map[string]error{"loadwallet": &btcjson.RPCError{Code: -18, Message: "Wallet not found"}}}
	_, err = newMover(rpc).WalletBalance(context.Background(), "cust-bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loadwallet")
	assert.Equal(t, []string{"loadwallet"}, rpc.rawCalls)
}

func TestParams(t *testing.T) {
	p, err := Params("regtest")
	require.NoError(t, err)
	assert.Equal(t, chaincfg.RegressionNetParams.Name, p.Name)

	_, err = Params("moonnet")
	assert.Error(t, err)
}
