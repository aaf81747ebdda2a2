// Package bitcoin moves value on-chain through a bitcoind wallet.
package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/oracle"
)

const (
	name = "bitcoin"

	// scanDepth bounds the listtransactions lookup used when no txid was recorded.
	scanDepth = 200
)

// Mover sends BTC from the platform hot wallet.
type Mover struct {
	hot       RPC
	dial      Dialer
	params    *chaincfg.Params
	oracle    oracle.Oracle
	logger    *slog.Logger
	hotWallet string
	now       func() time.Time
}

// Options configures a Mover.
type Options struct {
	HotWallet string
	Params    *chaincfg.Params
	Oracle    oracle.Oracle
	Logger    *slog.Logger
}

// New builds the mover. hot is the client bound to the hot wallet; dial opens clients for other
// wallets and may be nil when provisioning is not needed.
func New(hot RPC, dial Dialer, opts Options) *Mover {
	params := opts.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{
		hot:       hot,
		dial:      dial,
		params:    params,
		oracle:    opts.Oracle,
		logger:    logger.With(slog.String("component", "mover.bitcoin")),
		hotWallet: opts.HotWallet,
		now:       time.Now,
	}
}

func (m *Mover) Name() string { return name }

// Quote prices BTC in the request's fiat asset. Withdrawals move the requested amount as is.
func (m *Mover) Quote(ctx context.Context, in mover.Instruction) (mover.Quote, error) {
	if strings.EqualFold(in.AssetIn, in.AssetOut) {
		return mover.Quote{Rate: decimal.NewFromInt(1), AmountOut: in.Amount, AsOf: m.now().UTC()}, nil
	}
	if m.oracle == nil {
		return mover.Quote{}, errors.New("bitcoin mover has no price oracle")
	}
	rate, err := m.oracle.Quote(ctx, in.AssetOut, in.AssetIn)
	if err != nil {
		return mover.Quote{}, fmt.Errorf("quote %s/%s: %w", in.AssetOut, in.AssetIn, err)
	}
	out := mover.Convert(in.Amount, rate.Value, in.AssetOut)
	if !out.IsPositive() {
		return mover.Quote{}, mover.Reject(name, "amount below one satoshi", nil)
	}
	return mover.Quote{Rate: rate.Value, AmountOut: out, AsOf: rate.AsOf}, nil
}

// ValidateAddress checks that addr decodes for the configured network.
func (m *Mover) ValidateAddress(addr string) error {
	_, err := m.decode(addr)
	return err
}

func (m *Mover) decode(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(strings.TrimSpace(addr), m.params)
	if err != nil {
		return nil, mover.Reject(name, "invalid address", err)
	}
	if !decoded.IsForNet(m.params) {
		return nil, mover.Reject(name, "address is for another network", nil)
	}
	return decoded, nil
}

// MoveOut sends AmountOut (or Amount) to Destination. The request id travels as the wallet
// comment so an unrecorded send can be found again.
func (m *Mover) MoveOut(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	addr, err := m.decode(in.Destination)
	if err != nil {
		return mover.Receipt{}, err
	}
	amount := in.AmountOut
	if !amount.IsPositive() {
		amount = in.Amount
	}
	sats := btcutil.Amount(amount.Shift(8).IntPart())
	if sats <= 0 {
		return mover.Receipt{}, mover.Reject(name, "amount below one satoshi", nil)
	}

	hash, err := call(ctx, func() (*chainhash.Hash, error) {
		return m.hot.SendToAddressComment(addr, sats, in.RequestID, in.Owner)
	})
	if err != nil {
		return mover.Receipt{}, classify(err)
	}

	m.logger.Info("bitcoin sent",
		slog.String("request_id", in.RequestID),
		slog.String("txid", hash.String()),
		slog.String("amount", amount.String()),
	)
	return mover.Receipt{ExternalRef: hash.String(), Final: true, Amount: amount}, nil
}

// MoveIn is not offered on-chain; deposits are observed through custody wallets.
func (m *Mover) MoveIn(context.Context, mover.Instruction) (mover.Receipt, error) {
	return mover.Receipt{}, mover.Reject(name, "move-in not supported", nil)
}

// CheckStatus looks the send up by txid, or scans recent wallet history for the request id.
func (m *Mover) CheckStatus(ctx context.Context, in mover.Instruction, externalRef string) (mover.Status, error) {
	if externalRef == "" {
		return m.findByComment(ctx, in.RequestID)
	}
	hash, err := chainhash.NewHashFromStr(externalRef)
	if err != nil {
		return mover.Status{State: mover.StateUnknown, Detail: "malformed txid"}, nil
	}
	tx, err := call(ctx, func() (*btcjson.GetTransactionResult, error) {
		return m.hot.GetTransaction(hash)
	})
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey {
			return mover.Status{State: mover.StateUnknown, ExternalRef: externalRef, Detail: "transaction not in wallet"}, nil
		}
		return mover.Status{}, err
	}
	return txStatus(tx.TxID, tx.Confirmations), nil
}

type listedTx struct {
	TxID          string  `json:"txid"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	Comment       string  `json:"comment"`
}

func (m *Mover) findByComment(ctx context.Context, requestID string) (mover.Status, error) {
	params, err := rawParams("*", scanDepth)
	if err != nil {
		return mover.Status{}, err
	}
	raw, err := call(ctx, func() (json.RawMessage, error) {
		return m.hot.RawRequest("listtransactions", params)
	})
	if err != nil {
		return mover.Status{}, err
	}
	var txs []listedTx
	if err := json.Unmarshal(raw, &txs); err != nil {
		return mover.Status{}, fmt.Errorf("decode listtransactions: %w", err)
	}
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.Category == "send" && tx.Comment == requestID {
			status := txStatus(tx.TxID, tx.Confirmations)
			status.Amount = decimal.NewFromFloat(tx.Amount).Abs()
			return status, nil
		}
	}
	return mover.Status{State: mover.StateUnknown, Detail: "no wallet send carries this request id"}, nil
}

// A wallet transaction exists once bitcoind accepted the send. Negative confirmations mean it was
// conflicted out, which needs a human.
func txStatus(txid string, confirmations int64) mover.Status {
	if confirmations < 0 {
		return mover.Status{State: mover.StateUnknown, ExternalRef: txid, Detail: "transaction conflicted"}
	}
	return mover.Status{State: mover.StateConfirmed, ExternalRef: txid}
}

// Provision creates a wallet on the node and returns its first bech32 deposit address.
func (m *Mover) Provision(ctx context.Context, wallet string) (string, error) {
	if m.dial == nil {
		return "", errors.New("bitcoin mover cannot provision wallets")
	}
	params, err := rawParams(wallet)
	if err != nil {
		return "", err
	}
	if _, err := call(ctx, func() (json.RawMessage, error) {
		return m.hot.RawRequest("createwallet", params)
	}); err != nil {
		return "", fmt.Errorf("createwallet %q: %w", wallet, err)
	}

	client, err := m.dial(wallet)
	if err != nil {
		return "", err
	}
	params, err = rawParams("", "bech32")
	if err != nil {
		return "", err
	}
	raw, err := call(ctx, func() (json.RawMessage, error) {
		return client.RawRequest("getnewaddress", params)
	})
	if err != nil {
		return "", fmt.Errorf("getnewaddress %q: %w", wallet, err)
	}
	var addr string
	if err := json.Unmarshal(raw, &addr); err != nil {
		return "", fmt.Errorf("decode address: %w", err)
	}
	if err := m.ValidateAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// walletAlreadyLoaded is bitcoind's answer to loadwallet for a wallet that is already open.
const walletAlreadyLoaded btcjson.RPCErrorCode = -35

// WalletBalance loads a custody wallet if the node has not yet and returns its confirmed balance
// in BTC.
func (m *Mover) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if m.dial == nil {
		return decimal.Zero, errors.New("bitcoin mover cannot open custody wallets")
	}
	params, err := rawParams(wallet)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := call(ctx, func() (json.RawMessage, error) {
		return m.hot.RawRequest("loadwallet", params)
	}); err != nil {
		var rpcErr *btcjson.RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != walletAlreadyLoaded {
			return decimal.Zero, fmt.Errorf("loadwallet %q: %w", wallet, err)
		}
	}

	client, err := m.dial(wallet)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := call(ctx, func() (json.RawMessage, error) {
		return client.RawRequest("getbalance", nil)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("getbalance %q: %w", wallet, err)
	}
	// Decode the JSON number as text so satoshis are not rounded through float64.
	var amount json.Number
	if err := json.Unmarshal(raw, &amount); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}
	return decimal.NewFromString(amount.String())
}

// classify turns definitive wallet refusals into rejections. Everything else stays ambiguous.
func classify(err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case btcjson.ErrRPCInvalidAddressOrKey:
			return mover.Reject(name, "invalid address", err)
		case btcjson.ErrRPCWalletInsufficientFunds:
			return mover.Reject(name, "insufficient hot wallet funds", err)
		case btcjson.ErrRPCInvalidParameter, btcjson.ErrRPCType:
			return mover.Reject(name, "invalid parameter", err)
		}
	}
	return fmt.Errorf("bitcoin rpc: %w", err)
}

// call runs a blocking RPC and gives up when ctx ends. The RPC keeps running in the background;
// its result is dropped and the caller treats the outcome as ambiguous.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
