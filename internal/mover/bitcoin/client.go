package bitcoin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// RPC is the subset of the bitcoind wallet API the mover needs. *rpcclient.Client satisfies it.
type RPC interface {
	SendToAddressComment(address btcutil.Address, amount btcutil.Amount, comment, commentTo string) (*chainhash.Hash, error)
	GetTransaction(txHash *chainhash.Hash) (*btcjson.GetTransactionResult, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// Dialer opens an RPC client bound to one bitcoind wallet.
type Dialer func(wallet string) (RPC, error)

// NodeConfig locates a bitcoind JSON-RPC endpoint.
type NodeConfig struct {
	Host string
	User string
	Pass string
}

// Dial connects in HTTP POST mode. bitcoind routes wallet calls by URL path, so every wallet gets
// its own client.
func Dial(cfg NodeConfig, wallet string) (*rpcclient.Client, error) {
	host := strings.TrimRight(cfg.Host, "/")
	if wallet != "" {
		host += "/wallet/" + wallet
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bitcoind wallet %q: %w", wallet, err)
	}
	return client, nil
}

// NewDialer returns a Dialer over Dial.
func NewDialer(cfg NodeConfig) Dialer {
	return func(wallet string) (RPC, error) {
		return Dial(cfg, wallet)
	}
}

// Params maps a network name to chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

func rawParams(values ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
