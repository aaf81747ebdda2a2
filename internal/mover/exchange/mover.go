// Package exchange buys and withdraws crypto through a Kraken-style exchange account.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/oracle"
)

const name = "exchange"

// API is the exchange surface used by the mover. *Client satisfies it.
type API interface {
	AddOrder(ctx context.Context, pair, volume, clOrdID string) (string, error)
	QueryOrders(ctx context.Context, txid string) (map[string]Order, error)
	FindOrder(ctx context.Context, clOrdID string) (string, Order, bool, error)
	Withdraw(ctx context.Context, asset, key, amount string) (string, error)
	WithdrawStatus(ctx context.Context, asset string) ([]Withdrawal, error)
}

// Mover implements mover.Mover against the exchange.
type Mover struct {
	api    API
	oracle oracle.Oracle
	logger *slog.Logger
	now    func() time.Time
}

// New builds the exchange mover.
func New(api API, o oracle.Oracle, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{
		api:    api,
		oracle: o,
		logger: logger.With(slog.String("component", "mover.exchange")),
		now:    time.Now,
	}
}

func (m *Mover) Name() string { return name }

// exchangeAsset maps platform asset codes to the exchange's.
func exchangeAsset(asset string) string {
	switch a := strings.ToUpper(asset); a {
	case "BTC":
		return "XBT"
	default:
		return a
	}
}

func (m *Mover) Quote(ctx context.Context, in mover.Instruction) (mover.Quote, error) {
	if strings.EqualFold(in.AssetIn, in.AssetOut) {
		return mover.Quote{Rate: decimal.NewFromInt(1), AmountOut: in.Amount, AsOf: m.now().UTC()}, nil
	}
	if m.oracle == nil {
		return mover.Quote{}, errors.New("exchange mover has no price oracle")
	}
	rate, err := m.oracle.Quote(ctx, in.AssetOut, in.AssetIn)
	if err != nil {
		return mover.Quote{}, fmt.Errorf("quote %s/%s: %w", in.AssetOut, in.AssetIn, err)
	}
	out := mover.Convert(in.Amount, rate.Value, in.AssetOut)
	if !out.IsPositive() {
		return mover.Quote{}, mover.Reject(name, "volume rounds to zero", nil)
	}
	return mover.Quote{Rate: rate.Value, AmountOut: out, AsOf: rate.AsOf}, nil
}

// MoveIn buys AmountOut of AssetOut with a market order. The client order id is the instruction
// token, so a retried call never places a second order.
func (m *Mover) MoveIn(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	pair := exchangeAsset(in.AssetOut) + exchangeAsset(in.AssetIn)
	orderID, err := m.api.AddOrder(ctx, pair, in.AmountOut.String(), token(in))
	if err != nil {
		return mover.Receipt{}, classify(err)
	}
	m.logger.Info("order placed",
		slog.String("request_id", in.RequestID),
		slog.String("order_id", orderID),
		slog.String("pair", pair),
	)

	// Market orders usually fill immediately; a failed lookup just leaves the receipt open.
	orders, err := m.api.QueryOrders(ctx, orderID)
	if err == nil {
		if o, ok := orders[orderID]; ok && orderState(o.Status, decimal.Zero) == mover.StateConfirmed {
			return mover.Receipt{ExternalRef: orderID, Final: true, Amount: in.AmountOut}, nil
		}
	}
	return mover.Receipt{ExternalRef: orderID, Final: false, Amount: in.AmountOut}, nil
}

// MoveOut withdraws Amount of AssetIn to the withdrawal key named by Destination.
func (m *Mover) MoveOut(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	if strings.TrimSpace(in.Destination) == "" {
		return mover.Receipt{}, mover.Reject(name, "missing withdrawal key", nil)
	}
	refID, err := m.api.Withdraw(ctx, exchangeAsset(in.AssetIn), in.Destination, in.Amount.String())
	if err != nil {
		return mover.Receipt{}, classify(err)
	}
	m.logger.Info("withdrawal requested",
		slog.String("request_id", in.RequestID),
		slog.String("refid", refID),
	)
	return mover.Receipt{ExternalRef: refID, Final: false, Amount: in.Amount}, nil
}

func (m *Mover) CheckStatus(ctx context.Context, in mover.Instruction, externalRef string) (mover.Status, error) {
	if in.Kind == mover.KindExchangeWithdraw {
		return m.withdrawalStatus(ctx, in, externalRef)
	}
	return m.orderStatus(ctx, in, externalRef)
}

func (m *Mover) orderStatus(ctx context.Context, in mover.Instruction, orderID string) (mover.Status, error) {
	var (
		order Order
		found bool
	)
	if orderID != "" {
		orders, err := m.api.QueryOrders(ctx, orderID)
		if err != nil {
			return mover.Status{}, err
		}
		order, found = orders[orderID]
	} else {
		id, o, ok, err := m.api.FindOrder(ctx, token(in))
		if err != nil {
			return mover.Status{}, err
		}
		orderID, order, found = id, o, ok
	}
	if !found {
		return mover.Status{State: mover.StateUnknown, ExternalRef: orderID, Detail: "order not found"}, nil
	}
	vol, err := decimal.NewFromString(order.VolExec)
	if err != nil {
		vol = decimal.Zero
	}
	status := mover.Status{State: orderState(order.Status, vol), ExternalRef: orderID, Detail: order.Reason, Amount: vol}
	if status.State == mover.StateUnknown && vol.IsPositive() {
		status.Detail = fmt.Sprintf("order %s partially filled (%s) before it ended", order.Status, vol)
	}
	return status, nil
}

// orderState maps a Kraken order status. An order that ended after a partial fill bought
// something, so neither outcome can be booked without a human.
func orderState(status string, executed decimal.Decimal) mover.State {
	switch status {
	case "closed":
		return mover.StateConfirmed
	case "pending", "open":
		return mover.StatePending
	case "canceled", "expired":
		if executed.IsPositive() {
			return mover.StateUnknown
		}
		return mover.StateRejected
	default:
		return mover.StateUnknown
	}
}

// withdrawalStatus matches by refid, or by amount and time when the refid was never recorded.
// Kraken withdrawals carry no client id, so the fallback is best effort: it only answers when
// exactly one withdrawal of the asset matches, and a lone match may still be someone else's
// withdrawal of the same amount.
func (m *Mover) withdrawalStatus(ctx context.Context, in mover.Instruction, refID string) (mover.Status, error) {
	list, err := m.api.WithdrawStatus(ctx, exchangeAsset(in.AssetIn))
	if err != nil {
		return mover.Status{}, err
	}

	var candidates []Withdrawal
	for _, w := range list {
		if refID != "" {
			if w.RefID == refID {
				candidates = append(candidates, w)
			}
			continue
		}
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil || !amount.Equal(in.Amount) {
			continue
		}
		if time.Unix(w.Time, 0).Before(in.CreatedAt.Truncate(time.Second)) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) != 1 {
		detail := "withdrawal not found"
		if len(candidates) > 1 {
			detail = "several withdrawals match"
		}
		return mover.Status{State: mover.StateUnknown, ExternalRef: refID, Detail: detail}, nil
	}

	w := candidates[0]
	status := mover.Status{State: withdrawalState(w.Status), ExternalRef: w.RefID, Detail: w.TxID}
	if amount, err := decimal.NewFromString(w.Amount); err == nil {
		status.Amount = amount
	}
	return status, nil
}

func withdrawalState(status string) mover.State {
	switch status {
	case "Success":
		return mover.StateConfirmed
	case "Initial", "Pending", "Settled":
		return mover.StatePending
	case "Failure":
		return mover.StateRejected
	default:
		return mover.StateUnknown
	}
}

func token(in mover.Instruction) string {
	if in.Token != "" {
		return in.Token
	}
	return in.RequestID
}

func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.definitive() {
		return mover.Reject(name, strings.Join(apiErr.Errors, "; "), err)
	}
	return err
}
