package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/logging"
	"github.com/congo-pay/settlement/internal/mover"
	"github.com/congo-pay/settlement/internal/notification"
	"github.com/congo-pay/settlement/internal/settlement"
	"github.com/congo-pay/settlement/internal/store"
)

const aliceCustody = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

// custodyBook maps owners to their custody addresses.
type custodyBook map[string]string

func (b custodyBook) CustodyAddress(_ context.Context, owner string) (string, bool, error) {
	addr, ok := b[owner]
	return addr, ok, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeMover struct {
	rate decimal.Decimal
	asOf time.Time

	mu       sync.Mutex
	moves    int
	checks   int
	onMove   func(ctx context.Context, in mover.Instruction) (mover.Receipt, error)
	onStatus func(in mover.Instruction, ref string) (mover.Status, error)
}

func (f *fakeMover) Name() string { return "fake" }

func (f *fakeMover) Quote(_ context.Context, in mover.Instruction) (mover.Quote, error) {
	asOf := f.asOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	if f.rate.IsZero() {
		return mover.Quote{Rate: decimal.NewFromInt(1), AmountOut: in.Amount, AsOf: asOf}, nil
	}
	return mover.Quote{Rate: f.rate, AmountOut: mover.Convert(in.Amount, f.rate, in.AssetOut), AsOf: asOf}, nil
}

func (f *fakeMover) move(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	f.mu.Lock()
	f.moves++
	fn := f.onMove
	f.mu.Unlock()
	if fn == nil {
		return mover.Receipt{ExternalRef: "ref-" + in.RequestID, Final: true, Amount: in.AmountOut}, nil
	}
	return fn(ctx, in)
}

func (f *fakeMover) MoveOut(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	return f.move(ctx, in)
}

func (f *fakeMover) MoveIn(ctx context.Context, in mover.Instruction) (mover.Receipt, error) {
	return f.move(ctx, in)
}

func (f *fakeMover) CheckStatus(_ context.Context, in mover.Instruction, ref string) (mover.Status, error) {
	f.mu.Lock()
	f.checks++
	fn := f.onStatus
	f.mu.Unlock()
	if fn == nil {
		return mover.Status{State: mover.StateUnknown}, nil
	}
	return fn(in, ref)
}

func (f *fakeMover) setMove(fn func(ctx context.Context, in mover.Instruction) (mover.Receipt, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMove = fn
}

func (f *fakeMover) setStatus(fn func(in mover.Instruction, ref string) (mover.Status, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = fn
}

func (f *fakeMover) moveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moves
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, m)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.got))
	for _, m := range n.got {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	coord    *settlement.Coordinator
	store    *store.Memory
	notifier *recordingNotifier
}

func newHarness(t *testing.T, movers map[settlement.Kind]mover.Mover, cfg settlement.Config) *harness {
	t.Helper()
	st := store.NewMemory()
	notes := &recordingNotifier{}
	coord := settlement.New(settlement.Deps{
		Store:    st,
		Movers:   movers,
		Custody:  custodyBook{"alice": aliceCustody},
		Notifier: notes,
		Logger:   logging.Discard(),
	}, cfg)
	return &harness{coord: coord, store: st, notifier: notes}
}

func (h *harness) seed(owner, asset, amount string) {
	ledger.SeedBalance(h.store.Book(), owner, asset, dec(amount))
}

func (h *harness) balance(t *testing.T, owner, asset string) ledger.Balance {
	t.Helper()
	bal, err := h.coord.Balance(context.Background(), owner, asset)
	if err != nil {
		t.Fatalf("balance %s/%s: %v", owner, asset, err)
	}
	return bal
}

func (h *harness) history(t *testing.T, owner, asset string) []ledger.Txn {
	t.Helper()
	txns, err := h.store.Book().History(context.Background(), owner, asset)
	if err != nil {
		t.Fatalf("history %s/%s: %v", owner, asset, err)
	}
	return txns
}

// insertAccepted stores a record as if the process died right after accepting it.
func (h *harness) insertAccepted(t *testing.T, req settlement.Request, updatedAt time.Time) {
	t.Helper()
	err := h.store.RunAtomic(context.Background(), func(ctx context.Context, tx settlement.Tx) error {
		hold, err := tx.Reserve(ctx, req.Owner, req.AssetIn, req.Amount, req.RequestID)
		if err != nil {
			return err
		}
		return tx.InsertRecord(ctx, settlement.Record{
			RequestID:    req.RequestID,
			Request:      req,
			Fingerprint:  req.Fingerprint(),
			State:        settlement.StateAccepted,
			LedgerTxnIDs: []string{hold},
			Rate:         decimal.NewFromInt(1),
			AmountOut:    req.Amount,
			CreatedAt:    updatedAt,
			UpdatedAt:    updatedAt,
		})
	})
	if err != nil {
		t.Fatalf("insert accepted record: %v", err)
	}
}

func buyRequest(id string) settlement.Request {
	return settlement.Request{
		RequestID:   id,
		Owner:       "alice",
		Kind:        settlement.KindOnChainBuy,
		AssetIn:     "USD",
		AssetOut:    "BTC",
		Amount:      dec("600"),
		Destination: aliceCustody,
	}
}
