package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	owner string
	asset string
}

// Book is a concurrency-safe in-memory ledger used by tests and by development mode. Mutations
// happen through a BookTx overlay that is only merged into the book on Commit.
type Book struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	balances map[balanceKey]Balance
	txns     map[string]Txn
	history  map[balanceKey][]string
}

// NewBook creates an empty in-memory ledger.
func NewBook() *Book {
	return &Book{
		balances: make(map[balanceKey]Balance),
		txns:     make(map[string]Txn),
		history:  make(map[balanceKey][]string),
	}
}

// Begin opens an overlay transaction. The caller is responsible for serialising transactions,
// either through Atomic or an outer lock.
func (b *Book) Begin() *BookTx {
	return &BookTx{
		book:     b,
		balances: make(map[balanceKey]Balance),
		txns:     make(map[string]Txn),
	}
}

// Atomic runs fn against a fresh overlay and commits it only when fn succeeds.
func (b *Book) Atomic(ctx context.Context, fn func(Ledger) error) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	tx := b.Begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Balance reads the committed balance.
func (b *Book) Balance(_ context.Context, owner, asset string) (Balance, error) {
	key := balanceKey{owner: owner, asset: NormalizeAsset(asset)}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[key]; ok {
		return bal, nil
	}
	return Balance{Owner: key.owner, Asset: key.asset, Amount: decimal.Zero, Reserved: decimal.Zero}, nil
}

// History returns committed transactions for the balance in insertion order.
func (b *Book) History(_ context.Context, owner, asset string) ([]Txn, error) {
	key := balanceKey{owner: owner, asset: NormalizeAsset(asset)}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.history[key]
	out := make([]Txn, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.txns[id])
	}
	return out, nil
}

// BookTx is a copy-on-write view over a Book.
type BookTx struct {
	book     *Book
	balances map[balanceKey]Balance
	txns     map[string]Txn
	created  []string
}

// Commit merges the overlay into the book.
func (t *BookTx) Commit() {
	b := t.book
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bal := range t.balances {
		b.balances[key] = bal
	}
	for id, txn := range t.txns {
		b.txns[id] = txn
	}
	for _, id := range t.created {
		txn := t.txns[id]
		key := balanceKey{owner: txn.Owner, asset: txn.Asset}
		b.history[key] = append(b.history[key], id)
	}
}

func (t *BookTx) balance(owner, asset string) Balance {
	key := balanceKey{owner: owner, asset: asset}
	if bal, ok := t.balances[key]; ok {
		return bal
	}
	t.book.mu.RLock()
	bal, ok := t.book.balances[key]
	t.book.mu.RUnlock()
	if !ok {
		bal = Balance{Owner: owner, Asset: asset, Amount: decimal.Zero, Reserved: decimal.Zero}
	}
	return bal
}

func (t *BookTx) putBalance(bal Balance) {
	bal.UpdatedAt = time.Now().UTC()
	t.balances[balanceKey{owner: bal.Owner, asset: bal.Asset}] = bal
}

func (t *BookTx) txn(id string) (Txn, error) {
	if txn, ok := t.txns[id]; ok {
		return txn, nil
	}
	t.book.mu.RLock()
	txn, ok := t.book.txns[id]
	t.book.mu.RUnlock()
	if !ok {
		return Txn{}, fmt.Errorf("%w: %s", ErrTxnNotFound, id)
	}
	return txn, nil
}

func (t *BookTx) appendTxn(owner, asset, kind, status, ref string, amount decimal.Decimal) string {
	txn := Txn{
		ID:        uuid.NewString(),
		Owner:     owner,
		Asset:     asset,
		Kind:      kind,
		Amount:    amount,
		Status:    status,
		Ref:       ref,
		CreatedAt: time.Now().UTC(),
	}
	t.txns[txn.ID] = txn
	t.created = append(t.created, txn.ID)
	return txn.ID
}

func (t *BookTx) Reserve(_ context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	asset = NormalizeAsset(asset)
	bal := t.balance(owner, asset)
	if bal.Amount.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	bal.Amount = bal.Amount.Sub(amount)
	bal.Reserved = bal.Reserved.Add(amount)
	t.putBalance(bal)
	return t.appendTxn(owner, asset, KindReserve, StatusOpen, ref, amount), nil
}

func (t *BookTx) ReleaseReservation(_ context.Context, txnID string) (string, error) {
	res, err := t.txn(txnID)
	if err != nil {
		return "", err
	}
	if res.Kind != KindReserve || res.Status != StatusOpen {
		return "", fmt.Errorf("%w: release %s (%s/%s)", ErrTxnState, txnID, res.Kind, res.Status)
	}
	bal := t.balance(res.Owner, res.Asset)
	bal.Amount = bal.Amount.Add(res.Amount)
	bal.Reserved = bal.Reserved.Sub(res.Amount)
	t.putBalance(bal)
	res.Status = StatusReleased
	t.txns[res.ID] = res
	return t.appendTxn(res.Owner, res.Asset, KindRelease, StatusPosted, res.ID, res.Amount), nil
}

func (t *BookTx) CaptureReservation(_ context.Context, txnID string) (string, error) {
	res, err := t.txn(txnID)
	if err != nil {
		return "", err
	}
	if res.Kind != KindReserve || res.Status != StatusOpen {
		return "", fmt.Errorf("%w: capture %s (%s/%s)", ErrTxnState, txnID, res.Kind, res.Status)
	}
	bal := t.balance(res.Owner, res.Asset)
	bal.Reserved = bal.Reserved.Sub(res.Amount)
	t.putBalance(bal)
	res.Status = StatusCaptured
	t.txns[res.ID] = res
	return t.appendTxn(res.Owner, res.Asset, KindCapture, StatusPosted, res.ID, res.Amount), nil
}

func (t *BookTx) Credit(_ context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	asset = NormalizeAsset(asset)
	bal := t.balance(owner, asset)
	bal.Amount = bal.Amount.Add(amount)
	t.putBalance(bal)
	return t.appendTxn(owner, asset, KindCredit, StatusPosted, ref, amount), nil
}

func (t *BookTx) StageCredit(_ context.Context, owner, asset string, amount decimal.Decimal, ref string) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	asset = NormalizeAsset(asset)
	// touch the row so it exists once the placeholder is committed
	t.putBalance(t.balance(owner, asset))
	return t.appendTxn(owner, asset, KindStagedCredit, StatusStaged, ref, amount), nil
}

func (t *BookTx) ApplyStagedCredit(_ context.Context, txnID string, amount decimal.Decimal) (string, error) {
	if err := checkAmount(amount); err != nil {
		return "", err
	}
	staged, err := t.txn(txnID)
	if err != nil {
		return "", err
	}
	if staged.Kind != KindStagedCredit || staged.Status != StatusStaged {
		return "", fmt.Errorf("%w: apply %s (%s/%s)", ErrTxnState, txnID, staged.Kind, staged.Status)
	}
	bal := t.balance(staged.Owner, staged.Asset)
	bal.Amount = bal.Amount.Add(amount)
	t.putBalance(bal)
	staged.Status = StatusApplied
	t.txns[staged.ID] = staged
	return t.appendTxn(staged.Owner, staged.Asset, KindCredit, StatusPosted, staged.ID, amount), nil
}

func (t *BookTx) DiscardStagedCredit(_ context.Context, txnID string) error {
	staged, err := t.txn(txnID)
	if err != nil {
		return err
	}
	if staged.Kind != KindStagedCredit || staged.Status != StatusStaged {
		return fmt.Errorf("%w: discard %s (%s/%s)", ErrTxnState, txnID, staged.Kind, staged.Status)
	}
	staged.Status = StatusDiscarded
	t.txns[staged.ID] = staged
	return nil
}

func (t *BookTx) Balance(_ context.Context, owner, asset string) (Balance, error) {
	return t.balance(owner, NormalizeAsset(asset)), nil
}

func (t *BookTx) History(ctx context.Context, owner, asset string) ([]Txn, error) {
	committed, err := t.book.History(ctx, owner, asset)
	if err != nil {
		return nil, err
	}
	for i, txn := range committed {
		if updated, ok := t.txns[txn.ID]; ok {
			committed[i] = updated
		}
	}
	asset = NormalizeAsset(asset)
	for _, id := range t.created {
		txn := t.txns[id]
		if txn.Owner == owner && txn.Asset == asset {
			committed = append(committed, txn)
		}
	}
	return committed, nil
}
