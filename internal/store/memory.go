// Package store persists settlement records, wires and ledger postings behind settlement.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/settlement/internal/ledger"
	"github.com/congo-pay/settlement/internal/settlement"
)

// Memory is an in-process store for tests and development. One mutex serialises units of work;
// writes land in an overlay that is merged only when the unit succeeds.
type Memory struct {
	mu      sync.Mutex
	readMu  sync.RWMutex
	book    *ledger.Book
	records map[string]settlement.Record
	refs    map[string]string
	wires   map[string]settlement.WireCredit
	wireSeq []string
	applied map[string]string
}

var _ settlement.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		book:    ledger.NewBook(),
		records: make(map[string]settlement.Record),
		refs:    make(map[string]string),
		wires:   make(map[string]settlement.WireCredit),
		applied: make(map[string]string),
	}
}

// Book exposes the underlying ledger, e.g. to seed balances in tests.
func (m *Memory) Book() *ledger.Book { return m.book }

func (m *Memory) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		BookTx:  m.book.Begin(),
		store:   m,
		records: make(map[string]settlement.Record),
		refs:    make(map[string]string),
		wires:   make(map[string]settlement.WireCredit),
		applied: make(map[string]string),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) GetRecord(_ context.Context, requestID string) (settlement.Record, error) {
	m.readMu.RLock()
	defer m.readMu.RUnlock()
	rec, ok := m.records[requestID]
	if !ok {
		return settlement.Record{}, fmt.Errorf("request %s: %w", requestID, settlement.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) ListRecords(_ context.Context, states []settlement.State, cutoff time.Time, limit int) ([]settlement.Record, error) {
	want := make(map[settlement.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	m.readMu.RLock()
	var out []settlement.Record
	for _, rec := range m.records {
		if want[rec.State] && rec.UpdatedAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	m.readMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListWires(_ context.Context, status settlement.WireStatus) ([]settlement.WireCredit, error) {
	m.readMu.RLock()
	defer m.readMu.RUnlock()
	var out []settlement.WireCredit
	for _, id := range m.wireSeq {
		if w := m.wires[id]; w.Status == status {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) Balance(ctx context.Context, owner, asset string) (ledger.Balance, error) {
	return m.book.Balance(ctx, owner, asset)
}

type memoryTx struct {
	*ledger.BookTx
	store   *Memory
	records map[string]settlement.Record
	refs    map[string]string
	wires   map[string]settlement.WireCredit
	newWire []string
	applied map[string]string
}

func (t *memoryTx) commit() {
	t.BookTx.Commit()

	m := t.store
	m.readMu.Lock()
	defer m.readMu.Unlock()
	for id, rec := range t.records {
		m.records[id] = rec
	}
	for ref, id := range t.refs {
		m.refs[ref] = id
	}
	for id, w := range t.wires {
		m.wires[id] = w
	}
	m.wireSeq = append(m.wireSeq, t.newWire...)
	for trn, id := range t.applied {
		m.applied[trn] = id
	}
}

func (t *memoryTx) record(requestID string) (settlement.Record, bool) {
	if rec, ok := t.records[requestID]; ok {
		return rec, true
	}
	t.store.readMu.RLock()
	defer t.store.readMu.RUnlock()
	rec, ok := t.store.records[requestID]
	return cloneRecord(rec), ok
}

func (t *memoryTx) refOwner(reference string) (string, bool) {
	if id, ok := t.refs[reference]; ok {
		return id, true
	}
	t.store.readMu.RLock()
	defer t.store.readMu.RUnlock()
	id, ok := t.store.refs[reference]
	return id, ok
}

func (t *memoryTx) InsertRecord(_ context.Context, rec settlement.Record) error {
	if _, ok := t.record(rec.RequestID); ok {
		return fmt.Errorf("request %s: %w", rec.RequestID, settlement.ErrRecordExists)
	}
	if ref := rec.Request.Reference; ref != "" {
		if _, ok := t.refOwner(ref); ok {
			return fmt.Errorf("reference %s: %w", ref, settlement.ErrReferenceTaken)
		}
		t.refs[ref] = rec.RequestID
	}
	rec.Version = 1
	t.records[rec.RequestID] = cloneRecord(rec)
	return nil
}

func (t *memoryTx) LockRecord(_ context.Context, requestID string) (settlement.Record, error) {
	rec, ok := t.record(requestID)
	if !ok {
		return settlement.Record{}, fmt.Errorf("request %s: %w", requestID, settlement.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (t *memoryTx) LockRecordByReference(ctx context.Context, reference string) (settlement.Record, error) {
	id, ok := t.refOwner(reference)
	if !ok {
		return settlement.Record{}, fmt.Errorf("reference %s: %w", reference, settlement.ErrNotFound)
	}
	return t.LockRecord(ctx, id)
}

func (t *memoryTx) UpdateRecord(_ context.Context, rec settlement.Record) (settlement.Record, error) {
	current, ok := t.record(rec.RequestID)
	if !ok {
		return settlement.Record{}, fmt.Errorf("request %s: %w", rec.RequestID, settlement.ErrNotFound)
	}
	if current.Version != rec.Version {
		return settlement.Record{}, fmt.Errorf("request %s at version %d, have %d: %w",
			rec.RequestID, current.Version, rec.Version, settlement.ErrVersionConflict)
	}
	rec.Version++
	t.records[rec.RequestID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (t *memoryTx) wire(id string) (settlement.WireCredit, bool) {
	if w, ok := t.wires[id]; ok {
		return w, true
	}
	t.store.readMu.RLock()
	defer t.store.readMu.RUnlock()
	w, ok := t.store.wires[id]
	return w, ok
}

func (t *memoryTx) InsertWire(_ context.Context, w settlement.WireCredit) error {
	if _, ok := t.wire(w.ID); ok {
		return fmt.Errorf("wire %s already stored", w.ID)
	}
	t.wires[w.ID] = w
	t.newWire = append(t.newWire, w.ID)
	return nil
}

func (t *memoryTx) LockWire(_ context.Context, id string) (settlement.WireCredit, error) {
	w, ok := t.wire(id)
	if !ok {
		return settlement.WireCredit{}, fmt.Errorf("wire %s: %w", id, settlement.ErrNotFound)
	}
	return w, nil
}

func (t *memoryTx) UpdateWire(_ context.Context, w settlement.WireCredit) error {
	if _, ok := t.wire(w.ID); !ok {
		return fmt.Errorf("wire %s: %w", w.ID, settlement.ErrNotFound)
	}
	t.wires[w.ID] = w
	return nil
}

func (t *memoryTx) TRNSeen(_ context.Context, trn string) (bool, error) {
	if _, ok := t.applied[trn]; ok {
		return true, nil
	}
	for _, w := range t.wires {
		if w.TRN == trn && w.Status != settlement.WireDiscarded {
			return true, nil
		}
	}
	t.store.readMu.RLock()
	defer t.store.readMu.RUnlock()
	if _, ok := t.store.applied[trn]; ok {
		return true, nil
	}
	for id, w := range t.store.wires {
		if _, shadowed := t.wires[id]; shadowed {
			continue
		}
		if w.TRN == trn && w.Status != settlement.WireDiscarded {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) MarkTRNApplied(_ context.Context, trn, requestID string) error {
	if _, ok := t.applied[trn]; ok {
		return fmt.Errorf("trn %s: %w", trn, settlement.ErrDuplicateTRN)
	}
	t.store.readMu.RLock()
	_, ok := t.store.applied[trn]
	t.store.readMu.RUnlock()
	if ok {
		return fmt.Errorf("trn %s: %w", trn, settlement.ErrDuplicateTRN)
	}
	t.applied[trn] = requestID
	return nil
}

func cloneRecord(rec settlement.Record) settlement.Record {
	if rec.LedgerTxnIDs != nil {
		rec.LedgerTxnIDs = append([]string(nil), rec.LedgerTxnIDs...)
	}
	return rec
}
