package settlement

import (
	"context"
	"time"

	"github.com/congo-pay/settlement/internal/ledger"
)

// Store is the transactional persistence behind the coordinator.
type Store interface {
	// RunAtomic runs fn in one unit of work: ledger postings, record writes and wire writes commit
	// together or not at all.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetRecord(ctx context.Context, requestID string) (Record, error)
	// ListRecords returns records in one of states last updated before cutoff, oldest first.
	ListRecords(ctx context.Context, states []State, cutoff time.Time, limit int) ([]Record, error)
	ListWires(ctx context.Context, status WireStatus) ([]WireCredit, error)
	Balance(ctx context.Context, owner, asset string) (ledger.Balance, error)
}

// Tx is the view of the store inside RunAtomic.
type Tx interface {
	ledger.Ledger

	// InsertRecord returns ErrRecordExists when the request id is taken and ErrReferenceTaken when
	// the reference code is.
	InsertRecord(ctx context.Context, rec Record) error
	// LockRecord reads a record and holds it until the unit of work ends.
	LockRecord(ctx context.Context, requestID string) (Record, error)
	LockRecordByReference(ctx context.Context, reference string) (Record, error)
	// UpdateRecord writes rec if the stored version still equals rec.Version and returns the
	// record with its new version. Otherwise it returns ErrVersionConflict.
	UpdateRecord(ctx context.Context, rec Record) (Record, error)

	InsertWire(ctx context.Context, wire WireCredit) error
	LockWire(ctx context.Context, id string) (WireCredit, error)
	UpdateWire(ctx context.Context, wire WireCredit) error
	// TRNSeen reports whether a wire with this TRN is staged or applied.
	TRNSeen(ctx context.Context, trn string) (bool, error)
	// MarkTRNApplied returns ErrDuplicateTRN when the TRN was applied before.
	MarkTRNApplied(ctx context.Context, trn, requestID string) error
}

// Registry is the hot tier of the idempotency lookup. Misses and errors fall back to the store.
type Registry interface {
	Lookup(ctx context.Context, requestID string) (Record, bool, error)
	Remember(ctx context.Context, rec Record) error
}

// Metrics receives coordinator events.
type Metrics interface {
	Transition(kind Kind, state State)
	MoverCall(mover, result string, elapsed time.Duration)
	Swept(count int)
}

type nopRegistry struct{}

func (nopRegistry) Lookup(context.Context, string) (Record, bool, error) { return Record{}, false, nil }
func (nopRegistry) Remember(context.Context, Record) error              { return nil }

type nopMetrics struct{}

func (nopMetrics) Transition(Kind, State)                  {}
func (nopMetrics) MoverCall(string, string, time.Duration) {}
func (nopMetrics) Swept(int)                               {}
