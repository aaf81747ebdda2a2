package settlement

import (
	"errors"
	"fmt"

	"github.com/congo-pay/settlement/internal/ledger"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid settlement request")

	// ErrInsufficientFunds is returned when the reservation cannot be made. Nothing is persisted.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds

	// ErrMoverRejected is the error of a failed outcome.
	ErrMoverRejected = errors.New("external mover rejected the instruction")

	// ErrMoverAmbiguous is the error of an outcome awaiting reconciliation.
	ErrMoverAmbiguous = errors.New("external outcome unknown")

	// ErrManualReviewRequired is the error of an outcome escalated to operators.
	ErrManualReviewRequired = errors.New("manual review required")

	// ErrLedgerConflict wraps serialization failures the store gave up retrying.
	ErrLedgerConflict = errors.New("ledger conflict")

	// ErrNotFound is returned for unknown request ids, reference codes and wires.
	ErrNotFound = errors.New("settlement not found")

	// ErrNotCancellable is returned when cancelling a request that already left Accepted.
	ErrNotCancellable = errors.New("settlement cannot be cancelled")

	// ErrInvalidTransition is returned when a record is not in a state the operation applies to.
	ErrInvalidTransition = errors.New("invalid settlement state transition")

	// ErrDuplicateTRN is returned when a wire TRN is already staged or applied.
	ErrDuplicateTRN = errors.New("duplicate wire TRN")

	// ErrQuoteStale is returned when the price oracle answered with an outdated rate.
	ErrQuoteStale = errors.New("quote is stale")

	// ErrReconcileTooSoon is returned when an on-demand reconciliation could race the mover call.
	ErrReconcileTooSoon = errors.New("settlement may still be in flight")

	// ErrReferenceTaken is returned by stores when a reference code is already issued.
	ErrReferenceTaken = errors.New("reference already issued")

	// ErrRecordExists is returned by stores when a request id is inserted twice.
	ErrRecordExists = errors.New("settlement record already exists")

	// ErrVersionConflict is returned by stores when a conditional update lost the race.
	ErrVersionConflict = errors.New("settlement record version conflict")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
