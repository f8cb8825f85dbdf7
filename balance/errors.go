/*
errors.go - Centralized error types for the balance package

PURPOSE:
  All error values in one place for consistency and discoverability.
  Note how small this file is compared to the rest of the package: the
  engine's calculations are total functions, and store/cache operations on
  unknown accounts are deliberate no-ops, so very little here can fail.

WHAT CAN FAIL:
  1. Misuse of the coordinator API (batch update, missing previous tx)
  2. Operating on a closed serializer or coordinator
  3. Recalculation with an empty scope
  Persistence failures are reported by the repository implementations in
  ../store and logged by the coordinator; they never poison in-memory state.

USAGE:
    if errors.Is(err, balance.ErrBatchUpdateUnsupported) {
        // split into per-item update calls
    }
*/
package balance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBatchUpdateUnsupported is returned when a batch call carries the
	// update operation. An update needs a paired old/new transaction per
	// item, so batch callers must split into per-item update calls.
	ErrBatchUpdateUnsupported = errors.New("batch update unsupported: split into per-item updates")

	// ErrMissingPrevious is returned when an update change arrives without
	// the pre-edit transaction.
	ErrMissingPrevious = errors.New("update change requires the previous transaction")

	// ErrSerializerClosed is returned when submitting to a serializer that
	// has been shut down.
	ErrSerializerClosed = errors.New("update serializer closed")

	// ErrCoordinatorClosed is returned when calling a coordinator after Close.
	ErrCoordinatorClosed = errors.New("balance coordinator closed")

	// ErrNoAccounts is returned when a recalculation is requested over an
	// empty account scope.
	ErrNoAccounts = errors.New("recalculation scope is empty")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownOperationError reports a request whose operation the executor does
// not recognize. Seeing one means a construction bug, not bad input.
type UnknownOperationError struct {
	Operation Operation
	RequestID string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown update operation %q (request %s)", e.Operation, e.RequestID)
}
