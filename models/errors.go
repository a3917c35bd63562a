package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers unknown products, channels, statuses and quantities that are not permitted.
	// Nothing is written when it is returned.
	ErrValidation = errors.New("validation error")

	// ErrConcurrencyConflict means a write-write race on a ledger key or an order's channel map was
	// detected. The caller retries the whole read-modify-write unit.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLegacyLPOStatus is returned when a supplier-keyed read meets an order that still stores a
	// single legacy LPO status string.
	ErrLegacyLPOStatus = errors.New("legacy lpo status")

	// ErrBestEffortSideEffect wraps a failed side effect that the calling flow has opted to tolerate.
	ErrBestEffortSideEffect = errors.New("best-effort side effect failed")
)

func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func ConflictErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConcurrencyConflict, fmt.Sprintf(format, args...))
}
