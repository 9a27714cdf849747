package ledger

import "errors"

var (
	// ErrInsufficientCredit means the account's available balance cannot
	// cover a new reservation. Surfaced to the caller as an actionable
	// state, not a failure.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrAlreadyReserved means a held reservation already exists for the
	// job id (duplicate submission guard).
	ErrAlreadyReserved = errors.New("reservation already held for job")

	// ErrReservationNotFound means the reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidReservationState means a caller tried an illegal
	// transition, e.g. consuming a released reservation. This indicates a
	// broken caller contract, not a user-facing condition.
	ErrInvalidReservationState = errors.New("invalid reservation state transition")
)
