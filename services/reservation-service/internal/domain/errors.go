package domain

import "errors"

var (
	// ErrSlotNotFound means no slot exists with the given id.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrSlotUnavailable means the slot is not open: someone else holds it
	// or it is already booked.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrHoldExpiredOrMismatched means a booking was attempted without a
	// live hold by the same client: the hold lapsed, was swept, or belongs
	// to someone else.
	ErrHoldExpiredOrMismatched = errors.New("hold expired or held by another client")

	// ErrSlotNotBooked means the operation requires a booked slot.
	ErrSlotNotBooked = errors.New("slot not booked")

	// ErrSlotOverlap means the slot would overlap another slot of the same
	// coach.
	ErrSlotOverlap = errors.New("slot overlaps an existing slot")

	// ErrStoreUnavailable wraps unexpected storage failures so callers can
	// map them to a retryable condition.
	ErrStoreUnavailable = errors.New("slot store unavailable")

	ErrInvalidID        = errors.New("invalid id")
	ErrCoachIDRequired  = errors.New("coach id is required")
	ErrClientIDRequired = errors.New("client id is required")
	ErrInvalidTimeRange = errors.New("start time must be before end time")
	ErrInvalidTimezone  = errors.New("unknown timezone")
	ErrNotesTooLong     = errors.New("notes too long")
)
