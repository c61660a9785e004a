package domain

import "time"

// SlotStatus is the lifecycle state of an availability slot.
type SlotStatus string

const (
	StatusOpen   SlotStatus = "open"
	StatusHeld   SlotStatus = "held"
	StatusBooked SlotStatus = "booked"
)

// AvailabilitySlot is a bookable time interval offered by a coach.
// UpdatedAt records the last status transition; for held slots it is the
// instant the hold was placed, which is how hold age is measured.
type AvailabilitySlot struct {
	ID        string
	CoachID   string
	ClientID  *string
	StartTime time.Time
	EndTime   time.Time
	Timezone  string
	Status    SlotStatus
	Notes     string

	// Best-effort mirror state for the external calendar.
	CalendarEventID string
	SyncError       string
	SyncFailedAt    *time.Time
	SyncErrorCount  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition is a conditional status update. It applies only if the slot
// currently matches ExpectStatus (and ExpectClientID, when non-nil); a slot
// that has moved on since it was read is left untouched. This compare-and-swap
// is the sole concurrency mechanism for slot state.
//
// ExpectUpdatedBefore, when non-nil, additionally requires the slot's last
// transition to predate the given instant. The sweeper uses it so a hold
// re-placed between scan and release survives.
type Transition struct {
	SlotID              string
	ExpectStatus        SlotStatus
	ExpectClientID      *string
	ExpectUpdatedBefore *time.Time
	NewStatus           SlotStatus
	NewClientID         *string
	At                  time.Time
	ClearSync           bool
}
