package calendar

import (
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
)

// Event is the vendor-neutral calendar event this service mirrors slots into.
// Start and End are instants; Timezone is a display hint carried through
// untouched, never used for arithmetic.
type Event struct {
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Timezone        string    `json:"timezone,omitempty"`
	Attendees       []string  `json:"attendees,omitempty"`
	ReminderMinutes []int     `json:"reminder_minutes,omitempty"`
}

// FromSlot builds the calendar event for a booked slot. reminders is the list
// of lead times, in minutes before the session start.
func FromSlot(slot domain.AvailabilitySlot, reminders []int) Event {
	attendees := []string{slot.CoachID}
	if slot.ClientID != nil {
		attendees = append(attendees, *slot.ClientID)
	}
	return Event{
		Title:           "Coaching session",
		Description:     slot.Notes,
		Start:           slot.StartTime,
		End:             slot.EndTime,
		Timezone:        slot.Timezone,
		Attendees:       attendees,
		ReminderMinutes: reminders,
	}
}
