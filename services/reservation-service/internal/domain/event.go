package domain

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals Type (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
}

const (
	EventSlotBooked    = "reservation.slot.booked.v1"
	EventSlotCancelled = "reservation.slot.cancelled.v1"
	EventHoldExpired   = "reservation.hold.expired.v1"
)
