package domain

// SyncAction is the calendar operation a sync task asks for.
type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// SyncTask is a queued request to mirror a slot change to the external
// calendar. Tasks are enqueued in the same transaction as the booking state
// change and drained by a background worker, so a vendor outage never blocks
// or rolls back a booking.
type SyncTask struct {
	ID            int64
	SlotID        string
	Action        SyncAction
	RemoteEventID string
	Payload       []byte
	Traceparent   string
	Tracestate    string
}
