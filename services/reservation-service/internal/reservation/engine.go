package reservation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/clock"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/calendar"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultHoldTTL = 15 * time.Minute
	maxNotesLen    = 2000
)

// SlotStore is the slot persistence the engine drives. Transition is the
// compare-and-swap primitive every state change goes through; WithTx scopes a
// group of calls to one transaction.
type SlotStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Insert(ctx context.Context, slot domain.AvailabilitySlot) error
	GetByID(ctx context.Context, id string) (domain.AvailabilitySlot, error)
	Transition(ctx context.Context, tr domain.Transition) (domain.AvailabilitySlot, bool, error)
	ListOpenByCoach(ctx context.Context, coachID string, from, to time.Time, limit int) ([]domain.AvailabilitySlot, error)
}

// SyncTaskQueue persists calendar sync work.
type SyncTaskQueue interface {
	Enqueue(ctx context.Context, task domain.SyncTask) error
}

// EventLog persists domain events for post-commit publishing.
type EventLog interface {
	Insert(ctx context.Context, evt domain.Event) error
}

// Engine owns the slot lifecycle: open -> held -> booked -> open. All
// transitions are conditional updates, so concurrent callers race safely and
// at most one side effect wins.
type Engine struct {
	store     SlotStore
	tasks     SyncTaskQueue
	events    EventLog
	clock     clock.Clock
	logger    *slog.Logger
	holdTTL   time.Duration
	reminders []int
}

type Option func(*Engine)

// WithHoldTTL overrides how long a hold shields a slot.
func WithHoldTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdTTL = d
		}
	}
}

// WithReminderOffsets sets the reminder lead times, in minutes, attached to
// calendar events for confirmed bookings.
func WithReminderOffsets(minutes []int) Option {
	return func(e *Engine) { e.reminders = minutes }
}

func NewEngine(store SlotStore, tasks SyncTaskQueue, events EventLog, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		tasks:     tasks,
		events:    events,
		clock:     clk,
		logger:    logger,
		holdTTL:   defaultHoldTTL,
		reminders: []int{60, 10},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HoldTTL reports how long a placed hold lasts before the sweeper may release
// it.
func (e *Engine) HoldTTL() time.Duration {
	return e.holdTTL
}

type CreateSlotInput struct {
	CoachID   string
	StartTime time.Time
	EndTime   time.Time
	Timezone  string
	Notes     string
}

// CreateSlot publishes a new open slot for a coach.
func (e *Engine) CreateSlot(ctx context.Context, in CreateSlotInput) (domain.AvailabilitySlot, error) {
	if in.CoachID == "" {
		return domain.AvailabilitySlot{}, domain.ErrCoachIDRequired
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() || !in.StartTime.Before(in.EndTime) {
		return domain.AvailabilitySlot{}, domain.ErrInvalidTimeRange
	}
	if len(in.Notes) > maxNotesLen {
		return domain.AvailabilitySlot{}, domain.ErrNotesTooLong
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	} else if _, err := time.LoadLocation(tz); err != nil {
		return domain.AvailabilitySlot{}, domain.ErrInvalidTimezone
	}

	now := e.clock.Now()
	slot := domain.AvailabilitySlot{
		ID:        uuid.NewString(),
		CoachID:   in.CoachID,
		StartTime: in.StartTime.UTC(),
		EndTime:   in.EndTime.UTC(),
		Timezone:  tz,
		Status:    domain.StatusOpen,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Insert(ctx, slot); err != nil {
		return domain.AvailabilitySlot{}, err
	}
	e.logger.Info("slot created", "slot_id", slot.ID, "coach_id", slot.CoachID, "start_time", slot.StartTime)
	return slot, nil
}

func (e *Engine) GetSlot(ctx context.Context, slotID string) (domain.AvailabilitySlot, error) {
	if slotID == "" {
		return domain.AvailabilitySlot{}, domain.ErrInvalidID
	}
	return e.store.GetByID(ctx, slotID)
}

func (e *Engine) ListOpenSlots(ctx context.Context, coachID string, from, to time.Time, limit int) ([]domain.AvailabilitySlot, error) {
	if coachID == "" {
		return nil, domain.ErrCoachIDRequired
	}
	if from.IsZero() {
		from = e.clock.Now()
	}
	if to.IsZero() || !from.Before(to) {
		to = from.Add(30 * 24 * time.Hour)
	}
	return e.store.ListOpenByCoach(ctx, coachID, from, to, limit)
}

// PlaceHold moves an open slot to held for the client. Exactly one of any
// number of concurrent callers wins; the rest see ErrSlotUnavailable.
func (e *Engine) PlaceHold(ctx context.Context, slotID, clientID string) (domain.AvailabilitySlot, error) {
	if slotID == "" {
		return domain.AvailabilitySlot{}, domain.ErrInvalidID
	}
	if clientID == "" {
		return domain.AvailabilitySlot{}, domain.ErrClientIDRequired
	}

	now := e.clock.Now()
	slot, ok, err := e.store.Transition(ctx, domain.Transition{
		SlotID:       slotID,
		ExpectStatus: domain.StatusOpen,
		NewStatus:    domain.StatusHeld,
		NewClientID:  &clientID,
		At:           now,
	})
	if err != nil {
		return domain.AvailabilitySlot{}, err
	}
	if !ok {
		// Distinguish a missing slot from one that is simply taken.
		if _, gerr := e.store.GetByID(ctx, slotID); gerr != nil {
			return domain.AvailabilitySlot{}, gerr
		}
		return domain.AvailabilitySlot{}, domain.ErrSlotUnavailable
	}

	e.logger.Info("hold placed",
		"slot_id", slot.ID,
		"client_id", clientID,
		"expires_at", now.Add(e.holdTTL),
	)
	return slot, nil
}

// ConfirmBooking turns the caller's live hold into a booking. The status
// flip, the calendar sync task and the booked event are committed atomically;
// the calendar itself is updated afterwards by the sync worker.
func (e *Engine) ConfirmBooking(ctx context.Context, slotID, clientID string) (domain.AvailabilitySlot, error) {
	if slotID == "" {
		return domain.AvailabilitySlot{}, domain.ErrInvalidID
	}
	if clientID == "" {
		return domain.AvailabilitySlot{}, domain.ErrClientIDRequired
	}

	now := e.clock.Now()
	var booked domain.AvailabilitySlot
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		slot, ok, err := e.store.Transition(ctx, domain.Transition{
			SlotID:         slotID,
			ExpectStatus:   domain.StatusHeld,
			ExpectClientID: &clientID,
			NewStatus:      domain.StatusBooked,
			NewClientID:    &clientID,
			At:             now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrHoldExpiredOrMismatched
		}

		payload, err := json.Marshal(calendar.FromSlot(slot, e.reminders))
		if err != nil {
			return err
		}
		if err := e.tasks.Enqueue(ctx, domain.SyncTask{
			SlotID:  slot.ID,
			Action:  domain.SyncActionCreate,
			Payload: payload,
		}); err != nil {
			return err
		}

		evtPayload, err := json.Marshal(map[string]any{
			"slot_id":    slot.ID,
			"coach_id":   slot.CoachID,
			"client_id":  clientID,
			"start_time": slot.StartTime.UTC().Format(time.RFC3339),
			"end_time":   slot.EndTime.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := e.events.Insert(ctx, domain.Event{
			AggregateType: "availability_slot",
			AggregateID:   slot.ID,
			Type:          domain.EventSlotBooked,
			Payload:       evtPayload,
		}); err != nil {
			return err
		}

		booked = slot
		return nil
	})
	if err != nil {
		return domain.AvailabilitySlot{}, err
	}

	e.logger.Info("booking confirmed", "slot_id", booked.ID, "client_id", clientID)
	return booked, nil
}

// ReleaseHold gives the slot back if the client still holds it. Releasing a
// hold that already lapsed or was never yours is a no-op, not an error, so
// clients can fire-and-forget it.
func (e *Engine) ReleaseHold(ctx context.Context, slotID, clientID string) error {
	if slotID == "" {
		return domain.ErrInvalidID
	}
	if clientID == "" {
		return domain.ErrClientIDRequired
	}

	_, ok, err := e.store.Transition(ctx, domain.Transition{
		SlotID:         slotID,
		ExpectStatus:   domain.StatusHeld,
		ExpectClientID: &clientID,
		NewStatus:      domain.StatusOpen,
		At:             e.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("release ignored", "slot_id", slotID, "client_id", clientID)
		return nil
	}
	e.logger.Info("hold released", "slot_id", slotID, "client_id", clientID)
	return nil
}

// CancelBooking reopens a booked slot. The slot becomes available again
// immediately; removal of the mirrored calendar event is queued for the sync
// worker, carrying the remote event id captured before the slot's sync state
// is cleared.
func (e *Engine) CancelBooking(ctx context.Context, slotID string) (domain.AvailabilitySlot, error) {
	if slotID == "" {
		return domain.AvailabilitySlot{}, domain.ErrInvalidID
	}

	now := e.clock.Now()
	var reopened domain.AvailabilitySlot
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		slot, err := e.store.GetByID(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != domain.StatusBooked {
			return domain.ErrSlotNotBooked
		}
		remoteEventID := slot.CalendarEventID
		prevClientID := slot.ClientID

		updated, ok, err := e.store.Transition(ctx, domain.Transition{
			SlotID:       slotID,
			ExpectStatus: domain.StatusBooked,
			NewStatus:    domain.StatusOpen,
			At:           now,
			ClearSync:    true,
		})
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrSlotNotBooked
		}

		if remoteEventID != "" {
			if err := e.tasks.Enqueue(ctx, domain.SyncTask{
				SlotID:        slot.ID,
				Action:        domain.SyncActionDelete,
				RemoteEventID: remoteEventID,
			}); err != nil {
				return err
			}
		}

		evtPayload, err := json.Marshal(map[string]any{
			"slot_id":      slot.ID,
			"coach_id":     slot.CoachID,
			"client_id":    prevClientID,
			"cancelled_at": now.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := e.events.Insert(ctx, domain.Event{
			AggregateType: "availability_slot",
			AggregateID:   slot.ID,
			Type:          domain.EventSlotCancelled,
			Payload:       evtPayload,
		}); err != nil {
			return err
		}

		reopened = updated
		return nil
	})
	if err != nil {
		return domain.AvailabilitySlot{}, err
	}

	e.logger.Info("booking cancelled", "slot_id", reopened.ID)
	return reopened, nil
}

// Resync queues a fresh calendar task for a booked slot, typically after the
// vendor rejected earlier attempts. Slots that already have a mirrored event
// get an update, the rest a create.
func (e *Engine) Resync(ctx context.Context, slotID string) error {
	if slotID == "" {
		return domain.ErrInvalidID
	}

	slot, err := e.store.GetByID(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.Status != domain.StatusBooked {
		return domain.ErrSlotNotBooked
	}

	payload, err := json.Marshal(calendar.FromSlot(slot, e.reminders))
	if err != nil {
		return err
	}
	task := domain.SyncTask{
		SlotID:  slot.ID,
		Action:  domain.SyncActionCreate,
		Payload: payload,
	}
	if slot.CalendarEventID != "" {
		task.Action = domain.SyncActionUpdate
		task.RemoteEventID = slot.CalendarEventID
	}
	if err := e.tasks.Enqueue(ctx, task); err != nil {
		return err
	}

	e.logger.Info("resync queued", "slot_id", slot.ID, "action", task.Action)
	return nil
}
