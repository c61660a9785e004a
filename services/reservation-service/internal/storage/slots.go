package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/db"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const slotColumns = `id, coach_id, client_id, start_time, end_time, timezone, status, notes,
       calendar_event_id, sync_error, sync_failed_at, sync_error_count, created_at, updated_at`

type SlotRepository struct {
	pool *db.Pool
}

func NewSlotRepository(pool *db.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

func (r *SlotRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *SlotRepository) Insert(ctx context.Context, slot domain.AvailabilitySlot) error {
	const stmt = `
INSERT INTO availability_slots (id, coach_id, start_time, end_time, timezone, status, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

	_, err := exec(ctx, r.pool, stmt,
		slot.ID,
		slot.CoachID,
		slot.StartTime,
		slot.EndTime,
		slot.Timezone,
		slot.Status,
		slot.Notes,
		slot.CreatedAt,
	)
	if err != nil {
		if isExclusionViolation(err) {
			return domain.ErrSlotOverlap
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return storeErr("insert slot", err)
	}
	return nil
}

func (r *SlotRepository) GetByID(ctx context.Context, id string) (domain.AvailabilitySlot, error) {
	const q = `SELECT ` + slotColumns + ` FROM availability_slots WHERE id = $1`

	slot, err := scanSlot(queryRow(ctx, r.pool, q, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.AvailabilitySlot{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AvailabilitySlot{}, domain.ErrSlotNotFound
		}
		return domain.AvailabilitySlot{}, storeErr("get slot", err)
	}
	return slot, nil
}

// Transition applies a compare-and-swap status update. The returned bool is
// false when the slot no longer matches the expected state (or does not
// exist); that is an outcome for the caller to interpret, not an error.
func (r *SlotRepository) Transition(ctx context.Context, tr domain.Transition) (domain.AvailabilitySlot, bool, error) {
	const stmt = `
UPDATE availability_slots
SET status = $2,
    client_id = $3,
    updated_at = $4,
    calendar_event_id = CASE WHEN $8 THEN '' ELSE calendar_event_id END,
    sync_error        = CASE WHEN $8 THEN '' ELSE sync_error END,
    sync_failed_at    = CASE WHEN $8 THEN NULL ELSE sync_failed_at END,
    sync_error_count  = CASE WHEN $8 THEN 0 ELSE sync_error_count END
WHERE id = $1
  AND status = $5
  AND ($6::uuid IS NULL OR client_id = $6::uuid)
  AND ($7::timestamptz IS NULL OR updated_at < $7::timestamptz)
RETURNING ` + slotColumns

	slot, err := scanSlot(queryRow(ctx, r.pool, stmt,
		tr.SlotID,
		tr.NewStatus,
		tr.NewClientID,
		tr.At,
		tr.ExpectStatus,
		tr.ExpectClientID,
		tr.ExpectUpdatedBefore,
		tr.ClearSync,
	))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.AvailabilitySlot{}, false, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AvailabilitySlot{}, false, nil
		}
		return domain.AvailabilitySlot{}, false, storeErr("transition slot", err)
	}
	return slot, true, nil
}

func (r *SlotRepository) ListOpenByCoach(ctx context.Context, coachID string, from, to time.Time, limit int) ([]domain.AvailabilitySlot, error) {
	if limit <= 0 {
		limit = 200
	}
	const q = `
SELECT ` + slotColumns + `
FROM availability_slots
WHERE coach_id = $1 AND status = 'open' AND start_time >= $2 AND start_time < $3
ORDER BY start_time
LIMIT $4`

	rows, err := query(ctx, r.pool, q, coachID, from, to, limit)
	if err != nil {
		return nil, storeErr("list open slots", err)
	}
	defer rows.Close()

	var slots []domain.AvailabilitySlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, storeErr("list open slots", err)
		}
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		if isInvalidUUID(rows.Err()) {
			return nil, domain.ErrInvalidID
		}
		return nil, storeErr("list open slots", rows.Err())
	}
	return slots, nil
}

// ListExpiredHolds returns held slots whose hold was placed before cutoff.
// No row locks are taken: the sweeper's conditional release tolerates slots
// that move on between the scan and the update.
func (r *SlotRepository) ListExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]domain.AvailabilitySlot, error) {
	const q = `
SELECT ` + slotColumns + `
FROM availability_slots
WHERE status = 'held' AND updated_at < $1
ORDER BY updated_at
LIMIT $2`

	rows, err := query(ctx, r.pool, q, cutoff, limit)
	if err != nil {
		return nil, storeErr("list expired holds", err)
	}
	defer rows.Close()

	var slots []domain.AvailabilitySlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, storeErr("list expired holds", err)
		}
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		return nil, storeErr("list expired holds", rows.Err())
	}
	return slots, nil
}

// SetRemoteEvent records the external calendar event id after a successful
// sync and clears the last sync error. The cumulative error count is kept.
func (r *SlotRepository) SetRemoteEvent(ctx context.Context, slotID, remoteEventID string) error {
	const stmt = `
UPDATE availability_slots
SET calendar_event_id = $2, sync_error = '', sync_failed_at = NULL
WHERE id = $1`

	_, err := exec(ctx, r.pool, stmt, slotID, remoteEventID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return storeErr("set remote event", err)
	}
	return nil
}

// RecordSyncFailure stores the latest sync error on the slot and bumps the
// failure counter. Booking state is never touched here.
func (r *SlotRepository) RecordSyncFailure(ctx context.Context, slotID, message string, at time.Time) error {
	const stmt = `
UPDATE availability_slots
SET sync_error = $2, sync_failed_at = $3, sync_error_count = sync_error_count + 1
WHERE id = $1`

	_, err := exec(ctx, r.pool, stmt, slotID, message, at)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return storeErr("record sync failure", err)
	}
	return nil
}

func scanSlot(row pgx.Row) (domain.AvailabilitySlot, error) {
	var s domain.AvailabilitySlot
	err := row.Scan(
		&s.ID,
		&s.CoachID,
		&s.ClientID,
		&s.StartTime,
		&s.EndTime,
		&s.Timezone,
		&s.Status,
		&s.Notes,
		&s.CalendarEventID,
		&s.SyncError,
		&s.SyncFailedAt,
		&s.SyncErrorCount,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.AvailabilitySlot{}, err
	}
	return s, nil
}
