package storage

import (
	"context"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/db"
	otelx "github.com/Tomerg91/Loom-Platform-sub002/libs/otel"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
)

// SyncTaskRepository persists calendar sync tasks. Tasks are written in the
// same transaction as the booking change that caused them and drained by the
// calsync worker.
type SyncTaskRepository struct {
	pool *db.Pool
}

func NewSyncTaskRepository(pool *db.Pool) *SyncTaskRepository {
	return &SyncTaskRepository{pool: pool}
}

func (r *SyncTaskRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *SyncTaskRepository) Enqueue(ctx context.Context, task domain.SyncTask) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	const stmt = `
INSERT INTO calendar_sync_tasks (slot_id, action, remote_event_id, payload, traceparent, tracestate)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := exec(ctx, r.pool, stmt,
		task.SlotID,
		task.Action,
		task.RemoteEventID,
		task.Payload,
		traceparent,
		tracestate,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return storeErr("enqueue sync task", err)
	}
	return nil
}

func (r *SyncTaskRepository) FetchPending(ctx context.Context, limit int) ([]domain.SyncTask, error) {
	const q = `
SELECT id, slot_id, action, remote_event_id, payload, traceparent, tracestate
FROM calendar_sync_tasks
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := query(ctx, r.pool, q, limit)
	if err != nil {
		return nil, storeErr("fetch pending sync tasks", err)
	}
	defer rows.Close()

	var tasks []domain.SyncTask
	for rows.Next() {
		var t domain.SyncTask
		if err := rows.Scan(&t.ID, &t.SlotID, &t.Action, &t.RemoteEventID, &t.Payload, &t.Traceparent, &t.Tracestate); err != nil {
			return nil, storeErr("fetch pending sync tasks", err)
		}
		tasks = append(tasks, t)
	}
	if rows.Err() != nil {
		return nil, storeErr("fetch pending sync tasks", rows.Err())
	}
	return tasks, nil
}

func (r *SyncTaskRepository) MarkDone(ctx context.Context, id int64) error {
	const stmt = `
UPDATE calendar_sync_tasks
SET status = 'done', updated_at = now()
WHERE id = $1`

	if _, err := exec(ctx, r.pool, stmt, id); err != nil {
		return storeErr("mark sync task done", err)
	}
	return nil
}

func (r *SyncTaskRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	const stmt = `
UPDATE calendar_sync_tasks
SET status = 'failed', last_error = $2, updated_at = now()
WHERE id = $1`

	if _, err := exec(ctx, r.pool, stmt, id, lastError); err != nil {
		return storeErr("mark sync task failed", err)
	}
	return nil
}
