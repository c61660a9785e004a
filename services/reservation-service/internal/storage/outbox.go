package storage

import (
	"context"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/db"
	otelx "github.com/Tomerg91/Loom-Platform-sub002/libs/otel"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
)

// OutboxRepository stores domain events next to the state change that
// produced them. A poller publishes them to Kafka after commit.
type OutboxRepository struct {
	pool *db.Pool
}

func NewOutboxRepository(pool *db.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *OutboxRepository) Insert(ctx context.Context, evt domain.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	const stmt = `
INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := exec(ctx, r.pool, stmt,
		evt.AggregateType,
		evt.AggregateID,
		evt.Type,
		evt.Payload,
		traceparent,
		tracestate,
	)
	if err != nil {
		return storeErr("insert outbox event", err)
	}
	return nil
}

// OutboxRecord is a stored event waiting to be published.
type OutboxRecord struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	const q = `
SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := query(ctx, r.pool, q, limit)
	if err != nil {
		return nil, storeErr("fetch unpublished events", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rcd OutboxRecord
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.AggregateType, &rcd.AggregateID, &rcd.EventType, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, storeErr("fetch unpublished events", err)
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, storeErr("fetch unpublished events", rows.Err())
	}
	return records, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const stmt = `
UPDATE outbox_events
SET published_at = now()
WHERE id = ANY($1)`

	if _, err := exec(ctx, r.pool, stmt, ids); err != nil {
		return storeErr("mark events published", err)
	}
	return nil
}
