package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/clock"
	otelx "github.com/Tomerg91/Loom-Platform-sub002/libs/otel"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/calendar"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errTaskUnprocessable marks tasks that can never succeed: garbled payload,
// vanished slot, or a booking undone since the task was queued. They are
// marked failed without touching slot sync metadata.
var errTaskUnprocessable = errors.New("sync task unprocessable")

// TaskQueue is the pending-task store the worker drains.
type TaskQueue interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	FetchPending(ctx context.Context, limit int) ([]domain.SyncTask, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
}

// SlotStore is the slice of slot persistence the worker needs.
type SlotStore interface {
	GetByID(ctx context.Context, id string) (domain.AvailabilitySlot, error)
	SetRemoteEvent(ctx context.Context, slotID, remoteEventID string) error
	RecordSyncFailure(ctx context.Context, slotID, message string, at time.Time) error
}

// CalendarAPI mirrors events to the external calendar.
type CalendarAPI interface {
	CreateEvent(ctx context.Context, ev calendar.Event) (string, error)
	UpdateEvent(ctx context.Context, eventID string, ev calendar.Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// Worker drains calendar sync tasks and applies them against the vendor.
// Vendor failures are terminal for the task once the client's retries are
// exhausted: the task is marked failed and the failure lands on the slot's
// sync metadata, never back on the booking.
type Worker struct {
	tasks     TaskQueue
	slots     SlotStore
	api       CalendarAPI
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	pollEvery time.Duration
	batchSize int
}

type WorkerConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewWorker(tasks TaskQueue, slots SlotStore, api CalendarAPI, clk clock.Clock, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Worker{
		tasks:     tasks,
		slots:     slots,
		api:       api,
		clock:     clk,
		logger:    logger,
		tracer:    otel.Tracer("calsync"),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("calendar sync batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch claims a batch of pending tasks and works through them. A
// transient failure (store outage, shutdown) rolls the batch back so it is
// picked up again on the next tick.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	return w.tasks.WithTx(ctx, func(ctx context.Context) error {
		batch, err := w.tasks.FetchPending(ctx, w.batchSize)
		if err != nil {
			return err
		}
		for _, task := range batch {
			taskCtx := otelx.ContextWithTraceContext(ctx, task.Traceparent, task.Tracestate)
			if err := w.dispatch(taskCtx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) dispatch(ctx context.Context, task domain.SyncTask) error {
	ctx, span := w.tracer.Start(ctx, "calendar.sync",
		trace.WithAttributes(
			attribute.String("sync.action", string(task.Action)),
			attribute.String("slot.id", task.SlotID),
		))
	defer span.End()

	err := w.send(ctx, task)
	if err == nil {
		return w.tasks.MarkDone(ctx, task.ID)
	}

	var syncErr *calendar.SyncFailedError
	switch {
	case errors.As(err, &syncErr):
		span.RecordError(syncErr)
		span.SetStatus(codes.Error, "vendor rejected sync")
		w.logger.Error("calendar sync failed",
			"slot_id", task.SlotID,
			"action", task.Action,
			"status", syncErr.StatusCode,
			"attempts", syncErr.Attempts,
		)
		if err := w.tasks.MarkFailed(ctx, task.ID, syncErr.Error()); err != nil {
			return err
		}
		return w.slots.RecordSyncFailure(ctx, task.SlotID, syncErr.Error(), w.clock.Now())
	case errors.Is(err, errTaskUnprocessable):
		span.RecordError(err)
		w.logger.Warn("calendar sync task dropped", "slot_id", task.SlotID, "action", task.Action, "reason", err)
		return w.tasks.MarkFailed(ctx, task.ID, err.Error())
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync attempt aborted")
		return err
	}
}

func (w *Worker) send(ctx context.Context, task domain.SyncTask) error {
	if task.Action == domain.SyncActionDelete {
		return w.api.DeleteEvent(ctx, task.RemoteEventID)
	}

	var ev calendar.Event
	if err := json.Unmarshal(task.Payload, &ev); err != nil {
		return fmt.Errorf("%w: decode payload: %v", errTaskUnprocessable, err)
	}

	slot, err := w.slots.GetByID(ctx, task.SlotID)
	if err != nil {
		if errors.Is(err, domain.ErrSlotNotFound) {
			return fmt.Errorf("%w: slot %s missing", errTaskUnprocessable, task.SlotID)
		}
		return err
	}
	if slot.Status != domain.StatusBooked {
		// Cancelled since the task was queued; any mirrored event is
		// handled by the delete task the cancellation enqueued.
		return fmt.Errorf("%w: slot %s no longer booked", errTaskUnprocessable, task.SlotID)
	}

	// Prefer the slot's current mirror state over what the task recorded:
	// a replayed create becomes an update, an update without a mirrored
	// event becomes a create.
	remoteID := slot.CalendarEventID
	if remoteID == "" {
		remoteID = task.RemoteEventID
	}
	if remoteID == "" {
		id, err := w.api.CreateEvent(ctx, ev)
		if err != nil {
			return err
		}
		return w.slots.SetRemoteEvent(ctx, task.SlotID, id)
	}
	if err := w.api.UpdateEvent(ctx, remoteID, ev); err != nil {
		return err
	}
	return w.slots.SetRemoteEvent(ctx, task.SlotID, remoteID)
}
