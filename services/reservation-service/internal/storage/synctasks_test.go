package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/testutil"
)

func TestSyncTaskRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := NewSyncTaskRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	t.Run("Enqueue then FetchPending in order", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		if err := repo.Enqueue(ctx, domain.SyncTask{
			SlotID:  slotA,
			Action:  domain.SyncActionCreate,
			Payload: []byte(`{"title":"Coaching session"}`),
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := repo.Enqueue(ctx, domain.SyncTask{
			SlotID:        slotA,
			Action:        domain.SyncActionDelete,
			RemoteEventID: "cal-5",
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		tasks, err := repo.FetchPending(ctx, 10)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(tasks) != 2 {
			t.Fatalf("expected 2 pending tasks, got %d", len(tasks))
		}
		if tasks[0].Action != domain.SyncActionCreate || tasks[1].Action != domain.SyncActionDelete {
			t.Fatalf("tasks out of order: %+v", tasks)
		}
		if tasks[0].SlotID != slotA {
			t.Fatalf("slot id lost: %+v", tasks[0])
		}
		if tasks[1].RemoteEventID != "cal-5" {
			t.Fatalf("remote event id lost: %+v", tasks[1])
		}
		var payload struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(tasks[0].Payload, &payload); err != nil {
			t.Fatalf("payload not json: %v", err)
		}
		if payload.Title != "Coaching session" {
			t.Fatalf("payload mangled: %s", tasks[0].Payload)
		}
	})

	t.Run("MarkDone removes from pending", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		if err := repo.Enqueue(ctx, domain.SyncTask{SlotID: slotA, Action: domain.SyncActionCreate, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		tasks, err := repo.FetchPending(ctx, 10)
		if err != nil || len(tasks) != 1 {
			t.Fatalf("fetch: %v (%d tasks)", err, len(tasks))
		}

		if err := repo.MarkDone(ctx, tasks[0].ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}

		tasks, err = repo.FetchPending(ctx, 10)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(tasks) != 0 {
			t.Fatalf("done task still pending: %+v", tasks)
		}
	})

	t.Run("MarkFailed records the last error", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		if err := repo.Enqueue(ctx, domain.SyncTask{SlotID: slotA, Action: domain.SyncActionCreate, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		tasks, _ := repo.FetchPending(ctx, 10)
		if len(tasks) != 1 {
			t.Fatalf("expected 1 task")
		}

		if err := repo.MarkFailed(ctx, tasks[0].ID, "calendar create failed after 3 attempts"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		var status, lastError string
		if err := pool.QueryRow(ctx,
			`SELECT status, last_error FROM calendar_sync_tasks WHERE id = $1`, tasks[0].ID,
		).Scan(&status, &lastError); err != nil {
			t.Fatalf("query task: %v", err)
		}
		if status != "failed" {
			t.Fatalf("expected failed status, got %s", status)
		}
		if lastError != "calendar create failed after 3 attempts" {
			t.Fatalf("last error not stored: %q", lastError)
		}

		tasks, _ = repo.FetchPending(ctx, 10)
		if len(tasks) != 0 {
			t.Fatalf("failed task still pending")
		}
	})

	t.Run("claimed tasks are invisible to a second transaction", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		if err := repo.Enqueue(ctx, domain.SyncTask{SlotID: slotA, Action: domain.SyncActionCreate, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		err := repo.WithTx(ctx, func(txCtx context.Context) error {
			claimed, err := repo.FetchPending(txCtx, 10)
			if err != nil {
				t.Fatalf("fetch in tx: %v", err)
			}
			if len(claimed) != 1 {
				t.Fatalf("expected to claim 1 task, got %d", len(claimed))
			}

			// A concurrent worker must skip the locked row instead of blocking.
			other, err := repo.FetchPending(ctx, 10)
			if err != nil {
				t.Fatalf("concurrent fetch: %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("locked task leaked to a second worker: %+v", other)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("tx: %v", err)
		}
	})
}
