package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/testutil"
)

const (
	coachA  = "11111111-1111-1111-1111-111111111111"
	coachB  = "22222222-2222-2222-2222-222222222222"
	clientA = "33333333-3333-3333-3333-333333333333"
	clientB = "44444444-4444-4444-4444-444444444444"
	slotA   = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	slotB   = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
)

func openSlot(id, coachID string, start time.Time) domain.AvailabilitySlot {
	created := start.Add(-7 * 24 * time.Hour)
	return domain.AvailabilitySlot{
		ID:        id,
		CoachID:   coachID,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Timezone:  "UTC",
		Status:    domain.StatusOpen,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSlotRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := NewSlotRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("Insert and GetByID roundtrip", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		want := openSlot(slotA, coachA, base.Add(48*time.Hour))
		want.Notes = "intro call"
		if err := repo.Insert(ctx, want); err != nil {
			t.Fatalf("insert: %v", err)
		}

		got, err := repo.GetByID(ctx, slotA)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.CoachID != coachA || got.Status != domain.StatusOpen || got.Notes != "intro call" {
			t.Fatalf("unexpected slot: %+v", got)
		}
		if !got.StartTime.Equal(want.StartTime) || !got.EndTime.Equal(want.EndTime) {
			t.Fatalf("times mangled: %+v", got)
		}
		if got.ClientID != nil {
			t.Fatalf("open slot must have no client, got %v", *got.ClientID)
		}

		if _, err := repo.GetByID(ctx, slotB); !errors.Is(err, domain.ErrSlotNotFound) {
			t.Fatalf("expected ErrSlotNotFound, got %v", err)
		}
		if _, err := repo.GetByID(ctx, "not-a-uuid"); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
	})

	t.Run("Insert rejects overlapping slots per coach", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		start := base.Add(48 * time.Hour)
		if err := repo.Insert(ctx, openSlot(slotA, coachA, start)); err != nil {
			t.Fatalf("insert: %v", err)
		}

		overlapping := openSlot(slotB, coachA, start.Add(30*time.Minute))
		if err := repo.Insert(ctx, overlapping); !errors.Is(err, domain.ErrSlotOverlap) {
			t.Fatalf("expected ErrSlotOverlap, got %v", err)
		}

		// Same window for another coach is fine.
		otherCoach := openSlot(slotB, coachB, start.Add(30*time.Minute))
		if err := repo.Insert(ctx, otherCoach); err != nil {
			t.Fatalf("other coach should not conflict: %v", err)
		}
	})

	t.Run("Transition applies the conditional update", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertSlot(t, ctx, pool, openSlot(slotA, coachA, base.Add(48*time.Hour)))

		clientID := clientA
		now := base
		slot, ok, err := repo.Transition(ctx, domain.Transition{
			SlotID:       slotA,
			ExpectStatus: domain.StatusOpen,
			NewStatus:    domain.StatusHeld,
			NewClientID:  &clientID,
			At:           now,
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if !ok {
			t.Fatalf("expected transition to win")
		}
		if slot.Status != domain.StatusHeld || slot.ClientID == nil || *slot.ClientID != clientA {
			t.Fatalf("unexpected slot after hold: %+v", slot)
		}
		if !slot.UpdatedAt.Equal(now) {
			t.Fatalf("updated_at not set to transition time: %v", slot.UpdatedAt)
		}

		// The slot is no longer open, so the same transition loses quietly.
		_, ok, err = repo.Transition(ctx, domain.Transition{
			SlotID:       slotA,
			ExpectStatus: domain.StatusOpen,
			NewStatus:    domain.StatusHeld,
			NewClientID:  &clientID,
			At:           now.Add(time.Second),
		})
		if err != nil {
			t.Fatalf("expected no error on lost race, got %v", err)
		}
		if ok {
			t.Fatalf("transition must not win twice")
		}
	})

	t.Run("Transition checks the expected client", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		held := openSlot(slotA, coachA, base.Add(48*time.Hour))
		held.Status = domain.StatusHeld
		cid := clientA
		held.ClientID = &cid
		held.UpdatedAt = base.Add(-5 * time.Minute)
		testutil.InsertSlot(t, ctx, pool, held)

		wrong := clientB
		_, ok, err := repo.Transition(ctx, domain.Transition{
			SlotID:         slotA,
			ExpectStatus:   domain.StatusHeld,
			ExpectClientID: &wrong,
			NewStatus:      domain.StatusBooked,
			NewClientID:    &wrong,
			At:             base,
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if ok {
			t.Fatalf("another client must not book this hold")
		}

		right := clientA
		slot, ok, err := repo.Transition(ctx, domain.Transition{
			SlotID:         slotA,
			ExpectStatus:   domain.StatusHeld,
			ExpectClientID: &right,
			NewStatus:      domain.StatusBooked,
			NewClientID:    &right,
			At:             base,
		})
		if err != nil || !ok {
			t.Fatalf("holder should book: ok=%v err=%v", ok, err)
		}
		if slot.Status != domain.StatusBooked {
			t.Fatalf("expected booked, got %s", slot.Status)
		}
	})

	t.Run("Transition honors the staleness guard", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		held := openSlot(slotA, coachA, base.Add(48*time.Hour))
		held.Status = domain.StatusHeld
		cid := clientA
		held.ClientID = &cid
		held.UpdatedAt = base.Add(-time.Minute) // fresher than the cutoff
		testutil.InsertSlot(t, ctx, pool, held)

		cutoff := base.Add(-15 * time.Minute)
		_, ok, err := repo.Transition(ctx, domain.Transition{
			SlotID:              slotA,
			ExpectStatus:        domain.StatusHeld,
			ExpectClientID:      &cid,
			ExpectUpdatedBefore: &cutoff,
			NewStatus:           domain.StatusOpen,
			At:                  base,
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if ok {
			t.Fatalf("fresh hold must not be released by the stale-only guard")
		}
	})

	t.Run("Transition can clear sync state", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		failedAt := base.Add(-time.Hour)
		booked := openSlot(slotA, coachA, base.Add(48*time.Hour))
		booked.Status = domain.StatusBooked
		cid := clientA
		booked.ClientID = &cid
		booked.CalendarEventID = "cal-1"
		booked.SyncError = "status 502"
		booked.SyncFailedAt = &failedAt
		booked.SyncErrorCount = 3
		testutil.InsertSlot(t, ctx, pool, booked)

		slot, ok, err := repo.Transition(ctx, domain.Transition{
			SlotID:       slotA,
			ExpectStatus: domain.StatusBooked,
			NewStatus:    domain.StatusOpen,
			At:           base,
			ClearSync:    true,
		})
		if err != nil || !ok {
			t.Fatalf("transition: ok=%v err=%v", ok, err)
		}
		if slot.CalendarEventID != "" || slot.SyncError != "" || slot.SyncFailedAt != nil || slot.SyncErrorCount != 0 {
			t.Fatalf("sync state not cleared: %+v", slot)
		}
		if slot.ClientID != nil {
			t.Fatalf("client not cleared on reopen")
		}
	})

	t.Run("concurrent holds elect a single winner", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		testutil.InsertSlot(t, ctx, pool, openSlot(slotA, coachA, base.Add(48*time.Hour)))

		const callers = 10
		wins := make([]bool, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cid := clientA
				_, ok, err := repo.Transition(ctx, domain.Transition{
					SlotID:       slotA,
					ExpectStatus: domain.StatusOpen,
					NewStatus:    domain.StatusHeld,
					NewClientID:  &cid,
					At:           base,
				})
				wins[i], errs[i] = ok, err
			}(i)
		}
		wg.Wait()

		var winners int
		for i := range wins {
			if errs[i] != nil {
				t.Fatalf("caller %d error: %v", i, errs[i])
			}
			if wins[i] {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}
	})

	t.Run("ListOpenByCoach filters status and window", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		inWindow := openSlot(slotA, coachA, base.Add(24*time.Hour))
		testutil.InsertSlot(t, ctx, pool, inWindow)

		held := openSlot(slotB, coachA, base.Add(26*time.Hour))
		held.Status = domain.StatusHeld
		cid := clientA
		held.ClientID = &cid
		testutil.InsertSlot(t, ctx, pool, held)

		tooLate := openSlot("cccccccc-cccc-cccc-cccc-cccccccccccc", coachA, base.Add(90*24*time.Hour))
		testutil.InsertSlot(t, ctx, pool, tooLate)

		slots, err := repo.ListOpenByCoach(ctx, coachA, base, base.Add(48*time.Hour), 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(slots) != 1 || slots[0].ID != slotA {
			t.Fatalf("expected only the open in-window slot, got %+v", slots)
		}
	})

	t.Run("ListExpiredHolds returns only stale holds", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		stale := openSlot(slotA, coachA, base.Add(48*time.Hour))
		stale.Status = domain.StatusHeld
		cid := clientA
		stale.ClientID = &cid
		stale.UpdatedAt = base.Add(-20 * time.Minute)
		testutil.InsertSlot(t, ctx, pool, stale)

		fresh := openSlot(slotB, coachA, base.Add(50*time.Hour))
		fresh.Status = domain.StatusHeld
		cid2 := clientB
		fresh.ClientID = &cid2
		fresh.UpdatedAt = base.Add(-time.Minute)
		testutil.InsertSlot(t, ctx, pool, fresh)

		expired, err := repo.ListExpiredHolds(ctx, base.Add(-15*time.Minute), 100)
		if err != nil {
			t.Fatalf("list expired: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != slotA {
			t.Fatalf("expected only the stale hold, got %+v", expired)
		}
	})

	t.Run("SetRemoteEvent clears failure state but not updated_at", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		failedAt := base.Add(-time.Hour)
		booked := openSlot(slotA, coachA, base.Add(48*time.Hour))
		booked.Status = domain.StatusBooked
		cid := clientA
		booked.ClientID = &cid
		booked.SyncError = "status 503"
		booked.SyncFailedAt = &failedAt
		booked.SyncErrorCount = 2
		booked.UpdatedAt = base.Add(-10 * time.Minute)
		testutil.InsertSlot(t, ctx, pool, booked)

		if err := repo.SetRemoteEvent(ctx, slotA, "cal-9"); err != nil {
			t.Fatalf("set remote event: %v", err)
		}

		slot, err := repo.GetByID(ctx, slotA)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if slot.CalendarEventID != "cal-9" {
			t.Fatalf("remote id not stored: %q", slot.CalendarEventID)
		}
		if slot.SyncError != "" || slot.SyncFailedAt != nil {
			t.Fatalf("failure state not cleared: %+v", slot)
		}
		if !slot.UpdatedAt.Equal(booked.UpdatedAt) {
			t.Fatalf("updated_at must stay the transition clock, got %v", slot.UpdatedAt)
		}
	})

	t.Run("RecordSyncFailure accumulates", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		booked := openSlot(slotA, coachA, base.Add(48*time.Hour))
		booked.Status = domain.StatusBooked
		cid := clientA
		booked.ClientID = &cid
		testutil.InsertSlot(t, ctx, pool, booked)

		if err := repo.RecordSyncFailure(ctx, slotA, "status 502: bad gateway", base); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if err := repo.RecordSyncFailure(ctx, slotA, "status 503: down", base.Add(time.Minute)); err != nil {
			t.Fatalf("record failure: %v", err)
		}

		slot, err := repo.GetByID(ctx, slotA)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if slot.SyncErrorCount != 2 {
			t.Fatalf("expected 2 failures, got %d", slot.SyncErrorCount)
		}
		if slot.SyncError != "status 503: down" {
			t.Fatalf("latest message not kept: %q", slot.SyncError)
		}
		if slot.SyncFailedAt == nil || !slot.SyncFailedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("latest failure time not kept: %v", slot.SyncFailedAt)
		}
	})
}
