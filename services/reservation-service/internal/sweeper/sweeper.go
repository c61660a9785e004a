package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/libs/clock"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
)

// SlotStore is the slice of slot persistence the sweeper needs.
type SlotStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]domain.AvailabilitySlot, error)
	Transition(ctx context.Context, tr domain.Transition) (domain.AvailabilitySlot, bool, error)
}

// EventLog persists domain events for post-commit publishing.
type EventLog interface {
	Insert(ctx context.Context, evt domain.Event) error
}

// Sweeper releases holds whose TTL has lapsed so abandoned checkouts return
// to inventory without any client action.
type Sweeper struct {
	store      SlotStore
	events     EventLog
	clock      clock.Clock
	logger     *slog.Logger
	ttl        time.Duration
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

type Config struct {
	TTL        time.Duration
	Interval   time.Duration
	RetryDelay time.Duration
	BatchSize  int
}

func New(store SlotStore, events EventLog, clk clock.Clock, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:      store,
		events:     events,
		clock:      clk,
		logger:     logger,
		ttl:        cfg.TTL,
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		batchSize:  cfg.BatchSize,
	}
}

// Run sweeps on the configured interval until the context is cancelled. A
// failed sweep is retried sooner, with the retry delay doubling up to the
// normal interval, then the cadence resets on the first success.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	retry := s.retryDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		released, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "err", err, "retry_in", retry)
			timer.Reset(retry)
			retry *= 2
			if retry > s.interval {
				retry = s.interval
			}
			continue
		}
		if released > 0 {
			s.logger.Info("expired holds released", "count", released)
		}
		retry = s.retryDelay
		timer.Reset(s.interval)
	}
}

// Sweep scans for holds older than the TTL and releases each one with a
// conditional update, so a hold that was booked, released or re-placed since
// the scan is left alone. It reports how many holds were actually released;
// per-slot failures are collected and returned after the whole batch has been
// attempted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.ttl)

	expired, err := s.store.ListExpiredHolds(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	var released, failed int
	var lastErr error
	for _, slot := range expired {
		ok, err := s.release(ctx, slot, cutoff, now)
		if err != nil {
			s.logger.Error("hold release failed", "slot_id", slot.ID, "err", err)
			failed++
			lastErr = err
			continue
		}
		if ok {
			released++
		}
	}
	if failed > 0 {
		return released, fmt.Errorf("released %d of %d expired holds, %d failed: %w", released, len(expired), failed, lastErr)
	}
	return released, nil
}

func (s *Sweeper) release(ctx context.Context, slot domain.AvailabilitySlot, cutoff, now time.Time) (bool, error) {
	var released bool
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		_, ok, err := s.store.Transition(ctx, domain.Transition{
			SlotID:              slot.ID,
			ExpectStatus:        domain.StatusHeld,
			ExpectClientID:      slot.ClientID,
			ExpectUpdatedBefore: &cutoff,
			NewStatus:           domain.StatusOpen,
			At:                  now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Raced with a booking, release or fresh hold. Nothing to do.
			s.logger.Debug("hold already transitioned", "slot_id", slot.ID)
			return nil
		}

		payload, err := json.Marshal(map[string]any{
			"slot_id":    slot.ID,
			"coach_id":   slot.CoachID,
			"client_id":  slot.ClientID,
			"held_at":    slot.UpdatedAt.UTC().Format(time.RFC3339),
			"expired_at": now.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := s.events.Insert(ctx, domain.Event{
			AggregateType: "availability_slot",
			AggregateID:   slot.ID,
			Type:          domain.EventHoldExpired,
			Payload:       payload,
		}); err != nil {
			return err
		}

		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}
