package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/domain"
	"github.com/Tomerg91/Loom-Platform-sub002/services/reservation-service/internal/reservation"
)

// ReservationService is the engine surface the HTTP layer drives.
type ReservationService interface {
	CreateSlot(ctx context.Context, in reservation.CreateSlotInput) (domain.AvailabilitySlot, error)
	GetSlot(ctx context.Context, slotID string) (domain.AvailabilitySlot, error)
	ListOpenSlots(ctx context.Context, coachID string, from, to time.Time, limit int) ([]domain.AvailabilitySlot, error)
	PlaceHold(ctx context.Context, slotID, clientID string) (domain.AvailabilitySlot, error)
	ConfirmBooking(ctx context.Context, slotID, clientID string) (domain.AvailabilitySlot, error)
	ReleaseHold(ctx context.Context, slotID, clientID string) error
	CancelBooking(ctx context.Context, slotID string) (domain.AvailabilitySlot, error)
	Resync(ctx context.Context, slotID string) error
	HoldTTL() time.Duration
}

type ReservationHandler struct {
	svc    ReservationService
	logger *slog.Logger
}

func NewReservationHandler(svc ReservationService, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{svc: svc, logger: logger}
}

type createSlotRequest struct {
	CoachID   string `json:"coach_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Timezone  string `json:"timezone"`
	Notes     string `json:"notes"`
}

type holdRequest struct {
	SlotID   string `json:"slot_id"`
	ClientID string `json:"client_id"`
}

type cancelRequest struct {
	SlotID string `json:"slot_id"`
}

type slotResponse struct {
	SlotID          string `json:"slot_id"`
	CoachID         string `json:"coach_id"`
	ClientID        string `json:"client_id,omitempty"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Timezone        string `json:"timezone"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	HoldExpiresAt   string `json:"hold_expires_at,omitempty"`
	CalendarEventID string `json:"calendar_event_id,omitempty"`
	SyncError       string `json:"sync_error,omitempty"`
	SyncFailedAt    string `json:"sync_failed_at,omitempty"`
	SyncErrorCount  int    `json:"sync_error_count,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func (h *ReservationHandler) slotResponse(slot domain.AvailabilitySlot) slotResponse {
	resp := slotResponse{
		SlotID:          slot.ID,
		CoachID:         slot.CoachID,
		StartTime:       slot.StartTime.UTC().Format(time.RFC3339),
		EndTime:         slot.EndTime.UTC().Format(time.RFC3339),
		Timezone:        slot.Timezone,
		Status:          string(slot.Status),
		Notes:           slot.Notes,
		CalendarEventID: slot.CalendarEventID,
		SyncError:       slot.SyncError,
		SyncErrorCount:  slot.SyncErrorCount,
		CreatedAt:       slot.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       slot.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if slot.ClientID != nil {
		resp.ClientID = *slot.ClientID
	}
	if slot.Status == domain.StatusHeld {
		resp.HoldExpiresAt = slot.UpdatedAt.Add(h.svc.HoldTTL()).UTC().Format(time.RFC3339)
	}
	if slot.SyncFailedAt != nil {
		resp.SyncFailedAt = slot.SyncFailedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// Create publishes a new open slot.
func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	in := reservation.CreateSlotInput{
		CoachID:  strings.TrimSpace(req.CoachID),
		Timezone: strings.TrimSpace(req.Timezone),
		Notes:    strings.TrimSpace(req.Notes),
	}
	var err error
	if in.StartTime, err = parseTime(req.StartTime); err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	if in.EndTime, err = parseTime(req.EndTime); err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}

	slot, err := h.svc.CreateSlot(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(h.slotResponse(slot))
}

// List returns a coach's open slots inside a time window.
func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	coachID := strings.TrimSpace(r.URL.Query().Get("coach_id"))
	var from, to time.Time
	var err error
	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("to")); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
	}

	slots, err := h.svc.ListOpenSlots(r.Context(), coachID, from, to, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]slotResponse, 0, len(slots))
	for _, slot := range slots {
		items = append(items, h.slotResponse(slot))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"slots": items})
}

// Detail returns one slot by id.
func (h *ReservationHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slotID := strings.TrimSpace(r.URL.Query().Get("slot_id"))
	slot, err := h.svc.GetSlot(r.Context(), slotID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.slotResponse(slot))
}

// Hold places a time-limited hold on an open slot.
func (h *ReservationHandler) Hold(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeHoldShaped(w, r)
	if !ok {
		return
	}

	slot, err := h.svc.PlaceHold(r.Context(), req.SlotID, req.ClientID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.slotResponse(slot))
}

// Confirm turns the caller's hold into a booking.
func (h *ReservationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeHoldShaped(w, r)
	if !ok {
		return
	}

	slot, err := h.svc.ConfirmBooking(r.Context(), req.SlotID, req.ClientID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.slotResponse(slot))
}

// Release gives a held slot back. Safe to call even if the hold has already
// lapsed.
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeHoldShaped(w, r)
	if !ok {
		return
	}

	if err := h.svc.ReleaseHold(r.Context(), req.SlotID, req.ClientID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel reopens a booked slot.
func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	slot, err := h.svc.CancelBooking(r.Context(), strings.TrimSpace(req.SlotID))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.slotResponse(slot))
}

// Resync queues a fresh calendar sync for a booked slot.
func (h *ReservationHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if err := h.svc.Resync(r.Context(), strings.TrimSpace(req.SlotID)); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (h *ReservationHandler) decodeHoldShaped(w http.ResponseWriter, r *http.Request) (holdRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return holdRequest{}, false
	}

	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return holdRequest{}, false
	}
	req.SlotID = strings.TrimSpace(req.SlotID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	return req, true
}

func (h *ReservationHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSlotNotFound):
		http.Error(w, "slot not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSlotUnavailable):
		http.Error(w, "slot unavailable", http.StatusConflict)
	case errors.Is(err, domain.ErrHoldExpiredOrMismatched):
		http.Error(w, "hold expired or held by another client", http.StatusConflict)
	case errors.Is(err, domain.ErrSlotNotBooked):
		http.Error(w, "slot is not booked", http.StatusConflict)
	case errors.Is(err, domain.ErrSlotOverlap):
		http.Error(w, "slot overlaps an existing slot", http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrCoachIDRequired),
		errors.Is(err, domain.ErrClientIDRequired),
		errors.Is(err, domain.ErrInvalidTimeRange),
		errors.Is(err, domain.ErrInvalidTimezone),
		errors.Is(err, domain.ErrNotesTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("storage unavailable", "err", err)
		http.Error(w, "storage unavailable, retry shortly", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(v))
}
