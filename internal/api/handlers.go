// Package api exposes the trigger surface of the dispatch engine: starting
// a newsletter send for a segment, reading send statistics and provider
// usage, and the operator pause toggle.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/essencia/newsletter-engine/internal/newsletter"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
	"github.com/essencia/newsletter-engine/internal/rotation"
)

// Handlers holds the dependencies of the HTTP layer.
type Handlers struct {
	store  *newsletter.Store
	driver *newsletter.Driver
	ledger rotation.Ledger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(store *newsletter.Store, driver *newsletter.Driver, ledger rotation.Ledger) *Handlers {
	return &Handlers{store: store, driver: driver, ledger: ledger}
}

// SendRequest is the trigger event that starts a newsletter send.
type SendRequest struct {
	SegmentID int64 `json:"segment_id"`
	BatchSize int   `json:"batch_size,omitempty"`
}

// HandleSendNewsletter starts a send for a segment.
//
//	POST /api/newsletters/{id}/send
func (h *Handlers) HandleSendNewsletter(w http.ResponseWriter, r *http.Request) {
	newsletterID := chi.URLParam(r, "id")

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SegmentID == 0 {
		respondError(w, http.StatusBadRequest, "segment_id is required")
		return
	}

	if _, err := h.store.GetNewsletter(r.Context(), newsletterID); err != nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}

	totalBatches, err := h.driver.StartNewsletter(r.Context(), newsletterID, req.SegmentID, req.BatchSize)
	if err != nil {
		logger.Error("newsletter trigger failed", "newsletter", newsletterID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start newsletter send")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"newsletter_id": newsletterID,
		"segment_id":    req.SegmentID,
		"total_batches": totalBatches,
	})
}

// HandleNewsletterStats returns aggregated send outcomes.
//
//	GET /api/newsletters/{id}/stats
func (h *Handlers) HandleNewsletterStats(w http.ResponseWriter, r *http.Request) {
	newsletterID := chi.URLParam(r, "id")

	sent, failed, err := h.store.NewsletterStats(r.Context(), newsletterID)
	if err != nil {
		logger.Error("stats lookup failed", "newsletter", newsletterID, "error", err)
		respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"newsletter_id": newsletterID,
		"sent_count":    sent,
		"failed_count":  failed,
	})
}

// HandleProviderUsage returns the current per-account ledger snapshot.
//
//	GET /api/providers/usage
func (h *Handlers) HandleProviderUsage(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.ledger.Snapshot(r.Context())
	if err != nil {
		logger.Error("ledger snapshot failed", "error", err)
		respondError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}

	usage := make(map[string]map[string]int, len(snapshot))
	for key, u := range snapshot {
		usage[key] = map[string]int{
			"hourly_used":      u.HourlyUsed,
			"hourly_limit":     u.HourlyLimit,
			"hourly_remaining": u.HourlyRemaining(),
			"daily_used":       u.DailyUsed,
			"daily_limit":      u.DailyLimit,
			"daily_remaining":  u.DailyRemaining(),
		}
	}
	respondJSON(w, http.StatusOK, usage)
}

// HandlePause sets or clears the operator pause toggle.
//
//	POST /api/sending/pause
//	POST /api/sending/resume
func (h *Handlers) HandlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.store.SetSendingPaused(r.Context(), paused); err != nil {
			logger.Error("pause toggle failed", "paused", paused, "error", err)
			respondError(w, http.StatusInternalServerError, "toggle update failed")
			return
		}
		logger.Info("sending pause toggled", "paused", paused)
		respondJSON(w, http.StatusOK, map[string]bool{"paused": paused})
	}
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
