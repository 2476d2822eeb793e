package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/application/services"
)

// SchedulerHandler exposes start, stop and stats control over the
// sweeper loop.
type SchedulerHandler struct {
	sweeper *services.Sweeper
	logger  *slog.Logger
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(sweeper *services.Sweeper, logger *slog.Logger) *SchedulerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerHandler{
		sweeper: sweeper,
		logger:  logger,
	}
}

// Stats handles GET /api/v1/scheduler
func (h *SchedulerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.Stats())
}

// Start handles POST /api/v1/scheduler/start
func (h *SchedulerHandler) Start(w http.ResponseWriter, r *http.Request) {
	// The loop must outlive this request, so it runs on a background
	// context instead of the request context.
	if err := h.sweeper.Start(context.Background()); err != nil {
		h.logger.Error("failed to start scheduler", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start scheduler")
		return
	}
	writeJSON(w, http.StatusOK, h.sweeper.Stats())
}

// Stop handles POST /api/v1/scheduler/stop
func (h *SchedulerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	// Stop waits for an in-flight tick to finish before returning.
	h.sweeper.Stop()
	writeJSON(w, http.StatusOK, h.sweeper.Stats())
}

// Sweep handles POST /api/v1/scheduler/sweep
//
// It runs one synchronous pass over due records, independent of the
// tick loop. Useful for draining a backlog without waiting an interval.
func (h *SchedulerHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.RunOnce(r.Context(), time.Now().UTC()); err != nil {
		h.logger.Error("manual sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, h.sweeper.Stats())
}
