package handlers

import (
	"net/http"
)

// DefaultRetentionDays applies when no retention period is configured.
const DefaultRetentionDays = 30

// Cleanup runs the retention job once. days=N overrides the configured period.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", h.retentionDays)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.db.Cleanup(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats returns per-status counts.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
