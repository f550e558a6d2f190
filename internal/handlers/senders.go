package handlers

import (
	"net/http"

	"github.com/felo/autoreply/internal/db"
	"github.com/go-chi/chi/v5"
)

// ListSenders returns the sender statistics view, busiest first.
func (h *Handlers) ListSenders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.db.ListSenderStatistics(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []*db.SenderStatistics{}
	}
	writeJSON(w, http.StatusOK, stats)
}

type senderResponse struct {
	*db.Sender
	Emails []*db.Email `json:"emails"`
}

// GetSender looks a sender up by address and includes its most recent emails.
func (h *Handlers) GetSender(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sender, err := h.db.GetSenderByAddress(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	emails, err := h.db.ListEmailsBySender(r.Context(), sender.ID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if emails == nil {
		emails = []*db.Email{}
	}
	writeJSON(w, http.StatusOK, senderResponse{Sender: sender, Emails: emails})
}

type notesPayload struct {
	Notes string `json:"notes"`
}

func (h *Handlers) SetSenderNotes(w http.ResponseWriter, r *http.Request) {
	var p notesPayload
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.db.SetSenderNotes(r.Context(), id, p.Notes); err != nil {
		h.writeError(w, r, err)
		return
	}
	sender, err := h.db.GetSenderByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sender)
}

// DeleteSender removes a sender; it answers 409 while emails still reference it.
func (h *Handlers) DeleteSender(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeleteSender(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
