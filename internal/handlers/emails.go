package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felo/autoreply/internal/ai"
	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/queue"
	"github.com/go-chi/chi/v5"
)

// ingestPayload is the body the mail fetcher posts for one message.
type ingestPayload struct {
	MessageID      string          `json:"message_id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Subject        string          `json:"subject"`
	Content        string          `json:"content"`
	ReceivedAt     *time.Time      `json:"received_at"`
	AttachmentInfo json.RawMessage `json:"attachment_info"`
}

type ingestResponse struct {
	Email             *db.Email `json:"email"`
	SenderCreated     bool      `json:"sender_created"`
	ProbableDuplicate bool      `json:"probable_duplicate"`
	Warnings          []string  `json:"warnings,omitempty"`
}

// IngestEmail stores a fetched message as unprocessed and announces it.
// A failed announcement is logged; the email stays stored.
func (h *Handlers) IngestEmail(w http.ResponseWriter, r *http.Request) {
	var p ingestPayload
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}

	req := db.IngestRequest{
		MessageID:      p.MessageID,
		From:           p.From,
		To:             p.To,
		Subject:        p.Subject,
		Content:        p.Content,
		AttachmentInfo: p.AttachmentInfo,
	}
	if p.ReceivedAt != nil {
		req.ReceivedAt = *p.ReceivedAt
	}

	result, err := h.db.Ingest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.publisher.PublishIngested(r.Context(), queue.IngestedMessage(result)); err != nil {
		h.logger.WarnContext(r.Context(), "failed to publish ingest event",
			slog.String("email_id", result.Email.ID), slog.String("error", err.Error()))
	}

	resp := ingestResponse{
		Email:             result.Email,
		SenderCreated:     result.SenderCreated,
		ProbableDuplicate: result.ProbableDuplicate,
	}
	for _, warning := range result.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetEmail returns one email with its processing state.
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	email, err := h.db.GetEmailByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

// ListPending returns unprocessed emails, oldest first.
func (h *Handlers) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	emails, err := h.db.ListPending(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if emails == nil {
		emails = []*db.Email{}
	}
	writeJSON(w, http.StatusOK, emails)
}

// transition runs a state change and answers with the updated email.
func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, apply func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := apply(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	email, err := h.db.GetEmailByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (h *Handlers) BeginProcessing(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) error {
		return h.db.BeginProcessing(r.Context(), id)
	})
}

// CompleteProcessing records an AI result posted in the service's response format.
func (h *Handlers) CompleteProcessing(w http.ResponseWriter, r *http.Request) {
	var resp ai.Response
	if err := decodeJSON(r, &resp); err != nil {
		h.writeError(w, r, err)
		return
	}
	if resp.ResponseText == "" {
		h.writeError(w, r, errors.Join(db.ErrInvalidInput, errors.New("response_text is required")))
		return
	}
	h.transition(w, r, func(id string) error {
		return h.db.CompleteProcessing(r.Context(), id, resp.Result())
	})
}

type failPayload struct {
	Error string `json:"error"`
}

func (h *Handlers) FailProcessing(w http.ResponseWriter, r *http.Request) {
	var p failPayload
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.transition(w, r, func(id string) error {
		return h.db.FailProcessing(r.Context(), id, p.Error)
	})
}

type replyPayload struct {
	SentAt *time.Time `json:"sent_at"`
}

// RecordReply marks the reply as sent. A missing sent_at means now.
func (h *Handlers) RecordReply(w http.ResponseWriter, r *http.Request) {
	var p replyPayload
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &p); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	sentAt := time.Now()
	if p.SentAt != nil {
		sentAt = *p.SentAt
	}
	h.transition(w, r, func(id string) error {
		return h.db.RecordReply(r.Context(), id, sentAt)
	})
}

func (h *Handlers) MarkReplyFailed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string) error {
		return h.db.MarkReplyFailed(r.Context(), id)
	})
}
