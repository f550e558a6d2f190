package ai

import (
	"context"

	"github.com/felo/autoreply/internal/db"
	"github.com/google/uuid"
)

// AttachmentRef is an uploaded attachment passed to the AI service by URL.
type AttachmentRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
}

// Request is the body posted to the AI service.
type Request struct {
	MessageID      string          `json:"message_id"`
	Text           string          `json:"text"`
	Attachments    []AttachmentRef `json:"attachments"`
	HasAttachments bool            `json:"has_attachments"`
}

// Response is the AI service reply.
type Response struct {
	ResponseText     string   `json:"response_text"`
	UserText         string   `json:"user_text"`
	RagDocs          []string `json:"rag_docs"`
	Prompt           string   `json:"prompt"`
	CompletionID     string   `json:"completion_id"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Model            string   `json:"model"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// Responder produces a reply for a stored email.
type Responder interface {
	Reply(ctx context.Context, email *db.Email) (*Response, error)
}

// Result converts the response into the fields CompleteProcessing records.
func (r *Response) Result() db.AIResult {
	completionID := r.CompletionID
	if completionID == "" {
		completionID = uuid.NewString()
	}
	return db.AIResult{
		UserText:         r.UserText,
		RagDocs:          r.RagDocs,
		ResponseText:     r.ResponseText,
		Prompt:           r.Prompt,
		CompletionID:     completionID,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		Model:            r.Model,
		ProcessingTimeMS: r.ProcessingTimeMS,
	}
}

// NewRequest builds the service request for email. The text is the cleaned
// content; only attachments that already have a storage URL are forwarded.
func NewRequest(email *db.Email) Request {
	req := Request{
		MessageID:   requestMessageID(email),
		Text:        CleanText(email.Content),
		Attachments: []AttachmentRef{},
	}
	for _, att := range email.Attachments {
		if att.URL == "" {
			continue
		}
		filename := att.Filename
		if filename == "" {
			filename = "unknown"
		}
		req.Attachments = append(req.Attachments, AttachmentRef{
			URL:      att.URL,
			Filename: filename,
			Type:     att.ContentType,
			Size:     att.Size,
		})
	}
	req.HasAttachments = len(req.Attachments) > 0
	return req
}

func requestMessageID(email *db.Email) string {
	if email.MessageID != nil && *email.MessageID != "" {
		return *email.MessageID
	}
	return "email_" + email.ID
}
