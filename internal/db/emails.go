package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxMessageIDLength is the longest Message-ID stored; longer values are truncated.
const MaxMessageIDLength = 255

// Documents is a list of retrieved context documents stored as a JSON array.
type Documents []string

func (d Documents) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]string(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Documents) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(d))
	case []byte:
		return json.Unmarshal(v, (*[]string)(d))
	}
	return fmt.Errorf("unsupported Scan type for Documents: %T", value)
}

// Email is one ingested message together with its processing and reply state.
type Email struct {
	ID                  string      `db:"id" json:"id"`
	MessageID           *string     `db:"message_id" json:"message_id"`
	SenderID            string      `db:"sender_id" json:"sender_id"`
	FromEmail           string      `db:"from_email" json:"from_email"`
	ToEmail             string      `db:"to_email" json:"to_email"`
	Subject             string      `db:"subject" json:"subject"`
	Content             string      `db:"content" json:"content"`
	ContentHash         string      `db:"content_hash" json:"content_hash"`
	DuplicateOf         *string     `db:"duplicate_of" json:"duplicate_of,omitempty"`
	HasAttachment       bool        `db:"has_attachment" json:"has_attachment"`
	AttachmentCount     int         `db:"attachment_count" json:"attachment_count"`
	Attachments         Attachments `db:"attachment_info" json:"attachments"`
	TotalAttachmentSize int64       `db:"total_attachment_size" json:"total_attachment_size"`
	ReceivedAt          NullTime    `db:"received_at" json:"received_at"`

	Status     Status  `db:"status" json:"status"`
	RetryCount int     `db:"retry_count" json:"retry_count"`
	LastError  *string `db:"last_error" json:"last_error,omitempty"`

	AIUserText         string    `db:"ai_user_text" json:"ai_user_text"`
	AIRagDocs          Documents `db:"ai_rag_docs" json:"ai_rag_docs"`
	AIResponseText     string    `db:"ai_response_text" json:"ai_response_text"`
	AIPrompt           string    `db:"ai_prompt" json:"ai_prompt"`
	AICompletionID     string    `db:"ai_completion_id" json:"ai_completion_id"`
	AIPromptTokens     int       `db:"ai_prompt_tokens" json:"ai_prompt_tokens"`
	AICompletionTokens int       `db:"ai_completion_tokens" json:"ai_completion_tokens"`
	AITotalTokens      int       `db:"ai_total_tokens" json:"ai_total_tokens"`
	AIProcessingTimeMS int64     `db:"ai_processing_time_ms" json:"ai_processing_time_ms"`
	AIModel            string    `db:"ai_model" json:"ai_model"`
	AIProcessedAt      NullTime  `db:"ai_processed_at" json:"ai_processed_at"`

	ReplyStatus ReplyStatus `db:"response_status" json:"reply_status"`
	ReplySentAt NullTime    `db:"response_sent_at" json:"reply_sent_at"`

	CreatedAt NullTime `db:"created_at" json:"created_at"`
	UpdatedAt NullTime `db:"updated_at" json:"updated_at"`
}

// emailColumns is the explicit column list; views use SELECT * and may carry
// legacy columns, so queries never rely on *.
const emailColumns = `id, message_id, sender_id, from_email, to_email, subject, content,
	content_hash, duplicate_of, has_attachment, attachment_count, attachment_info,
	total_attachment_size, received_at, status, retry_count, last_error,
	ai_user_text, ai_rag_docs, ai_response_text, ai_prompt, ai_completion_id,
	ai_prompt_tokens, ai_completion_tokens, ai_total_tokens, ai_processing_time_ms,
	ai_model, ai_processed_at, response_status, response_sent_at, created_at, updated_at`

// IngestRequest carries the raw fields supplied by the mail fetcher.
type IngestRequest struct {
	MessageID  string
	From       string
	To         string
	Subject    string
	Content    string
	ReceivedAt time.Time

	// SourceHash identifies the spool file the message came from. A hash
	// that was ingested before is rejected as a duplicate, even after the
	// email itself has been removed by retention.
	SourceHash string

	// AttachmentInfo is the fetcher's JSON attachment list. When set it takes
	// precedence over Attachments.
	AttachmentInfo json.RawMessage
	Attachments    Attachments
}

// IngestResult reports what Ingest stored.
type IngestResult struct {
	Email             *Email
	SenderCreated     bool
	ProbableDuplicate bool
	Warnings          []DataQualityWarning
}

// ContentHash is the deterministic digest used for duplicate detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EmailID derives the email identifier. Emails with a Message-ID get a stable
// name-based UUID so re-fetching the same message maps to the same id.
func EmailID(messageID, from, content string) string {
	if messageID == "" {
		return uuid.NewString()
	}
	prefix := content
	if r := []rune(prefix); len(r) > 100 {
		prefix = string(r[:100])
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(messageID+":"+from+":"+prefix)).String()
}

// NormalizeAddress lowercases and trims an email address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Ingest stores a new email as unprocessed, creating its sender when needed and
// updating sender statistics in the same transaction.
func (db *DB) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "db.Ingest")
	defer span.End()

	from := NormalizeAddress(req.From)
	if from == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidInput)
	}

	result := &IngestResult{}

	messageID := strings.TrimSpace(req.MessageID)
	if n := utf8.RuneCountInString(messageID); n > MaxMessageIDLength {
		result.Warnings = append(result.Warnings, DataQualityWarning{
			Field:  "message_id",
			Reason: fmt.Sprintf("truncated from %d to %d characters", n, MaxMessageIDLength),
		})
		messageID = string([]rune(messageID)[:MaxMessageIDLength])
	}

	attachments, warning := resolveAttachments(req)
	if warning != nil {
		result.Warnings = append(result.Warnings, *warning)
	}

	now := db.timestamp()
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	receivedAt = receivedAt.UTC()

	email := &Email{
		ID:                  EmailID(messageID, from, req.Content),
		SenderID:            "",
		FromEmail:           from,
		ToEmail:             NormalizeAddress(req.To),
		Subject:             req.Subject,
		Content:             req.Content,
		ContentHash:         ContentHash(req.Content),
		HasAttachment:       len(attachments) > 0,
		AttachmentCount:     len(attachments),
		Attachments:         attachments,
		TotalAttachmentSize: attachments.TotalSize(),
		ReceivedAt:          NewNullTime(receivedAt),
		Status:              StatusUnprocessed,
		ReplyStatus:         ReplyPending,
		CreatedAt:           NewNullTime(now),
		UpdatedAt:           NewNullTime(now),
	}
	if messageID != "" {
		email.MessageID = &messageID
	}
	span.SetAttributes(attribute.String("email.id", email.ID))

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if messageID != "" {
			var existing string
			err := tx.GetContext(ctx, &existing, "SELECT id FROM emails WHERE message_id = ?", messageID)
			if err == nil {
				return &DuplicateError{MessageID: messageID, ExistingID: existing}
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check message id: %w", err)
			}
		}

		if req.SourceHash != "" {
			var existing string
			err := tx.GetContext(ctx, &existing, "SELECT email_id FROM ingested_sources WHERE source_hash = ?", req.SourceHash)
			if err == nil {
				return &DuplicateError{SourceHash: req.SourceHash, ExistingID: existing}
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check source hash: %w", err)
			}
		}

		sender, created, err := getOrCreateSender(ctx, tx, from, now)
		if err != nil {
			return err
		}
		email.SenderID = sender.ID
		result.SenderCreated = created

		if dup, err := db.findProbableDuplicate(ctx, tx, sender.ID, email.ContentHash, receivedAt); err != nil {
			return err
		} else if dup != "" {
			email.DuplicateOf = &dup
			result.ProbableDuplicate = true
		}

		if err := insertEmail(ctx, tx, email); err != nil {
			return err
		}
		if req.SourceHash != "" {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO ingested_sources (source_hash, email_id, created_at) VALUES (?, ?, ?)",
				req.SourceHash, email.ID, formatTime(now)); err != nil {
				return fmt.Errorf("failed to record source hash: %w", err)
			}
		}

		return onEmailIngested(ctx, tx, sender.ID, receivedAt, now)
	})
	if err != nil {
		return nil, err
	}

	db.logIngest(ctx, span, result, email)
	result.Email = email
	return result, nil
}

func (db *DB) logIngest(ctx context.Context, span trace.Span, result *IngestResult, email *Email) {
	for _, w := range result.Warnings {
		db.logger.WarnContext(ctx, "data quality warning during ingest",
			slog.String("email_id", email.ID),
			slog.String("field", w.Field),
			slog.String("reason", w.Reason),
		)
	}
	if result.ProbableDuplicate {
		span.SetAttributes(attribute.Bool("email.probable_duplicate", true))
		db.logger.InfoContext(ctx, "probable duplicate ingested",
			slog.String("email_id", email.ID),
			slog.String("duplicate_of", *email.DuplicateOf),
		)
	}
}

// resolveAttachments picks the attachment list for an ingest request, falling
// back to an empty list when the supplied metadata is unusable.
func resolveAttachments(req IngestRequest) (Attachments, *DataQualityWarning) {
	if len(req.AttachmentInfo) > 0 {
		list, err := ParseAttachmentInfo(req.AttachmentInfo)
		if err != nil {
			return nil, &DataQualityWarning{Field: "attachment_info", Reason: err.Error()}
		}
		return list, nil
	}
	if err := req.Attachments.Validate(); err != nil {
		return nil, &DataQualityWarning{Field: "attachment_info", Reason: err.Error()}
	}
	return req.Attachments, nil
}

func (db *DB) findProbableDuplicate(ctx context.Context, tx *sqlx.Tx, senderID, hash string, receivedAt time.Time) (string, error) {
	if db.duplicateWindow <= 0 {
		return "", nil
	}
	var id string
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM emails
		WHERE sender_id = ? AND content_hash = ? AND received_at >= ? AND received_at <= ?
		ORDER BY received_at ASC
		LIMIT 1
	`, senderID, hash, formatTime(receivedAt.Add(-db.duplicateWindow)), formatTime(receivedAt.Add(db.duplicateWindow)))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up duplicate content: %w", err)
	}
	return id, nil
}

func insertEmail(ctx context.Context, tx *sqlx.Tx, email *Email) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO emails (
			id, message_id, sender_id, from_email, to_email, subject, content,
			content_hash, duplicate_of, has_attachment, attachment_count, attachment_info,
			total_attachment_size, received_at, status, retry_count, response_status,
			created_at, updated_at
		) VALUES (
			:id, :message_id, :sender_id, :from_email, :to_email, :subject, :content,
			:content_hash, :duplicate_of, :has_attachment, :attachment_count, :attachment_info,
			:total_attachment_size, :received_at, :status, :retry_count, :response_status,
			:created_at, :updated_at
		)
	`, email)
	if isUniqueViolation(err) {
		existing := ""
		if email.MessageID != nil {
			_ = tx.GetContext(ctx, &existing, "SELECT id FROM emails WHERE message_id = ?", *email.MessageID)
			return &DuplicateError{MessageID: *email.MessageID, ExistingID: existing}
		}
		return fmt.Errorf("%w: email id %s already stored", ErrDuplicate, email.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	return nil
}

// GetEmailByID retrieves an email by its ID
func (db *DB) GetEmailByID(ctx context.Context, id string) (*Email, error) {
	email := &Email{}
	err := db.GetContext(ctx, email, "SELECT "+emailColumns+" FROM emails WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// GetEmailByMessageID retrieves an email by its Message-ID header
func (db *DB) GetEmailByMessageID(ctx context.Context, messageID string) (*Email, error) {
	email := &Email{}
	err := db.GetContext(ctx, email, "SELECT "+emailColumns+" FROM emails WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email with message id %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email by message id: %w", err)
	}
	return email, nil
}

// ListPending returns unprocessed emails, oldest receipt first.
func (db *DB) ListPending(ctx context.Context, limit int) ([]*Email, error) {
	if limit <= 0 {
		limit = -1
	}
	var emails []*Email
	err := db.SelectContext(ctx, &emails, `
		SELECT `+emailColumns+` FROM pending_emails
		ORDER BY received_at ASC, created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending emails: %w", err)
	}
	return emails, nil
}

// ListEmailsBySender returns a sender's emails, most recent first.
func (db *DB) ListEmailsBySender(ctx context.Context, senderID string, limit, offset int) ([]*Email, error) {
	var emails []*Email
	err := db.SelectContext(ctx, &emails, `
		SELECT `+emailColumns+` FROM emails
		WHERE sender_id = ?
		ORDER BY received_at DESC
		LIMIT ? OFFSET ?
	`, senderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, nil
}

// CountEmails returns the total number of emails
func (db *DB) CountEmails(ctx context.Context) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM emails"); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// Stats holds per-status email counts.
type Stats struct {
	TotalEmails     int `json:"total_emails"`
	Unprocessed     int `json:"unprocessed"`
	Processing      int `json:"processing"`
	Processed       int `json:"processed"`
	Failed          int `json:"failed"`
	RepliesSent     int `json:"replies_sent"`
	RepliesFailed   int `json:"replies_failed"`
	WithAttachments int `json:"with_attachments"`
	TotalSenders    int `json:"total_senders"`
}

// GetStats returns current database statistics
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'unprocessed'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'processed'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(response_status = 'sent'), 0),
			COALESCE(SUM(response_status = 'failed'), 0),
			COALESCE(SUM(has_attachment), 0),
			(SELECT COUNT(*) FROM senders)
		FROM emails
	`).Scan(
		&stats.TotalEmails, &stats.Unprocessed, &stats.Processing, &stats.Processed,
		&stats.Failed, &stats.RepliesSent, &stats.RepliesFailed, &stats.WithAttachments,
		&stats.TotalSenders,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
