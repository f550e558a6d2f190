package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AIResult is the output of the external text-generation service.
type AIResult struct {
	UserText         string
	RagDocs          []string
	ResponseText     string
	Prompt           string
	CompletionID     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	ProcessingTimeMS int64
}

// Each transition is one conditional UPDATE guarded on the current status.
// When it matches no row, the email is re-read inside the same transaction to
// tell a missing email from a rejected transition. With SQLite serializing
// writers, two callers racing on the same email see exactly one success.

// BeginProcessing moves an unprocessed or failed email to processing.
func (db *DB) BeginProcessing(ctx context.Context, id string) error {
	now := formatTime(db.timestamp())
	return db.transition(ctx, "begin processing", id, func(tx *sqlx.Tx) (string, error) {
		var senderID string
		err := tx.GetContext(ctx, &senderID, `
			UPDATE emails SET status = 'processing', updated_at = ?
			WHERE id = ? AND status IN ('unprocessed', 'failed')
			RETURNING sender_id
		`, now, id)
		return senderID, err
	})
}

// CompleteProcessing stores the AI output and moves processing -> processed.
func (db *DB) CompleteProcessing(ctx context.Context, id string, result AIResult) error {
	now := formatTime(db.timestamp())
	return db.transition(ctx, "complete processing", id, func(tx *sqlx.Tx) (string, error) {
		var senderID string
		err := tx.GetContext(ctx, &senderID, `
			UPDATE emails SET
				status = 'processed',
				ai_user_text = ?,
				ai_rag_docs = ?,
				ai_response_text = ?,
				ai_prompt = ?,
				ai_completion_id = ?,
				ai_prompt_tokens = ?,
				ai_completion_tokens = ?,
				ai_total_tokens = ?,
				ai_processing_time_ms = ?,
				ai_model = ?,
				ai_processed_at = ?,
				last_error = NULL,
				updated_at = ?
			WHERE id = ? AND status = 'processing'
			RETURNING sender_id
		`,
			result.UserText, Documents(result.RagDocs), result.ResponseText, result.Prompt,
			result.CompletionID, result.PromptTokens, result.CompletionTokens, result.TotalTokens,
			result.ProcessingTimeMS, result.Model, now, now, id,
		)
		return senderID, err
	})
}

// FailProcessing moves processing -> failed, counting the attempt and keeping
// the error text for the retrying worker. Sender statistics are unchanged.
func (db *DB) FailProcessing(ctx context.Context, id, errorText string) error {
	now := formatTime(db.timestamp())
	return db.transition(ctx, "fail processing", id, func(tx *sqlx.Tx) (string, error) {
		var senderID string
		err := tx.GetContext(ctx, &senderID, `
			UPDATE emails SET
				status = 'failed',
				retry_count = retry_count + 1,
				last_error = ?,
				updated_at = ?
			WHERE id = ? AND status = 'processing'
			RETURNING sender_id
		`, errorText, now, id)
		return senderID, err
	})
}

// RecordReply marks the reply of a processed email as sent and counts it
// against the sender. A reply is only ever counted once.
func (db *DB) RecordReply(ctx context.Context, id string, sentAt time.Time) error {
	nowTime := db.timestamp()
	if sentAt.IsZero() {
		sentAt = nowTime
	}
	sentAt = sentAt.UTC()
	now := formatTime(nowTime)

	return db.transition(ctx, "record reply", id, func(tx *sqlx.Tx) (string, error) {
		var senderID string
		err := tx.GetContext(ctx, &senderID, `
			UPDATE emails SET
				response_status = 'sent',
				response_sent_at = ?,
				updated_at = ?
			WHERE id = ? AND status = 'processed' AND response_status != 'sent'
			RETURNING sender_id
		`, formatTime(sentAt), now, id)
		if err != nil {
			return "", err
		}
		return senderID, onEmailReplied(ctx, tx, senderID, sentAt, nowTime)
	})
}

// MarkReplyFailed records that dispatching the reply of a processed email failed.
func (db *DB) MarkReplyFailed(ctx context.Context, id string) error {
	now := formatTime(db.timestamp())
	return db.transition(ctx, "mark reply failed", id, func(tx *sqlx.Tx) (string, error) {
		var senderID string
		err := tx.GetContext(ctx, &senderID, `
			UPDATE emails SET response_status = 'failed', updated_at = ?
			WHERE id = ? AND status = 'processed' AND response_status != 'sent'
			RETURNING sender_id
		`, now, id)
		return senderID, err
	})
}

// RequeueFailed moves failed emails with fewer than maxRetries attempts back
// to unprocessed. Emails at the limit stay failed. It returns the number requeued.
func (db *DB) RequeueFailed(ctx context.Context, maxRetries int) (int, error) {
	ctx, span := tracer.Start(ctx, "db.RequeueFailed")
	defer span.End()

	res, err := db.ExecContext(ctx, `
		UPDATE emails SET status = 'unprocessed', updated_at = ?
		WHERE status = 'failed' AND retry_count < ?
	`, formatTime(db.timestamp()), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed emails: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		db.logger.InfoContext(ctx, "requeued failed emails", slog.Int64("count", n), slog.Int("max_retries", maxRetries))
	}
	return int(n), nil
}

func (db *DB) transition(ctx context.Context, op, id string, apply func(tx *sqlx.Tx) (string, error)) error {
	ctx, span := tracer.Start(ctx, "db.transition")
	defer span.End()
	span.SetAttributes(attribute.String("email.id", id), attribute.String("transition", op))

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := apply(tx)
		if errors.Is(err, sql.ErrNoRows) {
			return rejectTransition(ctx, tx, op, id)
		}
		if err != nil {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func rejectTransition(ctx context.Context, tx *sqlx.Tx, op, id string) error {
	var current struct {
		Status      Status      `db:"status"`
		ReplyStatus ReplyStatus `db:"response_status"`
	}
	err := tx.GetContext(ctx, &current, "SELECT status, response_status FROM emails WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read email state: %w", err)
	}
	return &StateError{ID: id, Op: op, Status: current.Status, ReplyStatus: current.ReplyStatus}
}
