package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sender statistics are only ever changed here, and only from inside the
// transaction of the email mutation that causes them: ingest and the
// transition of a reply to sent. Processing transitions never call these.

func onEmailIngested(ctx context.Context, tx *sqlx.Tx, senderID string, receivedAt, now time.Time) error {
	received := formatTime(receivedAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE senders SET
			total_emails_sent = total_emails_sent + 1,
			last_email_at = CASE
				WHEN last_email_at IS NULL OR last_email_at < ? THEN ?
				ELSE last_email_at
			END,
			updated_at = ?
		WHERE id = ?
	`, received, received, formatTime(now), senderID)
	return checkSenderUpdate(res, err, senderID, "ingest")
}

func onEmailReplied(ctx context.Context, tx *sqlx.Tx, senderID string, sentAt, now time.Time) error {
	sent := formatTime(sentAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE senders SET
			total_emails_replied = total_emails_replied + 1,
			last_reply_at = CASE
				WHEN last_reply_at IS NULL OR last_reply_at < ? THEN ?
				ELSE last_reply_at
			END,
			updated_at = ?
		WHERE id = ?
	`, sent, sent, formatTime(now), senderID)
	return checkSenderUpdate(res, err, senderID, "reply")
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func checkSenderUpdate(res rowsAffecter, err error, senderID, event string) error {
	if err != nil {
		return fmt.Errorf("failed to update sender statistics on %s: %w", event, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("sender %s for %s statistics: %w", senderID, event, ErrNotFound)
	}
	return nil
}
