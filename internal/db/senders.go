package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Sender aggregates statistics for one originating address.
type Sender struct {
	ID                 string   `db:"id" json:"id"`
	EmailAddress       string   `db:"email_address" json:"email_address"`
	TotalEmailsSent    int      `db:"total_emails_sent" json:"total_emails_sent"`
	TotalEmailsReplied int      `db:"total_emails_replied" json:"total_emails_replied"`
	LastEmailAt        NullTime `db:"last_email_at" json:"last_email_at"`
	LastReplyAt        NullTime `db:"last_reply_at" json:"last_reply_at"`
	Notes              string   `db:"notes" json:"notes"`
	CreatedAt          NullTime `db:"created_at" json:"created_at"`
	UpdatedAt          NullTime `db:"updated_at" json:"updated_at"`
}

const senderColumns = `id, email_address, total_emails_sent, total_emails_replied,
	last_email_at, last_reply_at, notes, created_at, updated_at`

// SenderStatistics is one row of the sender_statistics view.
type SenderStatistics struct {
	SenderID           string   `db:"sender_id" json:"sender_id"`
	EmailAddress       string   `db:"email_address" json:"email_address"`
	TotalEmailsSent    int      `db:"total_emails_sent" json:"total_emails_sent"`
	TotalEmailsReplied int      `db:"total_emails_replied" json:"total_emails_replied"`
	LastEmailAt        NullTime `db:"last_email_at" json:"last_email_at"`
	LastReplyAt        NullTime `db:"last_reply_at" json:"last_reply_at"`
	StoredEmails       int      `db:"stored_emails" json:"stored_emails"`
	PendingEmails      int      `db:"pending_emails" json:"pending_emails"`
	ProcessedEmails    int      `db:"processed_emails" json:"processed_emails"`
	FailedEmails       int      `db:"failed_emails" json:"failed_emails"`
	RepliedEmails      int      `db:"replied_emails" json:"replied_emails"`
}

// GetOrCreateSender returns the sender for address, creating it with zero
// counters when it does not exist yet.
func (db *DB) GetOrCreateSender(ctx context.Context, address string) (*Sender, error) {
	address = NormalizeAddress(address)
	if address == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidInput)
	}

	var sender *Sender
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		sender, _, err = getOrCreateSender(ctx, tx, address, db.timestamp())
		return err
	})
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func getOrCreateSender(ctx context.Context, tx *sqlx.Tx, address string, now time.Time) (*Sender, bool, error) {
	sender := &Sender{}
	err := tx.GetContext(ctx, sender, "SELECT "+senderColumns+" FROM senders WHERE email_address = ?", address)
	if err == nil {
		return sender, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up sender: %w", err)
	}

	sender = &Sender{
		ID:           uuid.NewString(),
		EmailAddress: address,
		CreatedAt:    NewNullTime(now),
		UpdatedAt:    NewNullTime(now),
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO senders (id, email_address, total_emails_sent, total_emails_replied, notes, created_at, updated_at)
		VALUES (:id, :email_address, 0, 0, :notes, :created_at, :updated_at)
	`, sender)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create sender: %w", err)
	}
	return sender, true, nil
}

// GetSenderByID retrieves a sender by its ID
func (db *DB) GetSenderByID(ctx context.Context, id string) (*Sender, error) {
	sender := &Sender{}
	err := db.GetContext(ctx, sender, "SELECT "+senderColumns+" FROM senders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sender %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}
	return sender, nil
}

// GetSenderByAddress retrieves a sender by email address
func (db *DB) GetSenderByAddress(ctx context.Context, address string) (*Sender, error) {
	address = NormalizeAddress(address)
	sender := &Sender{}
	err := db.GetContext(ctx, sender, "SELECT "+senderColumns+" FROM senders WHERE email_address = ?", address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sender %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}
	return sender, nil
}

// SetSenderNotes updates the free-form notes. Statistics are not touched.
func (db *DB) SetSenderNotes(ctx context.Context, id, notes string) error {
	res, err := db.ExecContext(ctx, "UPDATE senders SET notes = ?, updated_at = ? WHERE id = ?",
		notes, formatTime(db.timestamp()), id)
	if err != nil {
		return fmt.Errorf("failed to update sender notes: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("sender %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSenderStatistics returns the sender_statistics view, busiest senders first.
func (db *DB) ListSenderStatistics(ctx context.Context, limit int) ([]*SenderStatistics, error) {
	if limit <= 0 {
		limit = -1
	}
	var stats []*SenderStatistics
	err := db.SelectContext(ctx, &stats, `
		SELECT sender_id, email_address, total_emails_sent, total_emails_replied,
		       last_email_at, last_reply_at, stored_emails, pending_emails,
		       processed_emails, failed_emails, replied_emails
		FROM sender_statistics
		ORDER BY total_emails_sent DESC, email_address ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sender statistics: %w", err)
	}
	return stats, nil
}

// DeleteSender removes a sender that no longer owns any email.
func (db *DB) DeleteSender(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var refs int
		if err := tx.GetContext(ctx, &refs, "SELECT COUNT(*) FROM emails WHERE sender_id = ?", id); err != nil {
			return fmt.Errorf("failed to count sender emails: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("sender %s has %d emails: %w", id, refs, ErrReferentialIntegrity)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM senders WHERE id = ?", id)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("sender %s: %w", id, ErrReferentialIntegrity)
		}
		if err != nil {
			return fmt.Errorf("failed to delete sender: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("sender %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
