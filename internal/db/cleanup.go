package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
)

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	EmailsRemoved  int       `json:"emails_removed"`
	SendersRemoved int       `json:"senders_removed"`
	Cutoff         time.Time `json:"cutoff"`
}

// Cleanup deletes processed emails created before now - retentionDays, then
// the senders left without any email. Both deletions run in one transaction,
// emails first, so the status/age predicate and the orphan check see the same
// snapshot. Running it again with the same cutoff removes nothing.
func (db *DB) Cleanup(ctx context.Context, retentionDays int) (*CleanupResult, error) {
	ctx, span := tracer.Start(ctx, "db.Cleanup")
	defer span.End()

	if retentionDays < 0 {
		return nil, fmt.Errorf("%w: retention days must not be negative, got %d", ErrInvalidInput, retentionDays)
	}

	result := &CleanupResult{Cutoff: db.timestamp().AddDate(0, 0, -retentionDays)}
	cutoff := formatTime(result.Cutoff)

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM emails
			WHERE status = 'processed' AND created_at < ?
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete expired emails: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.EmailsRemoved = int(n)

		res, err = tx.ExecContext(ctx, `
			DELETE FROM senders
			WHERE NOT EXISTS (SELECT 1 FROM emails WHERE emails.sender_id = senders.id)
		`)
		if err != nil {
			return fmt.Errorf("failed to prune orphan senders: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.SendersRemoved = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("cleanup.emails_removed", result.EmailsRemoved),
		attribute.Int("cleanup.senders_removed", result.SendersRemoved),
	)
	db.logger.InfoContext(ctx, "retention cleanup finished",
		slog.Int("retention_days", retentionDays),
		slog.Time("cutoff", result.Cutoff),
		slog.Int("emails_removed", result.EmailsRemoved),
		slog.Int("senders_removed", result.SendersRemoved),
	)
	return result, nil
}
