package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/felo/autoreply/internal/db"
)

// Cleaner runs the retention job.
type Cleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (*db.CleanupResult, error)
}

// CleanupScheduler runs Cleanup on a fixed interval.
type CleanupScheduler struct {
	store         Cleaner
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
}

func NewCleanupScheduler(store Cleaner, retentionDays int, interval time.Duration, logger *slog.Logger) *CleanupScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger,
	}
}

// Run cleans up once immediately and then every interval until ctx is done.
// Failures are logged; the next tick tries again.
func (s *CleanupScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.store.Cleanup(ctx, s.retentionDays); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "retention cleanup failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
