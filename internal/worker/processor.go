package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felo/autoreply/internal/ai"
	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/mailer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/felo/autoreply/internal/worker")

// Store is the part of the record store the processor drives.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]*db.Email, error)
	GetEmailByID(ctx context.Context, id string) (*db.Email, error)
	BeginProcessing(ctx context.Context, id string) error
	CompleteProcessing(ctx context.Context, id string, result db.AIResult) error
	FailProcessing(ctx context.Context, id, errorText string) error
	RecordReply(ctx context.Context, id string, sentAt time.Time) error
	MarkReplyFailed(ctx context.Context, id string) error
	RequeueFailed(ctx context.Context, maxRetries int) (int, error)
}

// Config tunes the processing loop.
type Config struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
}

// Summary counts the outcome of one pass.
type Summary struct {
	Requeued    int
	Processed   int
	Replied     int
	Failed      int
	ReplyFailed int
	Skipped     int
}

// Processor moves pending emails through the AI service and reply dispatch.
type Processor struct {
	store     Store
	responder ai.Responder
	sender    mailer.ReplySender
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a Processor. A nil sender stores AI replies without
// mailing them; their reply status stays pending.
func NewProcessor(store Store, responder ai.Responder, sender mailer.ReplySender, cfg Config, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		responder: responder,
		sender:    sender,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type outcome int

const (
	outcomeReplied outcome = iota
	outcomeProcessed
	outcomeFailed
	outcomeReplyFailed
	outcomeSkipped
)

// ProcessEmail runs one email through begin, AI, complete and reply. An AI
// failure moves the email to failed; a dispatch failure marks the reply
// failed and leaves the email processed.
func (p *Processor) ProcessEmail(ctx context.Context, id string) error {
	_, err := p.process(ctx, id)
	return err
}

func (p *Processor) process(ctx context.Context, id string) (outcome, error) {
	ctx, span := tracer.Start(ctx, "worker.ProcessEmail")
	defer span.End()
	span.SetAttributes(attribute.String("email.id", id))

	if err := p.store.BeginProcessing(ctx, id); err != nil {
		if errors.Is(err, db.ErrInvalidState) {
			p.logger.DebugContext(ctx, "email already taken", slog.String("email_id", id))
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	email, err := p.store.GetEmailByID(ctx, id)
	if err != nil {
		return outcomeFailed, p.fail(ctx, id, err)
	}

	resp, err := p.responder.Reply(ctx, email)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return outcomeFailed, p.fail(ctx, id, err)
	}

	if err := p.store.CompleteProcessing(ctx, id, resp.Result()); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return outcomeFailed, p.fail(ctx, id, fmt.Errorf("failed to complete email %s: %w", id, err))
	}

	if p.sender == nil {
		return outcomeProcessed, nil
	}

	if err := p.sender.SendReply(ctx, email, resp.ResponseText); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "reply dispatch failed",
			slog.String("email_id", id), slog.String("error", err.Error()))
		if markErr := p.store.MarkReplyFailed(ctx, id); markErr != nil {
			return outcomeReplyFailed, errors.Join(err, markErr)
		}
		return outcomeReplyFailed, err
	}

	if err := p.store.RecordReply(ctx, id, p.now()); err != nil {
		return outcomeReplyFailed, fmt.Errorf("failed to record reply for %s: %w", id, err)
	}
	return outcomeReplied, nil
}

// fail records cause on the email so it leaves processing. The write outlives
// a cancelled pass; otherwise the email would stay in processing for good.
func (p *Processor) fail(ctx context.Context, id string, cause error) error {
	p.logger.WarnContext(ctx, "processing failed",
		slog.String("email_id", id), slog.String("error", cause.Error()))
	if err := p.store.FailProcessing(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// RunOnce requeues retryable failures, then processes one batch of pending
// emails. Per-email errors are counted and logged, not returned.
func (p *Processor) RunOnce(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	if p.cfg.MaxRetries > 0 {
		n, err := p.store.RequeueFailed(ctx, p.cfg.MaxRetries)
		if err != nil {
			return nil, err
		}
		summary.Requeued = n
	}

	pending, err := p.store.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return summary, nil
	}

	outcomes := make([]outcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, email := range pending {
		g.Go(func() error {
			o, err := p.process(gctx, email.ID)
			if err != nil {
				p.logger.ErrorContext(gctx, "email not replied",
					slog.String("email_id", email.ID), slog.String("error", err.Error()))
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeReplied:
			summary.Processed++
			summary.Replied++
		case outcomeProcessed:
			summary.Processed++
		case outcomeReplyFailed:
			summary.Processed++
			summary.ReplyFailed++
		case outcomeFailed:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	p.logger.InfoContext(ctx, "processing pass complete",
		slog.Int("requeued", summary.Requeued),
		slog.Int("processed", summary.Processed),
		slog.Int("replied", summary.Replied),
		slog.Int("failed", summary.Failed),
		slog.Int("reply_failed", summary.ReplyFailed),
	)
	return summary, ctx.Err()
}

// Run polls for pending emails until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "processing pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
