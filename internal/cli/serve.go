package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felo/autoreply/internal/ai"
	"github.com/felo/autoreply/internal/handlers"
	"github.com/felo/autoreply/internal/indexer"
	"github.com/felo/autoreply/internal/mailer"
	"github.com/felo/autoreply/internal/queue"
	"github.com/felo/autoreply/internal/tracing"
	"github.com/felo/autoreply/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, spool ingester, processing worker and retention job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if cfg.TracingEnabled {
		shutdown, err := tracing.Setup(ctx, "autoreply")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := queue.New(ctx, cfg.QueueURL)
	if err != nil {
		return err
	}

	idx := indexer.NewIndexer(store, cfg.SpoolPath, publisher, logger).
		WithConcurrency(cfg.SpoolConcurrency).
		WithKeepFiles(cfg.KeepSpoolFiles)
	cleaner := worker.NewCleanupScheduler(store, cfg.Retention.Days, cfg.Retention.Interval, logger)

	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handlers.New(store, logger).WithPublisher(publisher).WithRetentionDays(cfg.Retention.Days).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.String("url", cfg.URL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := os.MkdirAll(cfg.SpoolPath, 0755); err != nil {
			return err
		}
		logger.Info("watching spool", slog.String("path", cfg.SpoolPath))
		return idx.Watch(gctx, cfg.SpoolInterval)
	})

	if cfg.AI.URL != "" {
		processor := worker.NewProcessor(store, newResponder(a), newReplySender(a), worker.Config{
			BatchSize:    cfg.Processing.BatchSize,
			Concurrency:  cfg.Processing.Concurrency,
			PollInterval: cfg.Processing.PollInterval,
			MaxRetries:   cfg.Processing.MaxRetries,
		}, logger)
		g.Go(func() error { return processor.Run(gctx) })
	} else {
		logger.Warn("ai.url not set, processing worker disabled")
	}

	g.Go(func() error { return cleaner.Run(gctx) })

	return g.Wait()
}

func newResponder(a *app) ai.Responder {
	return ai.NewClient(ai.Config{
		URL:          a.cfg.AI.URL,
		APIKey:       a.cfg.AI.APIKey,
		Timeout:      a.cfg.AI.Timeout,
		MaxTries:     a.cfg.AI.MaxTries,
		FallbackText: a.cfg.AI.FallbackText,
	}, nil, a.logger)
}

// newReplySender returns nil without any SMTP account; replies then stay
// pending. Extra accounts answer for the mailbox they are mapped to.
func newReplySender(a *app) mailer.ReplySender {
	smtp := a.cfg.SMTP
	var fallback mailer.ReplySender
	if smtp.Host != "" {
		fallback = mailer.New(mailer.Config{
			Host:     smtp.Host,
			Port:     smtp.Port,
			User:     smtp.User,
			Password: smtp.Password,
			From:     a.cfg.SenderAddress(),
			FromName: smtp.FromName,
		}, a.logger)
	}
	if len(smtp.Accounts) == 0 {
		if fallback == nil {
			a.logger.Warn("smtp.host not set, replies are stored but not sent")
			return nil
		}
		return fallback
	}

	router := mailer.NewRouter(fallback)
	for _, acct := range smtp.Accounts {
		router.Route(acct.MapTo, mailer.New(mailer.Config{
			Host:     acct.Host,
			Port:     acct.Port,
			User:     acct.User,
			Password: acct.Password,
			From:     acct.SenderAddress(),
			FromName: smtp.FromName,
		}, a.logger))
	}
	a.logger.Info("loaded smtp accounts", slog.Int("mapped", router.Len()), slog.Bool("default", fallback != nil))
	return router
}
