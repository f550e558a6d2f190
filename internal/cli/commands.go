package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/indexer"
	"github.com/felo/autoreply/internal/queue"
	"github.com/spf13/cobra"
)

func newIngestCommand(a *app) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Import one .eml file or every .eml file under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			publisher, err := queue.New(ctx, a.cfg.QueueURL)
			if err != nil {
				return err
			}

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}

			if !info.IsDir() {
				idx := indexer.NewIndexer(store, "", publisher, a.logger)
				result, err := idx.IngestFile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result.Email)
			}

			idx := indexer.NewIndexer(store, args[0], publisher, a.logger).
				WithConcurrency(a.cfg.SpoolConcurrency).
				WithKeepFiles(keep)
			result, err := idx.IndexAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", true, "leave imported files in place")
	return cmd
}

func newCleanupCommand(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove processed emails older than the retention period, then orphaned senders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("days") {
				days = a.cfg.Retention.Days
			}
			result, err := store.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			a.logger.Info("cleanup complete",
				slog.Int("emails_removed", result.EmailsRemoved),
				slog.Int("senders_removed", result.SendersRemoved))
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention period in days")
	return cmd
}

func newPendingCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List unprocessed emails, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			emails, err := store.ListPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range emails {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.ID, e.ReceivedAt.Time.Format("2006-01-02 15:04"), e.FromEmail, e.Subject)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of emails (0 for all)")
	return cmd
}

func newSendersCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "senders",
		Short: "Show sender statistics, busiest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.ListSenderStatistics(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if stats == nil {
				stats = []*db.SenderStatistics{}
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of senders (0 for all)")
	return cmd
}
