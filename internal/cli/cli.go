package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/felo/autoreply/internal/config"
	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/logging"
	"github.com/spf13/cobra"
)

// app carries what every sub-command needs once the root has loaded config.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRootCommand builds the autoreply command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "autoreply",
		Short: "Email ingestion and auto-reply record store",
		Long: `autoreply stores fetched emails, drives them through AI processing and
reply dispatch, and keeps per-sender statistics.

Examples:
  autoreply serve                 # HTTP API, spool ingester, worker and retention job
  autoreply ingest ./spool        # import .eml files once
  autoreply pending               # list emails waiting for processing
  autoreply senders               # sender statistics, busiest first
  autoreply cleanup --days 30     # remove processed emails older than 30 days`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default autoreply.yaml in . or ~/.autoreply)")

	root.AddCommand(
		newServeCommand(a),
		newIngestCommand(a),
		newCleanupCommand(a),
		newPendingCommand(a),
		newSendersCommand(a),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) openStore() (*db.DB, error) {
	store, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store.SetLogger(a.logger)
	store.SetDuplicateWindow(a.cfg.DuplicateWindow)
	a.logger.Debug("database opened", slog.String("path", a.cfg.DBPath))
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
