package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"easy-content-upgrade/internal/config"
	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/version"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files <path>",
	Short: "List the executable scripts under a repository path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, historyUnused, func(ctx context.Context, a *app) error {
			files, err := a.service.GetFiles(ctx, args[0])
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <path>",
	Short: "Execute the scripts under a repository path and record them in history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, historyWritten, func(ctx context.Context, a *app) error {
			entry, runErr := a.service.RunPath(ctx, args[0])
			if entry != nil {
				if err := printJSON(cmd, entry); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if entry.Result != domain.HistoryResultSuccess {
				return fmt.Errorf("history entry %s finished with result %s", entry.ID, entry.Result)
			}
			return nil
		})
	},
}

var (
	historyStart int
	historyCount int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the execution history, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, historyRead, func(ctx context.Context, a *app) error {
			entries, err := a.service.GetHistory(ctx, historyStart, historyCount)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the AECU version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Version)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyStart, "start", 0, "index of the first entry")
	historyCmd.Flags().IntVar(&historyCount, "count", 20, "number of entries")
}

// historyUse says how a one-shot command depends on the history store.
type historyUse int

const (
	historyUnused historyUse = iota
	historyWritten
	historyRead
)

var errMemoryHistory = errors.New("history_store memory keeps no history between processes; configure etcd or mongo")

// checkHistoryStore guards one-shot commands against the memory store, which
// lives only as long as the command.
func checkHistoryStore(cfg *config.Config, use historyUse, logger *slog.Logger) error {
	if cfg.HistoryStore != "memory" {
		return nil
	}
	switch use {
	case historyRead:
		return errMemoryHistory
	case historyWritten:
		logger.Warn("history_store is memory; the history entry is lost when the command exits")
	}
	return nil
}

// withApp builds the application for a one-shot command. Logs go to stderr so
// stdout only carries the command output.
func withApp(cmd *cobra.Command, use historyUse, fn func(ctx context.Context, a *app) error) error {
	logger := newLogger(os.Stderr)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkHistoryStore(cfg, use, logger); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}
