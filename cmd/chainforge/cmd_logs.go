package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/chainforge/internal/contextstore"
	"github.com/kingrea/chainforge/internal/logging"
)

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		lines   int
		chainID string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the project log or a chain's history",
		Long: `Without --chain, prints the tail of .chainforge/logs/chainforge.log.
With --chain, prints the chain's history log from the context store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Close()
			out := cmd.OutOrStdout()
			if chainID == "" {
				tail, total := logging.Tail(filepath.Join(cfg.LogsDir(), logging.FileName), lines)
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("showing %d of %d lines", len(tail), total)))
				for _, line := range tail {
					fmt.Fprintln(out, line)
				}
				return nil
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.History(cmd.Context(), chainID)
			if err != nil {
				return err
			}
			printHistory(out, entries, lines)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().StringVar(&chainID, "chain", "", "show the history of this chain")
	return cmd
}

func printHistory(w io.Writer, entries []contextstore.HistoryEntry, limit int) {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for _, e := range entries {
		task := ""
		if e.TaskID != "" {
			task = " " + e.TaskID
		}
		fmt.Fprintf(w, "%s %4d %-18s%s %s\n",
			dimStyle.Render(e.Timestamp.Format("15:04:05")), e.Seq, e.Kind, task, e.Message)
	}
}
