package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autolauncher/internal/execlog"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		taskID int64
		typ    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent execution log entries",
		Example: `  autolauncher history --limit 20
  autolauncher history --task 3 --type FAILED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			// Filters apply after the fetch; read a wider window so the
			// limit still counts matching rows.
			fetch := limit
			if taskID != 0 || typ != "" {
				fetch = limit * 10
			}
			entries, err := store.RecentExecutions(cmd.Context(), fetch)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			entries = filterEntries(entries, taskID, execlog.EventType(strings.ToUpper(typ)), limit)

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTASK\tEVENT\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Time.Local().Format(time.DateTime), e.TaskName, e.Type, e.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	cmd.Flags().Int64Var(&taskID, "task", 0, "only entries for this task id")
	cmd.Flags().StringVar(&typ, "type", "", "only entries of this event type (e.g. FAILED)")
	return cmd
}

func filterEntries(in []execlog.Entry, taskID int64, typ execlog.EventType, limit int) []execlog.Entry {
	out := make([]execlog.Entry, 0, len(in))
	for _, e := range in {
		if taskID != 0 && e.TaskID != taskID {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}
