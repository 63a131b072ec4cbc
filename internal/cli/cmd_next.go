package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autolauncher/internal/app"
)

type nextRow struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Next    time.Time `json:"next,omitempty"`
	Wake    bool      `json:"wake"`
	Skipped string    `json:"skipped,omitempty"`
}

type nextOutput struct {
	Tasks    []nextRow  `json:"tasks"`
	WakeAt   *time.Time `json:"wake_at,omitempty"`
	WakeTask string     `json:"wake_task,omitempty"`
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show next run times and the wake plan",
		Long: `Show when each stored task fires next and when the machine would be
woken. Nothing is armed; this only previews the schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tasks, err := store.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			plan, err := app.Preview(cfg, tasks)
			if err != nil {
				return err
			}

			out := nextOutput{Tasks: make([]nextRow, 0, len(plan.Entries))}
			for _, e := range plan.Entries {
				out.Tasks = append(out.Tasks, nextRow{
					ID:      e.Task.ID,
					Name:    e.Task.DisplayName(),
					Next:    e.Next,
					Wake:    e.Task.WakeEnabled,
					Skipped: e.Skipped,
				})
			}
			if plan.HasWake {
				at := plan.WakeAt
				out.WakeAt = &at
				out.WakeTask = plan.WakeTask.DisplayName()
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tNEXT RUN\tWAKE")
			for _, r := range out.Tasks {
				next := r.Next.Format(time.DateTime)
				if r.Skipped != "" {
					next = "- (" + r.Skipped + ")"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", r.ID, r.Name, next, r.Wake)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if out.WakeAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nWake planned at %s for %q\n", out.WakeAt.Format(time.DateTime), out.WakeTask)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "\nNo wake planned")
			}
			return nil
		},
	}
}
