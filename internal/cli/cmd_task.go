package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autolauncher/internal/app"
	"autolauncher/internal/config"
	"autolauncher/internal/storage"
	"autolauncher/internal/task"
)

const reloadHint = "Send SIGHUP to a running daemon (systemctl reload autolauncher) to apply."

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage stored tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskRemoveCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tasks, err := store.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRECURRENCE\tSCHEDULE\tENABLED\tWAKE\tMODE\tTARGET")
			for _, t := range tasks {
				mode := string(t.Mode)
				if mode == "" {
					mode = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%v\t%s\t%s\n",
					t.ID, t.DisplayName(), t.Recurrence, describeSchedule(t), t.Enabled, t.WakeEnabled, mode, t.Target)
			}
			return w.Flush()
		},
	}
}

// describeSchedule renders only the parts of ScheduleTime the recurrence
// uses.
func describeSchedule(t task.Task) string {
	at := t.ScheduleTime
	switch t.Recurrence {
	case task.Daily:
		return at.Format("15:04:05")
	case task.Weekly:
		return at.Weekday().String()[:3] + " " + at.Format("15:04:05")
	case task.Monthly:
		return "day " + strconv.Itoa(at.Day()) + " " + at.Format("15:04:05")
	}
	return at.Format(time.DateTime)
}

func newTaskAddCmd() *cobra.Command {
	var (
		tc       config.TaskConfig
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a task",
		Long: `Add a task, or replace the task with the same --id.

--schedule is HH:MM[:SS] for recurring tasks and "YYYY-MM-DD HH:MM" (or
RFC3339) for once tasks. Omitting --id picks the next free id.`,
		Example: `  autolauncher task add --name Game --target /usr/bin/game --schedule 07:00 --recurrence daily --wake
  autolauncher task add --target ~/bin/backup.sh --schedule "2026-06-01 03:00" --recurrence once --mode run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if tc.ID == 0 {
				id, err := nextTaskID(cmd.Context(), store)
				if err != nil {
					return err
				}
				tc.ID = id
			}
			enabled := !disabled
			tc.Enabled = &enabled
			t, err := app.TaskFromConfig(tc, app.Location(cfg), time.Now())
			if err != nil {
				return err
			}
			if prev, err := store.GetTask(cmd.Context(), t.ID); err == nil {
				t.PostponedUntil = prev.PostponedUntil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err := store.UpsertTask(cmd.Context(), t); err != nil {
				return fmt.Errorf("save task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved task %d (%s)\n%s\n", t.ID, t.DisplayName(), reloadHint)
			return nil
		},
	}

	f := cmd.Flags()
	f.Int64Var(&tc.ID, "id", 0, "task id (default: next free id)")
	f.StringVar(&tc.Name, "name", "", "display name")
	f.StringVar(&tc.Target, "target", "", "program, script, shortcut or URL to launch")
	f.StringSliceVar(&tc.Args, "arg", nil, "argument passed to the target (repeatable)")
	f.StringVar(&tc.WorkDir, "workdir", "", "working directory")
	f.StringVar(&tc.Schedule, "schedule", "", "time of day or instant")
	f.StringVar(&tc.Recurrence, "recurrence", "daily", "once, daily, weekly or monthly")
	f.StringVar(&tc.Weekday, "weekday", "", "weekday for weekly tasks")
	f.IntVar(&tc.DayOfMonth, "day", 0, "day of month for monthly tasks")
	f.BoolVar(&tc.WakeEnabled, "wake", false, "wake the machine before the run")
	f.IntVar(&tc.PreWakeMinutes, "pre-wake", 5, "minutes to wake before the run")
	f.BoolVar(&tc.SleepAfter, "sleep-after", false, "sleep again after the program exits")
	f.BoolVar(&tc.VisualFallback, "visual", false, "enable the visual template fallback")
	f.StringVar(&tc.Mode, "mode", "", "run, auto or ask (default: global mode)")
	f.BoolVar(&disabled, "disabled", false, "store the task disabled")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func nextTaskID(ctx context.Context, store storage.Store) (int64, error) {
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	var max int64
	for _, t := range tasks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max + 1, nil
}

func newTaskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete tasks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid task id %q", a)
				}
				ids = append(ids, id)
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var missing []string
			for _, id := range ids {
				ok, err := store.DeleteTask(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("delete task %d: %w", id, err)
				}
				if !ok {
					missing = append(missing, strconv.FormatInt(id, 10))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %d\n", id)
			}
			if len(missing) > 0 {
				return fmt.Errorf("no such task: %s", strings.Join(missing, ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), reloadHint)
			return nil
		},
	}
}
