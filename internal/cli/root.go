// Package cli implements the autolauncher command-line interface.
package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"autolauncher/internal/app"
	"autolauncher/internal/config"
	"autolauncher/internal/storage"
	logx "autolauncher/pkg/logx"
)

var (
	cfgFile string
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "autolauncher",
	Short: "Scheduled program launcher with wake timers and update-dialog handling",
	Long: `autolauncher starts programs on a schedule, wakes the machine ahead of
wake-enabled tasks and watches freshly launched programs for stuck
update screens and confirmation dialogs.

Quick start:
  autolauncher task add --name Game --target /usr/bin/game --schedule 07:00 --recurrence daily
  autolauncher next          Show next runs and the wake plan
  autolauncher run           Run the daemon`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.yaml", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newNextCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newTaskCmd())
}

// openStore opens the configured store for the offline subcommands.
func openStore() (*config.Config, storage.Store, error) {
	return app.OpenStore(cfgFile, logx.Nop())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
