package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"autolauncher/internal/app"
)

func newRunCmd() *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler daemon in the foreground.

Under systemd (Type=notify) readiness and watchdog pings are reported
through sd_notify. SIGHUP reloads the task table from storage, which is
how changes made with 'autolauncher task' reach a running daemon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(cfgFile)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigs := make(chan os.Signal, 4)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			var ping <-chan time.Time
			if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
				t := time.NewTicker(every / 2)
				defer t.Stop()
				ping = t.C
			}

			reason := app.StopAppStop
		loop:
			for {
				select {
				case s := <-sigs:
					switch s {
					case syscall.SIGHUP:
						_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
						if err := a.Resync(ctx); err != nil {
							fmt.Fprintln(cmd.ErrOrStderr(), "resync:", err)
						}
						_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
					case syscall.SIGTERM:
						reason = app.StopSIGTERM
						break loop
					default:
						reason = app.StopSIGINT
						break loop
					}
				case <-ping:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				case <-a.Done():
					reason = app.StopFatalError
					break loop
				}
			}

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
