package main

import (
	"context"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"telegram-syncd/internal/app"
	"telegram-syncd/internal/domain/scheduler"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/pidfile"
	"telegram-syncd/internal/infra/sqlite"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Управление демоном синхронизации",
	}
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonStopCmd())
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Запустить демон (в foreground)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.NewDaemon(nil).Run(cmd.Context())
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Показать состояние демона",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, alive := pidfile.Read(config.PIDFilePath())

			out := map[string]any{
				"running": alive,
				"pid":     pid,
			}

			// Heartbeat-строки доступны и без живого демона.
			cacheDB, err := sqlite.OpenCache(config.CacheDBPath())
			if err == nil {
				defer cacheDB.Close()
				status := app.NewStatusService(cacheDB, nil)
				if snapshot, snapErr := status.Snapshot(cmd.Context()); snapErr == nil && len(snapshot) > 0 {
					out["status"] = snapshot
				}
				sched := scheduler.New(cacheDB, nil, nil)
				if qs, qsErr := sched.GetStatus(cmd.Context()); qsErr == nil {
					out["pending_jobs"] = qs.PendingJobs
					out["running_jobs"] = qs.RunningJobs
				}
			}
			return printJSON(cmd, out)
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Остановить демон сигналом SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, alive := pidfile.Read(config.PIDFilePath())
			if !alive {
				return errs.New(errs.DaemonNotRunning, "daemon is not running")
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return errs.Wrap(errs.PIDIOError, err, "signal pid %d", pid)
			}

			// Дожидаемся фактической смерти процесса, чтобы stop был синхронным.
			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if !pidfile.ProcessAlive(pid) {
					return printJSON(cmd, map[string]any{"stopped": true, "pid": pid})
				}
				select {
				case <-cmd.Context().Done():
					return context.Cause(cmd.Context())
				case <-time.After(200 * time.Millisecond):
				}
			}
			return printJSON(cmd, map[string]any{"stopped": false, "pid": pid, "note": "SIGTERM sent, still shutting down"})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 35*time.Second, "сколько ждать завершения процесса")
	return cmd
}
