package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbukum/modelrun/scheduler"
)

func newScheduleCmd(root *rootFlags) *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run models on the configured cron schedules",
		Long: `Schedule registers every entry of the schedules config section and runs
until interrupted. Runs of the same team never overlap; the lock is held in
Redis when lock.enabled is set, so several schedulers can share the work.

With --trigger the named schedule runs once and the command exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.newApp()
			if err != nil {
				return err
			}
			if len(a.Cfg.Schedules) == 0 {
				return fmt.Errorf("schedule: no schedules configured")
			}

			svc := &services{}
			var sched *scheduler.Scheduler
			a.OnStart(func(ctx context.Context) error {
				if err := svc.openAll(ctx, a); err != nil {
					return err
				}
				sched = scheduler.New(svc.workflow, svc.locker, a.Logger)
				for _, s := range a.Cfg.Schedules {
					if err := sched.Add(s); err != nil {
						return err
					}
					a.Summary.TrackSchedule(s.Name, s.Cron)
				}
				a.OnStop(func(ctx context.Context) error { return sched.Stop(ctx) })
				return nil
			})

			if trigger != "" {
				return a.RunTask(cmd.Context(), func(ctx context.Context) error {
					return sched.Trigger(ctx, trigger)
				})
			}
			a.OnStart(func(context.Context) error {
				sched.Start()
				return nil
			})
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "run the named schedule once and exit")
	return cmd
}
