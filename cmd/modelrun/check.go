package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbukum/modelrun/observability"
)

func newCheckCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to every configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.newApp()
			if err != nil {
				return err
			}
			svc := &services{}
			a.OnStart(func(ctx context.Context) error { return svc.openAll(ctx, a) })
			return a.RunTask(cmd.Context(), func(ctx context.Context) error {
				health := a.Health(ctx)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(health); err != nil {
					return err
				}
				if health.Status != observability.HealthStatusUp {
					return fmt.Errorf("check: service is %s", health.Status)
				}
				return nil
			})
		},
	}
	return cmd
}
