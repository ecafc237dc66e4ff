package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbukum/modelrun/catalog"
	"github.com/kbukum/modelrun/logger"
)

func newSeedCmd(root *rootFlags) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a model catalog into the record store",
		Long: `Seed reads a YAML catalog of source tables and models, validates it and
writes the models and their dependency paths. Seeding the same catalog
again leaves the store unchanged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.newApp()
			if err != nil {
				return err
			}
			if path == "" {
				path = a.Cfg.Catalog
			}
			if path == "" {
				return fmt.Errorf("seed: --catalog is required")
			}
			cat, err := catalog.Load(path)
			if err != nil {
				return err
			}

			svc := &services{}
			a.OnStart(func(ctx context.Context) error { return svc.openRecords(ctx, a) })
			return a.RunTask(cmd.Context(), func(ctx context.Context) error {
				if err := cat.Seed(ctx, svc.records); err != nil {
					return err
				}
				a.Logger.Info("catalog seeded", logger.Fields(
					logger.FieldTeamID, cat.TeamID,
					"models", len(cat.Models),
					"paths", len(cat.Paths()),
				))
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d models and %d paths for team %d\n",
					len(cat.Models), len(cat.Paths()), cat.TeamID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "catalog", "", "catalog file (default: config catalog)")
	return cmd
}
