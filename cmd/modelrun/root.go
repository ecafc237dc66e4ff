package main

import (
	"github.com/spf13/cobra"

	"github.com/kbukum/modelrun/bootstrap"
)

type rootFlags struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "modelrun",
		Short: "Materialize saved models in dependency order",
		Long: `modelrun builds the dependency graph of a team's saved models, runs each
model's query into durable output and registers the results as tables.

Examples:
  # Run every model of team 7
  modelrun run --team 7

  # Run one model and everything downstream of it
  modelrun run --team 7 --select sessions:0:all

  # Load a catalog, then serve its cron schedules
  modelrun seed --catalog models.yml
  modelrun schedule`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (default: ./config.yml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", ".env file loaded before reading the environment")

	cmd.AddCommand(
		newRunCmd(flags),
		newSeedCmd(flags),
		newScheduleCmd(flags),
		newCheckCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// newApp loads the config and creates the application.
func (f *rootFlags) newApp(opts ...bootstrap.Option) (*app, error) {
	cfg, err := loadConfig(f.configFile, f.envFile)
	if err != nil {
		return nil, err
	}
	return bootstrap.NewApp(cfg, opts...)
}
