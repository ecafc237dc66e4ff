package main

import (
	"fmt"

	"github.com/kbukum/modelrun/config"
	"github.com/kbukum/modelrun/events"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/observability"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/runlock"
	"github.com/kbukum/modelrun/scheduler"
	"github.com/kbukum/modelrun/storage"
	"github.com/kbukum/modelrun/store"
	"github.com/kbukum/modelrun/validation"
	"github.com/kbukum/modelrun/workflow"
)

const serviceName = "modelrun"

// Config is the modelrun binary configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Database      store.Config              `mapstructure:"database"`
	Source        queryengine.Config        `mapstructure:"source"`
	Storage       storage.Config            `mapstructure:"storage"`
	Events        events.Config             `mapstructure:"events"`
	Lock          runlock.Config            `mapstructure:"lock"`
	Workflow      workflow.Config           `mapstructure:"workflow"`
	Activities    workflow.ActivitiesConfig `mapstructure:"activities"`
	Materializer  materialize.Config        `mapstructure:"materializer"`
	Observability observability.Config      `mapstructure:"observability"`

	// Catalog is the default catalog file for the seed command.
	Catalog   string               `mapstructure:"catalog"`
	Schedules []scheduler.Schedule `mapstructure:"schedules" validate:"dive"`
}

// ApplyDefaults fills every section.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = serviceName
	}
	c.ServiceConfig.ApplyDefaults()
	c.Database.ApplyDefaults()
	c.Source.ApplyDefaults()
	c.Storage.ApplyDefaults()
	if c.Events.Source == "" {
		c.Events.Source = c.Name
	}
	c.Events.ApplyDefaults()
	c.Lock.ApplyDefaults()
	c.Workflow.ApplyDefaults()
	c.Materializer.ApplyDefaults()
	c.Observability.ApplyDefaults()

	c.Activities.NamingConvention = c.Materializer.NamingConvention
	c.Observability.ServiceName = c.Name
	c.Observability.ServiceVersion = c.Version
	c.Observability.Environment = c.Environment
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	checks := []struct {
		section string
		fn      func() error
	}{
		{"database", c.Database.Validate},
		{"storage", c.Storage.Validate},
		{"events", c.Events.Validate},
		{"lock", c.Lock.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return fmt.Errorf("config.%s: %w", chk.section, err)
		}
	}
	return validation.Validate(c)
}

// loadConfig reads defaults, the config file and the environment into a Config.
func loadConfig(configFile, envFile string) (*Config, error) {
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	opts = append(opts,
		config.WithDefault("name", serviceName),
		config.WithDefault("source.driver", "sqlite3"),
	)

	cfg := &Config{}
	if err := config.LoadConfig(serviceName, cfg, opts...); err != nil {
		return nil, err
	}
	return cfg, nil
}
