package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

// App is an application with a uniform lifecycle. C is its config type.
type App[C Config] struct {
	Name    string
	Version string
	Cfg     C
	Logger  *logger.Logger
	Summary *Summary

	gracefulTimeout time.Duration
	signals         bool

	checks  []check
	onStart []Hook
	onStop  []Hook
}

type check struct {
	name string
	fn   func(ctx context.Context) observability.Health
}

// NewApp applies defaults to cfg, validates it and builds the logger.
func NewApp[C Config](cfg C, opts ...Option) (*App[C], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	base := cfg.GetServiceConfig()
	o := resolveOptions(opts)

	app := &App[C]{
		Name:            base.Name,
		Version:         base.Version,
		Cfg:             cfg,
		gracefulTimeout: 15 * time.Second,
		signals:         o.signals,
	}
	if o.gracefulTimeout != nil {
		app.gracefulTimeout = *o.gracefulTimeout
	}
	if o.logger != nil {
		app.Logger = o.logger
	} else {
		app.Logger = base.NewLogger()
	}
	logger.SetGlobalLogger(app.Logger)
	app.Summary = NewSummary(base.Name, base.Version)
	return app, nil
}

// AddCheck registers a named health check.
func (a *App[C]) AddCheck(name string, fn func(ctx context.Context) observability.Health) {
	a.checks = append(a.checks, check{name: name, fn: fn})
}

// Health runs every registered check.
func (a *App[C]) Health(ctx context.Context) *observability.ServiceHealth {
	sh := observability.NewServiceHealth(a.Name, a.Version)
	for _, c := range a.checks {
		h := c.fn(ctx)
		if h.Name == "" {
			h.Name = c.name
		}
		sh.AddComponent(h)
	}
	return sh
}

// RunTask starts the app, runs task and shuts down. A signal cancels the
// task's context; the task's error is returned ahead of shutdown errors.
func (a *App[C]) RunTask(ctx context.Context, task func(ctx context.Context) error) error {
	ctx, stop := a.signalContext(ctx)
	defer stop()

	if err := a.startup(ctx); err != nil {
		_ = a.stop()
		return err
	}

	taskErr := task(ctx)
	if stopErr := a.stop(); stopErr != nil && taskErr == nil {
		return stopErr
	}
	return taskErr
}

// Run starts the app and blocks until a signal or ctx is done.
func (a *App[C]) Run(ctx context.Context) error {
	ctx, stop := a.signalContext(ctx)
	defer stop()

	if err := a.startup(ctx); err != nil {
		_ = a.stop()
		return err
	}
	a.Logger.Info("application ready, waiting for shutdown signal")
	<-ctx.Done()
	a.Logger.Info("shutdown signal received")
	return a.stop()
}

func (a *App[C]) signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if !a.signals {
		return context.WithCancel(ctx)
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (a *App[C]) startup(ctx context.Context) error {
	start := time.Now()
	a.Logger.Info("starting application", logger.Fields(
		"name", a.Name,
		"version", a.Version,
	))

	if err := runHooks(ctx, a.onStart); err != nil {
		return fmt.Errorf("onStart hook failed: %w", err)
	}

	health := a.Health(ctx)
	if health.Status != observability.HealthStatusUp {
		a.Logger.Warn("ready check reported issues", logger.Fields("status", string(health.Status)))
	}
	a.Summary.SetStartupDuration(time.Since(start))
	a.Summary.Display(a.Logger, health)
	return nil
}

func (a *App[C]) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.gracefulTimeout)
	defer cancel()

	err := runStopHooks(ctx, a.onStop)
	a.onStop = nil
	if err != nil {
		a.Logger.Error("shutdown completed with errors", logger.ErrorFields("shutdown", err))
		return err
	}
	a.Logger.Debug("application shutdown complete")
	return nil
}
