// Package scheduler triggers workflow runs on cron schedules.
//
// Each tick takes the team's run lock before running, so overlapping ticks
// are skipped whether they come from this process or another scheduler
// sharing the lock server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/runlock"
	"github.com/kbukum/modelrun/workflow"
)

// Schedule runs the models a set of selectors picks on a cron expression.
type Schedule struct {
	Name   string   `mapstructure:"name" validate:"required"`
	Cron   string   `mapstructure:"cron" validate:"required"`
	TeamID int64    `mapstructure:"team_id" validate:"required"`
	Select []string `mapstructure:"select" validate:"dive,selector"`
	// LockTTL bounds how long a crashed run keeps the lock. The lease is
	// extended while the run is alive.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// Runner runs one workflow.
type Runner interface {
	Run(ctx context.Context, in workflow.Input) (*workflow.Outcome, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	schedule  Schedule
	selectors []dag.Selector
	id        cron.EntryID
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	locker runlock.Locker
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Scheduler. Runs started by it are cancelled by Stop.
func New(runner Runner, locker runlock.Locker, log *logger.Logger) *Scheduler {
	log = log.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		locker:  locker,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}
}

// Add registers s. Names are unique.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("scheduler: schedule name is required")
	}
	if _, err := parser.Parse(sched.Cron); err != nil {
		return fmt.Errorf("scheduler: schedule %s: invalid cron %q: %w", sched.Name, sched.Cron, err)
	}
	if sched.LockTTL <= 0 {
		sched.LockTTL = time.Hour
	}
	selectors := make([]dag.Selector, 0, len(sched.Select))
	for _, raw := range sched.Select {
		sel, err := dag.ParseSelector(raw)
		if err != nil {
			return fmt.Errorf("scheduler: schedule %s: %w", sched.Name, err)
		}
		selectors = append(selectors, sel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.Name]; exists {
		return fmt.Errorf("scheduler: schedule %s already registered", sched.Name)
	}
	e := &entry{schedule: sched, selectors: selectors}
	id, err := s.cron.AddFunc(sched.Cron, func() {
		_ = s.trigger(s.ctx, e)
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", sched.Name, err)
	}
	e.id = id
	s.entries[sched.Name] = e

	s.log.Info("schedule registered", logger.Fields(
		logger.FieldSchedule, sched.Name,
		"cron", sched.Cron,
		logger.FieldTeamID, sched.TeamID,
	))
	return nil
}

// Remove unregisters the named schedule.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: schedule %s is not registered", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return nil
}

// Names returns the registered schedule names.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Trigger runs the named schedule now, outside the cron clock. Returns
// runlock.ErrLocked when a run for the same team is in progress.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: schedule %s is not registered", name)
	}
	return s.trigger(ctx, e)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", logger.Fields("schedules", len(s.Names())))
}

// Stop cancels running workflows and waits for them to return or for ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lockKey(teamID int64) string {
	return fmt.Sprintf("team:%d", teamID)
}

func (s *Scheduler) trigger(ctx context.Context, e *entry) error {
	sched := e.schedule
	log := s.log.WithFields(logger.Fields(logger.FieldSchedule, sched.Name, logger.FieldTeamID, sched.TeamID))

	lease, err := s.locker.Acquire(ctx, lockKey(sched.TeamID), sched.LockTTL)
	if errors.Is(err, runlock.ErrLocked) {
		log.Info("run in progress, skipping tick")
		return err
	}
	if err != nil {
		log.Error("acquire run lock failed", logger.ErrorFields("acquire_lock", err))
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release run lock failed", logger.ErrorFields("release_lock", err))
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.keepAlive(runCtx, lease, sched.LockTTL, log)

	out, err := s.runner.Run(runCtx, workflow.Input{TeamID: sched.TeamID, Selectors: e.selectors})
	if err != nil {
		log.Error("scheduled run failed", logger.ErrorFields("run", err))
		return err
	}
	log.Info("scheduled run finished", logger.Fields(
		logger.FieldWorkflowID, out.WorkflowID,
		"completed", out.Results.Completed.Len(),
		"failed", out.Results.Failed.Len()+out.Results.AncestorFailed.Len(),
		logger.FieldDuration, out.Duration.Milliseconds(),
	))
	return nil
}

// keepAlive extends the lease every third of its ttl until ctx ends.
func (s *Scheduler) keepAlive(ctx context.Context, lease *runlock.Lease, ttl time.Duration, log *logger.Logger) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx, ttl); err != nil && ctx.Err() == nil {
				log.Warn("extend run lock failed", logger.ErrorFields("extend_lock", err))
			}
		}
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, logger.Fields(keysAndValues...))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := logger.Fields(keysAndValues...)
	fields[logger.FieldError] = err.Error()
	c.log.Error("cron: "+msg, fields)
}
