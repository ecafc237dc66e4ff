package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kbukum/modelrun/bootstrap"
	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/events"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/observability"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/runlock"
	"github.com/kbukum/modelrun/storage"
	_ "github.com/kbukum/modelrun/storage/local"
	_ "github.com/kbukum/modelrun/storage/s3"
	"github.com/kbukum/modelrun/store"
	"github.com/kbukum/modelrun/warehouse"
	"github.com/kbukum/modelrun/workflow"
)

// services holds everything a command may need. Fields stay nil for parts
// the command did not ask for.
type services struct {
	db        *store.DB
	records   *store.Store
	engine    *queryengine.SQLEngine
	objects   storage.Storage
	warehouse *warehouse.Warehouse
	publisher events.Publisher
	locker    runlock.Locker
	metrics   *observability.RunMetrics
	workflow  *workflow.Workflow
}

type app = bootstrap.App[*Config]

// openRecords connects the record store.
func (s *services) openRecords(ctx context.Context, a *app) error {
	cfg := a.Cfg
	db, err := store.Open(ctx, cfg.Database, a.Logger)
	if err != nil {
		return err
	}
	a.OnStop(func(context.Context) error { return db.Close() })
	a.AddCheck("store", db.CheckHealth)
	a.Summary.TrackInfrastructure("store", "database", storeDetails(cfg))

	s.db = db
	s.records = store.New(db, a.Logger)
	return nil
}

// openAll connects every backing service and builds the workflow.
func (s *services) openAll(ctx context.Context, a *app) error {
	cfg := a.Cfg
	log := a.Logger

	if err := s.openObservability(ctx, a); err != nil {
		return err
	}
	if err := s.openRecords(ctx, a); err != nil {
		return err
	}

	engine, err := queryengine.Open(ctx, cfg.Source, log)
	if err != nil {
		return err
	}
	a.OnStop(func(context.Context) error { return engine.Close() })
	a.AddCheck("source", engine.CheckHealth)
	a.Summary.TrackInfrastructure("source", "database", cfg.Source.Driver)
	s.engine = engine

	objects, err := storage.New(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	a.AddCheck("storage", func(ctx context.Context) observability.Health {
		return storage.CheckHealth(ctx, objects)
	})
	a.Summary.TrackInfrastructure("storage", cfg.Storage.Provider, storageDetails(cfg))
	s.objects = objects
	s.warehouse = warehouse.New(objects, log)

	publisher, err := events.New(cfg.Events, log)
	if err != nil {
		return err
	}
	a.OnStop(func(context.Context) error { return publisher.Close() })
	if cfg.Events.Enabled {
		a.Summary.TrackInfrastructure("events", "kafka", cfg.Events.Topic)
	}
	s.publisher = publisher

	locker, err := runlock.New(cfg.Lock, log)
	if err != nil {
		return err
	}
	a.OnStop(func(context.Context) error { return locker.Close() })
	if r, ok := locker.(*runlock.Redis); ok {
		a.AddCheck("redis", r.CheckHealth)
		a.Summary.TrackInfrastructure("redis", "redis", cfg.Lock.Addr)
	}
	s.locker = locker

	metrics, err := observability.NewRunMetrics(observability.Meter(serviceName))
	if err != nil {
		return fmt.Errorf("run metrics: %w", err)
	}
	s.metrics = metrics

	s.workflow = s.newWorkflow(cfg, log)
	return nil
}

func (s *services) newWorkflow(cfg *Config, log *logger.Logger) *workflow.Workflow {
	records, engine, wh := s.records, s.engine, s.warehouse
	factory := func(run materialize.Run) dag.NodeMaterializer {
		return materialize.New(records, engine, wh, cfg.Materializer, run, log)
	}
	activities := workflow.NewActivities(records, wh, cfg.Activities, log)
	builder := dag.NewBuilder(records, log, dag.WithCanonicalizer(records))
	return workflow.New(builder, activities, factory, cfg.Workflow, log,
		workflow.WithPublisher(s.publisher),
		workflow.WithMetrics(s.metrics),
		workflow.WithCanonicalizer(records),
	)
}

// openObservability installs the OTLP trace and metric exporters when enabled.
func (s *services) openObservability(ctx context.Context, a *app) error {
	cfg := a.Cfg.Observability
	if !cfg.Enabled {
		return nil
	}
	tp, err := observability.InitTracer(ctx, cfg, a.Logger)
	if err != nil {
		return err
	}
	a.OnStop(tp.Shutdown)
	mp, err := observability.InitMeter(ctx, cfg, a.Logger)
	if err != nil {
		return err
	}
	a.OnStop(mp.Shutdown)
	a.Summary.TrackInfrastructure("otlp", "observability", cfg.Endpoint)
	return nil
}

func storageDetails(cfg *Config) string {
	if cfg.Storage.Provider == storage.ProviderS3 {
		return "s3://" + cfg.Storage.Bucket
	}
	return cfg.Storage.BasePath
}

// storeDetails names the records database without its credentials.
func storeDetails(cfg *Config) string {
	dsn := cfg.Database.DSN
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		dsn = u.Host + u.Path
	} else if i := strings.LastIndex(dsn, "@"); i >= 0 {
		// user:pass@tcp(host:3306)/db
		dsn = dsn[i+1:]
	}
	if i := strings.IndexAny(dsn, "? "); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" {
		return cfg.Database.Driver
	}
	return cfg.Database.Driver + " " + dsn
}
