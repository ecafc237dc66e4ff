// Package bootstrap runs the modelrun binary's lifecycle.
//
// An App validates its typed config, builds the logger, runs start hooks,
// executes a finite task or blocks until a signal, then runs stop hooks in
// reverse registration order:
//
//	app, err := bootstrap.NewApp(&cfg)
//	app.OnStop(func(ctx context.Context) error { return db.Close() })
//	err = app.RunTask(ctx, func(ctx context.Context) error {
//	    _, err := wf.Run(ctx, input)
//	    return err
//	})
//
// Components register health checks with AddCheck. Summary logs them once
// startup completes.
package bootstrap
