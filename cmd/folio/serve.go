package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/folio/pkg/janitor"
	"github.com/pario-ai/folio/pkg/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduled cache sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if listen == "" {
				listen = a.cfg.Listen
			}
			opts := server.Options{
				Listen:    listen,
				Retention: a.cfg.Cache.Retention,
				Tracker:   a.tracker,
				Logger:    a.log,
			}
			if a.budget != nil {
				opts.Budget = a.budget
			}
			srv := server.New(a.svc, opts)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(ctx) })
			g.Go(func() error { return runJanitor(ctx, a) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: listen from config)")
	return cmd
}

// runJanitor schedules the cache sweep and blocks until ctx is done.
func runJanitor(ctx context.Context, a *app) error {
	if a.cfg.Cache.PurgeSchedule == "" {
		<-ctx.Done()
		return nil
	}
	j := janitor.New(a.store, a.cfg.Cache.Retention, a.cfg.Cache.IdleWindow(), a.log)
	if err := j.Start(ctx, a.cfg.Cache.PurgeSchedule); err != nil {
		return err
	}
	<-ctx.Done()
	j.Stop()
	return nil
}
