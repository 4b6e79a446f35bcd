package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/folio/pkg/mcp"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start folio as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			opts := mcp.Options{
				Tracker:   a.tracker,
				Retention: a.cfg.Cache.Retention,
				Version:   version,
				Logger:    a.log,
			}
			if a.budget != nil {
				opts.Budget = a.budget
			}
			srv := mcp.New(a.svc, opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// stdin closing ends the session.
				defer stop()
				return srv.Run(gctx, os.Stdin, os.Stdout)
			})
			g.Go(func() error { return runJanitor(gctx, a) })
			return g.Wait()
		},
	}
}
