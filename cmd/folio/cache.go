package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the OCR result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.svc.CacheStats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Backend:\t%s\n", stats.Backend)
			fmt.Fprintf(w, "Entries:\t%s\n", humanize.Comma(stats.Entries))
			fmt.Fprintf(w, "Added last 7 days:\t%s\n", humanize.Comma(stats.RecentEntries))
			fmt.Fprintf(w, "Tokens saved:\t%s\n", humanize.Comma(stats.TokensSaved))
			fmt.Fprintf(w, "Size:\t%s\n", humanize.Bytes(uint64(max(stats.SizeBytes, 0))))
			return w.Flush()
		},
	}

	var retention time.Duration
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if !cmd.Flags().Changed("retention") {
				retention = a.cfg.Cache.Retention
			}
			n, err := a.svc.PurgeCache(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %s entries older than %s.\n", humanize.Comma(n), retention)
			return nil
		},
	}
	purgeCmd.Flags().DurationVar(&retention, "retention", 0, "retention window (default: cache.retention from config)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.svc.ClearCache(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %s cache entries.\n", humanize.Comma(n))
			return nil
		},
	}

	cmd.AddCommand(statsCmd, purgeCmd, clearCmd)
	return cmd
}
