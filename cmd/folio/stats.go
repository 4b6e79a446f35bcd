package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/folio/pkg/tracker"
)

func newStatsCmd(root *rootOptions) *cobra.Command {
	var (
		documentID string
		recent     int
		since      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage from the extraction ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()

			// Recent batches view
			if recent > 0 {
				runs, err := tr.Recent(ctx, documentID, recent)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("No runs found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tBATCH\tDOCUMENT\tPAGES\tHITS\tREMOTE\tFALLBACK\tRETRIES\tINPUT\tOUTPUT\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d-%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.BatchID[:min(8, len(r.BatchID))], r.DocumentID,
						r.StartPage, r.EndPage, r.CacheHits, r.RemotePages, r.FallbackPages, r.Retries,
						r.InputTokens, r.OutputTokens, time.Duration(r.DurationMs)*time.Millisecond)
				}
				return w.Flush()
			}

			if since > 0 {
				total, err := tr.TokensSince(ctx, "", time.Now().Add(-since))
				if err != nil {
					return err
				}
				fmt.Printf("Tokens spent in the last %s: %d\n", since, total)
				return nil
			}

			// Default: usage summary
			summaries, err := tr.Summary(ctx, documentID)
			if err != nil {
				return err
			}

			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tRUNS\tPAGES\tCACHED\tFALLBACK\tINPUT\tOUTPUT")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Model, s.Runs, s.Pages, s.CacheHits, s.FallbackPages, s.InputTokens, s.OutputTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&documentID, "document", "", "filter by document id")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent batches")
	cmd.Flags().DurationVar(&since, "since", 0, "show total tokens spent within this window")
	return cmd
}
