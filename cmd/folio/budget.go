package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/folio/pkg/budget"
	"github.com/pario-ai/folio/pkg/tracker"
)

func newBudgetCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect remote OCR token budgets",
	}

	var model string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage against caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			if !cfg.Budget.Enabled {
				fmt.Println("Budget enforcement is disabled.")
				return nil
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			statuses, err := budget.New(cfg.Budget.Policies, tr).Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPERIOD\tMAX TOKENS\tUSED\tREMAINING")
			shown := 0
			for _, s := range statuses {
				if model != "" && s.Policy.Model != "" && s.Policy.Model != model {
					continue
				}
				scope := s.Policy.Model
				if scope == "" {
					scope = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", scope, s.Policy.Period,
					humanize.Comma(s.Policy.MaxTokens), humanize.Comma(s.Used), humanize.Comma(s.Remaining))
				shown++
			}
			if shown == 0 {
				fmt.Println("No budget policies apply.")
				return nil
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&model, "model", "", "only policies that apply to this model")

	cmd.AddCommand(statusCmd)
	return cmd
}
