package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
)

func newExtractCmd(root *rootOptions) *cobra.Command {
	var (
		startPage  int
		endPage    int
		model      string
		documentID string
		asJSON     bool
		showPages  bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "extract <pdf>",
		Short: "Extract text from a page range, reusing cached pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, root)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			doc := models.Document{ID: documentID, Path: args[0]}
			if endPage == 0 {
				n, err := a.renderer.PageCount(ctx, doc)
				if err != nil {
					return err
				}
				endPage = n
			}
			params := a.svc.DefaultParams()
			if model != "" {
				params.Model = model
			}

			if !quiet {
				ctx = ocr.WithProgress(ctx, progressPrinter(os.Stderr))
			}
			resp, err := a.svc.ExtractText(ctx, doc, startPage, endPage, params)
			if resp == nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(resp); encErr != nil {
					return encErr
				}
				return err
			}
			if showPages {
				if perr := printPages(resp.Pages); perr != nil {
					return perr
				}
			} else {
				fmt.Println(resp.FullText)
			}
			fmt.Fprintln(os.Stderr, ocr.Describe(resp))
			return err
		},
	}

	cmd.Flags().IntVar(&startPage, "start", 1, "first page (1-based)")
	cmd.Flags().IntVar(&endPage, "end", 0, "last page, inclusive (default: last page of the document)")
	cmd.Flags().StringVar(&model, "model", "", "override the configured OCR model")
	cmd.Flags().StringVar(&documentID, "document-id", "", "stable document identifier (default: the path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	cmd.Flags().BoolVar(&showPages, "pages", false, "print a per-page table instead of the text")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not report progress on stderr")
	return cmd
}

func printPages(pages []models.OcrResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAGE\tSOURCE\tATTEMPTS\tINPUT\tOUTPUT\tCHARS\tERROR")
	for _, p := range pages {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			p.Page, p.Source, p.Attempts, p.Usage.InputTokens, p.Usage.OutputTokens, len(p.Text), p.Error)
	}
	return w.Flush()
}

// progressPrinter writes one "[done/total] message" line per event.
func progressPrinter(w io.Writer) ocr.ProgressFunc {
	return func(p ocr.Progress) {
		fmt.Fprintf(w, "[%d/%d] %s\n", p.Done, p.Total, p.Message())
	}
}
