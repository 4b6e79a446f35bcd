package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "folio",
		Short:         "folio: cached, concurrent OCR for PDF page ranges",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newExtractCmd(opts),
		newCacheCmd(opts),
		newStatsCmd(opts),
		newBudgetCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
