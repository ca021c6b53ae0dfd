package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glorpus-work/conda-index/internal/cli"
	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/spf13/cobra"
)

var (
	verbose   bool
	logFormat string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}

	cancel()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conda-index",
		Short: "Create repodata.json for collections of conda packages",
		Long: `conda-index reads a channel directory of conda package archives and
produces the repodata documents a package manager consumes:
- repodata.json and current_repodata.json per platform subdir
- channeldata.json, index.html and rss.xml per channel
- optional sharded repodata and run_exports.json`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := "info"
			if verbose {
				level = "debug"
			}
			logger.InitLogger(level, logger.OutputFormat(logFormat))
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logger.FormatConsole),
		"log output format (console, text, json)")

	// Add subcommands
	cmd.AddCommand(
		cli.NewIndexCmd(),
		cli.NewVersionCmd(),
	)

	return cmd
}
