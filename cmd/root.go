// Package cmd defines the harvester CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// options carries flag values shared by subcommands.
type options struct {
	configPath string
	sources    []string
	periods    []int
	from       int
	to         int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collects race results from paginated result sites.",
		Long: `harvester discovers how many result pages each (source, period) pair has,
fetches them concurrently under a politeness limit and writes the extracted
records as per-source tables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newHarvestCmd(opts))
	cmd.AddCommand(newSourcesCmd(opts))
	return cmd
}

// Execute runs the root command with a context canceled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
