package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/race-results-harvester/internal/config"
	"github.com/JakeFAU/race-results-harvester/internal/source"
)

func newSourcesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			registry, err := source.NewRegistry(cfg.SourceDefinitions())
			if err != nil {
				return fmt.Errorf("build source registry: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMETHOD\tPAGING\tSIZE\tEDITIONS\tFIELDS")
			for _, id := range registry.IDs() {
				src, err := registry.Lookup(id)
				if err != nil {
					return err
				}
				c := src.Config()
				editions := make([]string, 0, len(src.Periods()))
				for _, p := range src.Periods() {
					editions = append(editions, fmt.Sprint(p))
				}
				if len(editions) == 0 {
					editions = append(editions, "-")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					id, c.Method, c.Paging.Mode, c.Paging.PageSize,
					strings.Join(editions, ","), strings.Join(src.Extractor().Schema(), ","))
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("flush sources table: %w", err)
			}
			return nil
		},
	}
}
