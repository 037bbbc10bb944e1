package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	cachepkg "github.com/coalesce-ai/coalesce/pkg/cache/sqlite"
	"github.com/coalesce-ai/coalesce/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	openCache := func() (*cachepkg.Cache, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cfg.DBPath, cfg.Cache.MaxEntries)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show result cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Requests:\t%s\n", humanize.Comma(stats.TotalRequests))
			fmt.Fprintf(w, "Hits:\t%s\n", humanize.Comma(stats.Hits))
			fmt.Fprintf(w, "Misses:\t%s\n", humanize.Comma(stats.Misses))
			fmt.Fprintf(w, "Batches:\t%s\n", humanize.Comma(stats.BatchRequests))
			fmt.Fprintf(w, "Hit ratio:\t%.2f%%\n", stats.HitRatio)
			fmt.Fprintf(w, "Entries:\t%s\n", humanize.Comma(stats.CurrentEntries))
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			deleted, err := c.Clear(cmd.Context(), !expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("Cleared %s expired cache entries.\n", humanize.Comma(deleted))
			} else {
				fmt.Printf("Cleared %s cache entries and reset statistics.\n", humanize.Comma(deleted))
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "coalesce.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
