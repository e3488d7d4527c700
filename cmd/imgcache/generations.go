package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"imgcache/internal/imgcache"
)

func newGenerationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "List cache generations in storage",
		Long: `List every cache generation with its entry count. With --prune, delete the
generations that match neither cache.general nor cache.images, as activation
does. The leveldb backend is locked while serve runs; stop it first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			prune, err := cmd.Flags().GetBool("prune")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := imgcache.OpenStorage(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if prune {
				deleted, err := imgcache.PruneGenerations(ctx, store, cfg.CurrentGenerations()...)
				for _, name := range deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				}
				if err != nil {
					return err
				}
			}

			infos, err := imgcache.DescribeGenerations(ctx, store, cfg.CurrentGenerations()...)
			if err != nil {
				return err
			}
			return renderGenerations(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().Bool("prune", false, "delete generations that are not current")
	return cmd
}

func renderGenerations(w io.Writer, infos []imgcache.GenerationInfo) error {
	table := tablewriter.NewTable(w)
	table.Header([]string{"Generation", "Entries", "Status"})
	for _, info := range infos {
		status := "stale"
		if info.Current {
			status = "current"
		}
		if err := table.Append([]string{info.Name, strconv.Itoa(info.Entries), status}); err != nil {
			return err
		}
	}
	return table.Render()
}
