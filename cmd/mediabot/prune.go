package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/config"
	"mediabot/internal/store"

	"github.com/spf13/cobra"
)

func pruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete workflow records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Store.Enabled {
				return errors.New("store is disabled")
			}

			retention := cfg.Store.Retention()
			if days > 0 {
				retention = time.Duration(days) * 24 * time.Hour
			}

			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			pruner, err := store.NewPruner(store.PrunerConfig{
				Store:     st,
				Schedule:  cfg.Store.PruneSchedule,
				Retention: retention,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := pruner.PruneOnce(ctx)
			if err != nil {
				return err
			}

			counts, err := st.Counts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d record(s) older than %s\n", n, retention)
			for status, c := range counts {
				fmt.Printf("  %-12s %d\n", status, c)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: store.retentionDays)")
	return cmd
}
