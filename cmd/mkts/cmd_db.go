package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mkts-backend/internal/cycle"
	"mkts-backend/internal/errs"
	"mkts-backend/internal/watchlist"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the remote state into the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.Store.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("synced %d tables, %d rows, %d frames in %s\n",
				stats.Tables, stats.Rows, stats.FramesSynced, stats.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compare the local and remote high-watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.Store.ValidateSync(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: local replica is behind the remote", errs.ErrValidation)
			}
			fmt.Println("replica in sync")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local row counts per table",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			status, err := e.Store.Status(cmd.Context())
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(status))
			for t := range status {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				fmt.Printf("  %-24s %d\n", t, status[t])
			}
			return nil
		},
	}
}

func newAgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ages",
		Short: "Report how stale each table is per the update log",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			runner := cycle.New(e.Market, e.Store, e.Catalogue, e.Client)
			ages, err := runner.Ages(cmd.Context())
			if err != nil {
				return err
			}
			if len(ages) == 0 {
				fmt.Println("no updates recorded")
				return nil
			}
			for _, a := range ages {
				fmt.Printf("  %-24s %s  (%s ago, %d rows)\n",
					a.Table, a.UpdatedAt, a.Age.Round(time.Second), a.Rows)
			}
			return nil
		},
	}
}

func newRegionOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region-orders",
		Short: "Refresh the public region order snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderType, _ := cmd.Flags().GetString("order-type")
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			runner := cycle.New(e.Market, e.Store, e.Catalogue, e.Client)
			n, err := runner.RegionOrders(cmd.Context(), orderType)
			if err != nil {
				return err
			}
			fmt.Printf("landed %d region orders\n", n)
			return nil
		},
	}
	cmd.Flags().String("order-type", "sell", "Order side to fetch (sell, buy, all)")
	return cmd
}

func newAddWatchlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add_watchlist",
		Short: "Add type IDs to the watchlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetStringSlice("type_id")
			if len(raw) == 0 {
				return fmt.Errorf("%w: at least one --type_id is required", errs.ErrConfig)
			}
			typeIDs := make([]int64, 0, len(raw))
			for _, s := range raw {
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("%w: invalid type_id %q", errs.ErrConfig, s)
				}
				typeIDs = append(typeIDs, id)
			}

			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			remote, err := e.Store.RemoteEngine()
			if err != nil {
				return err
			}
			res, err := watchlist.NewMaintainer(remote, e.Catalogue).Add(cmd.Context(), typeIDs)
			if err != nil {
				return err
			}
			for _, row := range res.Added {
				fmt.Printf("  added   %d  %s\n", row.TypeID, row.TypeName)
			}
			for _, id := range res.Missing {
				fmt.Printf("  missing %d  (not in catalogue)\n", id)
			}
			if _, err := e.Store.Sync(cmd.Context()); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("type_id", nil, "Type ID to add (repeatable)")
	return cmd
}
