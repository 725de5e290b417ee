// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
	"github.com/xcpfolio/fulfillment-agent/internal/fulfillment"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

// openAdminStore loads configuration and connects to the state store for an
// operational subcommand; it never wires a signer, ledger, or chain client,
// since every subcommand here only ever touches statestore directly.
func openAdminStore() (*config.Config, *statestore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if _, err := parseAndSetDebugLevels(cfg.LogLevel); err != nil {
		return nil, nil, fmt.Errorf("error parsing LOG_LEVEL: %w", err)
	}
	kv, err := statestore.New(cfg.StateStoreURL, subsystemLoggers["STORE"])
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to state store: %w", err)
	}
	return cfg, kv, nil
}

func newResetLastBlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "reset-last-block <height>",
		Short:         "Rewind the fulfillment scan cursor to the given block height",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid height %q: %w", args[0], err)
			}

			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx := cmd.Context()
			st, err := fulfillment.LoadDurableState(ctx, kv)
			if err != nil {
				return err
			}
			previous := st.LastBlock
			st.LastBlock = height
			if err := fulfillment.SaveDurableState(ctx, kv, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lastBlock: %d -> %d\n", previous, height)
			return nil
		},
	}
}

func newClearProcessedCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "clear-processed",
		Short:         "Clear the processed- and failed-order hash lists, forcing a full re-scan",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx := cmd.Context()
			st, err := fulfillment.LoadDurableState(ctx, kv)
			if err != nil {
				return err
			}
			cleared := len(st.ProcessedOrders) + len(st.FailedOrders)
			st.ProcessedOrders = nil
			st.FailedOrders = nil
			if err := fulfillment.SaveDurableState(ctx, kv, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d order hashes\n", cleared)
			return nil
		},
	}
}

func newFixDuplicatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "fix-duplicates",
		Short:         "Deduplicate the processed- and failed-order hash lists",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx := cmd.Context()
			st, err := fulfillment.LoadDurableState(ctx, kv)
			if err != nil {
				return err
			}
			before := len(st.ProcessedOrders) + len(st.FailedOrders)
			st.ProcessedOrders = dedup(st.ProcessedOrders)
			st.FailedOrders = dedup(st.FailedOrders)
			after := len(st.ProcessedOrders) + len(st.FailedOrders)
			if err := fulfillment.SaveDurableState(ctx, kv, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d duplicate hash entries\n", before-after)
			return nil
		},
	}
}

func dedup(hashes []string) []string {
	seen := make(map[string]bool, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func newRebuildHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "rebuild-history",
		Short:         "Drop history index references whose entry no longer exists",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			kept, dropped, err := orderhistory.New(kv).Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "history index rebuilt: kept=%d dropped=%d\n", kept, dropped)
			return nil
		},
	}
}

func newFixTimestampsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "fix-timestamps",
		Short:         "Backfill zero timestamps on existing history entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			fixed, err := orderhistory.New(kv).FixTimestamps(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fixed %d entry timestamps\n", fixed)
			return nil
		},
	}
}

func newBackfillHistoryCommand() *cobra.Command {
	var (
		kind      string
		orderHash string
		asset     string
		buyer     string
		txid      string
		quantity  int64
	)

	cmd := &cobra.Command{
		Use:           "backfill-history",
		Short:         "Manually publish a history entry missed during an outage",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var k orderhistory.Kind
			switch kind {
			case "transfer":
				k = orderhistory.KindTransfer
			case "open_order":
				k = orderhistory.KindOpenOrder
			default:
				return fmt.Errorf("--kind must be %q or %q, got %q", "transfer", "open_order", kind)
			}
			if asset == "" {
				return fmt.Errorf("--asset is required")
			}

			_, kv, err := openAdminStore()
			if err != nil {
				return err
			}
			defer kv.Close()

			entry := orderhistory.Entry{
				Kind:      k,
				OrderHash: orderHash,
				Asset:     asset,
				Buyer:     buyer,
				TxID:      txid,
				Quantity:  quantity,
				Timestamp: time.Now(),
			}
			if err := orderhistory.New(kv).Publish(cmd.Context(), entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backfilled %s entry for %s\n", kind, asset)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "transfer", `entry kind ("transfer" or "open_order")`)
	cmd.Flags().StringVar(&orderHash, "order-hash", "", "the filled order's hash, for a transfer entry")
	cmd.Flags().StringVar(&asset, "asset", "", "the Counterparty asset name (required)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "the buyer's address")
	cmd.Flags().StringVar(&txid, "txid", "", "the broadcast transaction ID")
	cmd.Flags().Int64Var(&quantity, "quantity", 1, "asset quantity transferred")
	_ = cmd.MarkFlagRequired("asset")

	return cmd
}
