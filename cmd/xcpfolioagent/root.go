// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"github.com/spf13/cobra"
)

// newRootCommand builds the command tree: running the binary with no
// subcommand starts the agent; everything else is an out-of-band
// operational subcommand working directly against the configured state
// store (spec §6.6).
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xcpfolioagent",
		Short: "XCPFOLIO fulfillment and re-listing agent",
		Long: `xcpfolioagent watches XCPFOLIO.<ASSET> sell orders, transfers the
underlying Counterparty asset to the buyer once a sale fills, and
periodically re-lists any XCPFOLIO.* asset sitting unlisted in the
custodial address's balance.

Run with no subcommand to start the long-running agent process. All
configuration is read from the environment; see spec §6.1.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	cmd.AddCommand(
		newBackfillHistoryCommand(),
		newResetLastBlockCommand(),
		newClearProcessedCommand(),
		newRebuildHistoryCommand(),
		newFixTimestampsCommand(),
		newFixDuplicatesCommand(),
	)

	return cmd
}
