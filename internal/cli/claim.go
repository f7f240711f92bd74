package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskwatch/internal/app"
)

var (
	claimTx    string
	activateTx string
)

var claimCmd = &cobra.Command{
	Use:   "claim <policy-id>",
	Short: "Claim an insurance policy if its portfolio breaches the threshold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ClaimOptions{
			PolicyID: args[0],
			ClaimTx:  claimTx,
		}

		return getApp().Claim(cmd.Context(), opts)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <policy-id>",
	Short: "Activate a pending policy after its purchase transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if activateTx == "" {
			return fmt.Errorf("--tx must be provided")
		}
		return getApp().Activate(cmd.Context(), args[0], activateTx)
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimTx, "tx", "", "Payout transaction hash to record after a successful claim")
	activateCmd.Flags().StringVar(&activateTx, "tx", "", "Purchase transaction hash")
}
