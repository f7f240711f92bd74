package cli

import (
	"time"

	"github.com/spf13/cobra"

	"riskwatch/internal/app"
)

var (
	snapshotMaxAge time.Duration
	snapshotReport bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <portfolio-id>",
	Short: "Print a portfolio's risk snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := snapshotMaxAge
		if !cmd.Flags().Changed("max-age") {
			maxAge = getApp().Config.Analytics.MaxAge
		}

		opts := app.SnapshotOptions{
			PortfolioID: args[0],
			MaxAge:      maxAge,
			Report:      snapshotReport,
		}

		return getApp().Snapshot(cmd.Context(), opts)
	},
}

func init() {
	snapshotCmd.Flags().DurationVar(&snapshotMaxAge, "max-age", 0, "Recompute when the snapshot is older than this (defaults to analytics.max_age)")
	snapshotCmd.Flags().BoolVar(&snapshotReport, "report", false, "Also print the diversification report")
}
