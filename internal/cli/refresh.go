package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskwatch/internal/app"
)

var refreshWorkers int

var refreshCmd = &cobra.Command{
	Use:   "refresh [portfolio-id...]",
	Short: "Force-recompute snapshots for the given or all subscribed portfolios",
	RunE: func(cmd *cobra.Command, args []string) error {
		if refreshWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}

		opts := app.RefreshOptions{
			PortfolioIDs: args,
			Workers:      refreshWorkers,
		}

		return getApp().Refresh(cmd.Context(), opts)
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshWorkers, "workers", 2, "Number of concurrent recomputes")
}
