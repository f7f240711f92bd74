package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"riskwatch/internal/app"
)

var (
	simulateDestination     string
	simulateType            string
	simulateThreshold       int
	simulateRisk            int
	simulateDiversification int
	simulateProtocol        string
	simulateShare           int
	simulateTotal           string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic breach through the evaluator and delivery channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateDestination == "" {
			return errors.New("--destination must be provided")
		}
		total, err := decimal.NewFromString(simulateTotal)
		if err != nil {
			return errors.New("--total must be a decimal amount")
		}

		opts := app.SimulateOptions{
			Destination:     simulateDestination,
			AlertType:       simulateType,
			Threshold:       simulateThreshold,
			RiskScore:       simulateRisk,
			Diversification: simulateDiversification,
			Protocol:        simulateProtocol,
			ProtocolShare:   simulateShare,
			TotalValue:      total,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateDestination, "destination", "", "Alert destination, e.g. telegram:<chat-id>, webhook:<url> or log:<label>")
	simulateCmd.Flags().StringVar(&simulateType, "type", "RISK_THRESHOLD", "Alert type")
	simulateCmd.Flags().IntVar(&simulateThreshold, "threshold", 7500, "Subscription threshold in basis points")
	simulateCmd.Flags().IntVar(&simulateRisk, "risk", 8200, "Synthetic risk score in basis points")
	simulateCmd.Flags().IntVar(&simulateDiversification, "diversification", 5000, "Synthetic diversification score in basis points")
	simulateCmd.Flags().StringVar(&simulateProtocol, "protocol", "", "Protocol address for PROTOCOL_EXPOSURE")
	simulateCmd.Flags().IntVar(&simulateShare, "share", 0, "Share of value in --protocol, basis points")
	simulateCmd.Flags().StringVar(&simulateTotal, "total", "10000", "Synthetic total value in USD")
}
