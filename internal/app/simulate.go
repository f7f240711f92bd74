package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/alerting"
	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

// SimulateOptions describe a synthetic snapshot and the subscription it should trip.
type SimulateOptions struct {
	Destination     string
	AlertType       string
	Threshold       int
	RiskScore       int
	Diversification int
	Protocol        string
	ProtocolShare   int
	TotalValue      decimal.Decimal
}

// SimulateAlert pushes a synthetic breach through the evaluator and the real
// delivery channels. It runs against a scratch repository, so nothing is
// persisted and the production dispatch ledger is untouched.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	if opts.Destination == "" {
		return errors.New("destination is required")
	}

	scratch := storage.NewMemory(nil)
	user, err := scratch.CreateUser(ctx, storage.User{})
	if err != nil {
		return err
	}
	folio, err := scratch.CreatePortfolio(ctx, storage.Portfolio{UserID: user.ID, Name: "simulated", WalletAddress: "0x0"})
	if err != nil {
		return err
	}
	sub := storage.AlertSubscription{
		UserID:          user.ID,
		ProtocolAddress: opts.Protocol,
		AlertType:       opts.AlertType,
		Threshold:       risk.BasisPoints(opts.Threshold),
		Destination:     opts.Destination,
		IsActive:        true,
	}
	if _, err := alerting.ValidateSubscription(sub); err != nil {
		return err
	}
	if _, err := scratch.CreateSubscription(ctx, sub); err != nil {
		return err
	}

	snap := risk.Snapshot{
		PortfolioID: folio.ID,
		Summary: risk.Summary{
			RiskScore:       risk.BasisPoints(opts.RiskScore),
			TotalValue:      opts.TotalValue,
			Diversification: risk.BasisPoints(opts.Diversification),
			AnalyzedAt:      time.Now().UTC().Truncate(time.Microsecond),
		},
	}
	if opts.Protocol != "" {
		share := risk.BasisPoints(opts.ProtocolShare)
		snap.Exposures = []risk.Exposure{{
			ProtocolAddress: opts.Protocol,
			ValueUSD:        opts.TotalValue.Mul(decimal.New(int64(share), -4)),
			Share:           share,
		}}
	}

	dispatcher := a.newDispatcher(a.newRouter(), scratch, nil)
	evaluator := alerting.NewEvaluator(alerting.EvaluatorOptions{Concurrency: 1}, scratch, nil, dispatcher, nil, a.Logger)

	report, err := evaluator.EvaluatePortfolio(ctx, snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "evaluated=%d fired=%d failed=%d\n", report.Evaluated, report.Fired, report.Failed)
	switch {
	case report.Failed > 0:
		return fmt.Errorf("simulated alert to %s failed, check the logs", opts.Destination)
	case report.Fired == 0:
		return errors.New("simulated snapshot does not breach the subscription")
	}
	return nil
}
