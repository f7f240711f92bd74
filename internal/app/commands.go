package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"riskwatch/internal/claims"
)

// Sweep evaluates every portfolio with active subscriptions once.
func (a *App) Sweep(ctx context.Context) error {
	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.evaluator.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "evaluated=%d fired=%d suppressed=%d skipped=%d failed=%d\n",
		report.Evaluated, report.Fired, report.Suppressed, report.Skipped, report.Failed)
	return nil
}

// SnapshotOptions configure the snapshot command.
type SnapshotOptions struct {
	PortfolioID string
	MaxAge      time.Duration
	Report      bool
}

// Snapshot prints a portfolio's snapshot, recomputing it when older than MaxAge.
func (a *App) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.snapshots.GetSnapshot(ctx, opts.PortfolioID, opts.MaxAge)
	if err != nil {
		return err
	}
	snap := res.Snapshot

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Portfolio\t%s\n", snap.PortfolioID)
	fmt.Fprintf(writer, "Analyzed (UTC)\t%s\n", snap.AnalyzedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Source\t%s\n", res.Source)
	fmt.Fprintf(writer, "Stale\t%t\n", res.Stale)
	fmt.Fprintf(writer, "Risk (%%)\t%s\n", snap.RiskScore.Percent())
	fmt.Fprintf(writer, "Diversification (%%)\t%s\n", snap.Diversification.Percent())
	fmt.Fprintf(writer, "Total value (USD)\t%s\n", formatDecimal(snap.TotalValue, 2))
	if snap.HasExposures() {
		fmt.Fprintln(writer, "\nProtocol\tValue (USD)\tShare (%)")
		for _, e := range snap.Exposures {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", e.ProtocolAddress, formatDecimal(e.ValueUSD, 2), e.Share.Percent())
		}
	}
	if opts.Report {
		report, err := eng.snapshots.GetDiversificationReport(ctx, opts.PortfolioID, opts.MaxAge)
		if err != nil {
			writer.Flush()
			return err
		}
		fmt.Fprintf(writer, "\nHHI\t%.4f\n", report.HHI)
	}
	return writer.Flush()
}

// ClaimOptions configure the claim command.
type ClaimOptions struct {
	PolicyID string
	// ClaimTx, when set, is recorded against the policy after a successful claim.
	ClaimTx string
}

// Claim runs the claim gate for one policy.
func (a *App) Claim(ctx context.Context, opts ClaimOptions) error {
	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	dec, err := eng.gate.Claim(ctx, opts.PolicyID)
	if err != nil {
		return err
	}
	if opts.ClaimTx != "" {
		if err := eng.gate.RecordClaimTx(ctx, opts.PolicyID, opts.ClaimTx); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.Out, "policy %s claimed: payout=%s risk=%s%% threshold=%s%% analyzed_at=%s\n",
		dec.Policy.ID,
		formatDecimal(dec.Payout, 2),
		dec.Snapshot.RiskScore.Percent(),
		dec.Policy.RiskThreshold.Percent(),
		dec.Snapshot.AnalyzedAt.UTC().Format(time.RFC3339))
	return nil
}

// Activate moves a pending policy to active once its purchase tx is known.
func (a *App) Activate(ctx context.Context, policyID, txHash string) error {
	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	p, err := eng.gate.Activate(ctx, policyID, txHash)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "policy %s %s until %s\n", p.ID, claims.Status(p, time.Now()), p.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}
