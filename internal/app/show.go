package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
)

// Show prints a portfolio's most recent snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.PortfolioID == "" {
		return errors.New("portfolio id is required")
	}

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	// The window end is exclusive; a second of slack keeps the newest row.
	to := time.Now().UTC().Add(time.Second)
	records, err := repo.ListSnapshotHistory(ctx, opts.PortfolioID, time.Unix(0, 0).UTC(), to, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Analyzed (UTC)\tRisk%\tDiversification%\tTotal (USD)")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			rec.AnalyzedAt.UTC().Format(time.RFC3339),
			rec.RiskScore.Percent(),
			rec.Diversification.Percent(),
			formatDecimal(rec.TotalValue, 2),
		)
	}

	return writer.Flush()
}
