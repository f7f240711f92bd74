package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"riskwatch/internal/storage"
)

// exportFetchLimit caps the history rows read before downsampling.
const exportFetchLimit = 100000

// Export renders a portfolio's snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PortfolioID == "" {
		return errors.New("portfolio id is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := repo.ListSnapshotHistory(ctx, opts.PortfolioID, from, to, max(opts.MaxPoints, exportFetchLimit))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("portfolio_id", opts.PortfolioID).Msg("no snapshots found for export window")
		return nil
	}
	// History is newest first; charts and CSV read oldest first.
	slices.Reverse(records)

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"analyzed_at", "portfolio_id", "risk_score_bp", "diversification_bp", "total_value_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.AnalyzedAt.UTC().Format(time.RFC3339Nano),
			rec.PortfolioID,
			strconv.Itoa(int(rec.RiskScore)),
			strconv.Itoa(int(rec.Diversification)),
			rec.TotalValue.String(),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRecordsPNG(path string, records []storage.SnapshotRecord) error {
	if len(records) < 2 {
		return errors.New("png export needs at least two snapshots")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	riskScore := make([]float64, len(records))
	diversification := make([]float64, len(records))
	totalValue := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.AnalyzedAt
		riskScore[i] = float64(rec.RiskScore)
		diversification[i] = float64(rec.Diversification)
		totalValue[i] = rec.TotalValue.InexactFloat64()
	}

	bpFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Basis points",
			ValueFormatter: bpFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Total value (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Risk score",
				XValues: x,
				YValues: riskScore,
			},
			chart.TimeSeries{
				Name:    "Diversification",
				XValues: x,
				YValues: diversification,
			},
			chart.TimeSeries{
				Name:    "Total value",
				XValues: x,
				YValues: totalValue,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
