package claims

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

// ErrInvalidPayout is returned when a calculator yields a payout outside
// [0, coverage].
var ErrInvalidPayout = errors.New("claims: payout outside coverage")

// PayoutCalculator prices a breached policy.
type PayoutCalculator interface {
	Payout(policy storage.InsurancePolicy, snap risk.Snapshot) (decimal.Decimal, error)
}

// FullCoverage pays the full coverage amount.
type FullCoverage struct{}

// Payout implements PayoutCalculator.
func (FullCoverage) Payout(p storage.InsurancePolicy, _ risk.Snapshot) (decimal.Decimal, error) {
	return p.CoverageAmount, nil
}

// SeverityScaled pays coverage in proportion to how far the risk score sits
// between the threshold and 100%, never below Floor of coverage.
type SeverityScaled struct {
	Floor float64
}

// Payout implements PayoutCalculator.
func (s SeverityScaled) Payout(p storage.InsurancePolicy, snap risk.Snapshot) (decimal.Decimal, error) {
	if s.Floor < 0 || s.Floor > 1 {
		return decimal.Zero, fmt.Errorf("severity floor %.4f outside [0, 1]", s.Floor)
	}
	span := risk.MaxBasisPoints - p.RiskThreshold
	ratio := decimal.NewFromInt(1)
	if span > 0 {
		ratio = decimal.NewFromInt(int64(snap.RiskScore - p.RiskThreshold)).Div(decimal.NewFromInt(int64(span)))
	}
	floor := decimal.NewFromFloat(s.Floor)
	if ratio.LessThan(floor) {
		ratio = floor
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return p.CoverageAmount.Mul(ratio).Round(18), nil
}

// NewPayoutCalculator selects a calculator by name: "full" or "severity".
func NewPayoutCalculator(name string, floor float64) (PayoutCalculator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "full":
		return FullCoverage{}, nil
	case "severity":
		if floor < 0 || floor > 1 {
			return nil, fmt.Errorf("severity floor %.4f outside [0, 1]", floor)
		}
		return SeverityScaled{Floor: floor}, nil
	default:
		return nil, fmt.Errorf("unknown payout calculator %q", name)
	}
}

func validatePayout(p storage.InsurancePolicy, payout decimal.Decimal) error {
	if payout.IsNegative() || payout.GreaterThan(p.CoverageAmount) {
		return fmt.Errorf("%w: %s of %s", ErrInvalidPayout, payout, p.CoverageAmount)
	}
	return nil
}
