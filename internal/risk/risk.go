package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxBasisPoints is 100% on the basis-point scale.
const MaxBasisPoints BasisPoints = 10000

// ErrOutOfRange is returned for basis-point values outside [0, 10000].
var ErrOutOfRange = errors.New("basis points out of range")

// BasisPoints is an integer ratio where 10000 = 100%.
type BasisPoints int

// Valid reports whether bp lies within [0, 10000].
func (bp BasisPoints) Valid() bool {
	return bp >= 0 && bp <= MaxBasisPoints
}

// Validate returns ErrOutOfRange for invalid values.
func (bp BasisPoints) Validate() error {
	if !bp.Valid() {
		return fmt.Errorf("%w: %d", ErrOutOfRange, int(bp))
	}
	return nil
}

// Percent renders bp as a percentage string, e.g. 8200 -> "82.00".
func (bp BasisPoints) Percent() string {
	return decimal.New(int64(bp), -2).StringFixed(2)
}

// FromRatio converts a [0,1] ratio into clamped basis points.
func FromRatio(ratio float64) BasisPoints {
	v := BasisPoints(ratio*float64(MaxBasisPoints) + 0.5)
	if v < 0 {
		return 0
	}
	if v > MaxBasisPoints {
		return MaxBasisPoints
	}
	return v
}

// Position is a raw holding reported by the position provider.
type Position struct {
	ProtocolAddress string
	TokenAddress    string
	Amount          decimal.Decimal
}

// ValuedPosition is a position priced in USD.
type ValuedPosition struct {
	Position
	PriceUSD decimal.Decimal
	ValueUSD decimal.Decimal
}

// Exposure is the share of portfolio value held in one protocol.
type Exposure struct {
	ProtocolAddress string
	ValueUSD        decimal.Decimal
	Share           BasisPoints
}

// Summary is the set of analytics denormalised onto a portfolio. The four
// fields are always produced and persisted together.
type Summary struct {
	RiskScore       BasisPoints
	TotalValue      decimal.Decimal
	Diversification BasisPoints
	AnalyzedAt      time.Time
}

// Age returns how old the summary is at now.
func (s Summary) Age(now time.Time) time.Duration {
	return now.Sub(s.AnalyzedAt)
}

// Snapshot is an immutable analytics result for one portfolio.
type Snapshot struct {
	PortfolioID string
	Summary
	Exposures []Exposure
}

// ExposureTo returns the exposure for protocol, matching addresses case-insensitively.
func (s Snapshot) ExposureTo(protocol string) (Exposure, bool) {
	for _, e := range s.Exposures {
		if strings.EqualFold(e.ProtocolAddress, protocol) {
			return e, true
		}
	}
	return Exposure{}, false
}

// HasExposures reports whether per-protocol data is attached. Snapshots rebuilt
// from portfolio columns alone carry none.
func (s Snapshot) HasExposures() bool {
	return s.Exposures != nil
}

// Assessment is what a Model derives from priced positions.
type Assessment struct {
	RiskScore       BasisPoints
	TotalValue      decimal.Decimal
	Diversification BasisPoints
	Exposures       []Exposure
	HHI             float64
}

// Model turns priced positions into an assessment. Implementations must be pure.
type Model interface {
	Assess(positions []ValuedPosition) (Assessment, error)
}
