package risk

import (
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ConcentrationOptions tune ConcentrationModel.
type ConcentrationOptions struct {
	// ProtocolRisk maps a protocol address (lowercase hex) to its standalone risk.
	ProtocolRisk map[string]BasisPoints
	// DefaultProtocolRisk applies to protocols missing from ProtocolRisk.
	DefaultProtocolRisk BasisPoints
	// ConcentrationWeight is the share of the score driven by HHI; the rest comes
	// from the value-weighted protocol risk. Must be within [0,1].
	ConcentrationWeight float64
}

// ConcentrationModel scores a portfolio by blending value-weighted protocol risk
// with Herfindahl concentration over protocol weights. Diversification is
// reported as 10000 x (1 - HHI).
type ConcentrationModel struct {
	opts ConcentrationOptions
}

// NewConcentrationModel validates options and builds the model.
func NewConcentrationModel(opts ConcentrationOptions) (*ConcentrationModel, error) {
	if opts.ConcentrationWeight < 0 || opts.ConcentrationWeight > 1 {
		return nil, errors.New("concentration weight must be within [0,1]")
	}
	if err := opts.DefaultProtocolRisk.Validate(); err != nil {
		return nil, err
	}
	normalised := make(map[string]BasisPoints, len(opts.ProtocolRisk))
	for addr, bp := range opts.ProtocolRisk {
		if err := bp.Validate(); err != nil {
			return nil, err
		}
		normalised[strings.ToLower(addr)] = bp
	}
	opts.ProtocolRisk = normalised
	return &ConcentrationModel{opts: opts}, nil
}

// Assess implements Model.
func (m *ConcentrationModel) Assess(positions []ValuedPosition) (Assessment, error) {
	byProtocol := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, p := range positions {
		if p.ValueUSD.IsNegative() {
			return Assessment{}, errors.New("negative position value")
		}
		key := strings.ToLower(p.ProtocolAddress)
		byProtocol[key] = byProtocol[key].Add(p.ValueUSD)
		total = total.Add(p.ValueUSD)
	}

	exposures := make([]Exposure, 0, len(byProtocol))
	if total.IsZero() {
		return Assessment{TotalValue: total, Exposures: exposures}, nil
	}

	for addr, value := range byProtocol {
		exposures = append(exposures, Exposure{ProtocolAddress: addr, ValueUSD: value})
	}
	sort.Slice(exposures, func(i, j int) bool {
		if c := exposures[i].ValueUSD.Cmp(exposures[j].ValueUSD); c != 0 {
			return c > 0
		}
		return exposures[i].ProtocolAddress < exposures[j].ProtocolAddress
	})

	weights := make([]float64, len(exposures))
	protocolRisk := make([]float64, len(exposures))
	for i := range exposures {
		weights[i] = exposures[i].ValueUSD.Div(total).InexactFloat64()
		exposures[i].Share = FromRatio(weights[i])
		protocolRisk[i] = float64(m.riskOf(exposures[i].ProtocolAddress)) / float64(MaxBasisPoints)
	}

	hhi := floats.Dot(weights, weights)
	weightedRisk := stat.Mean(protocolRisk, weights)
	score := (1-m.opts.ConcentrationWeight)*weightedRisk + m.opts.ConcentrationWeight*hhi

	return Assessment{
		RiskScore:       FromRatio(score),
		TotalValue:      total,
		Diversification: FromRatio(1 - hhi),
		Exposures:       exposures,
		HHI:             hhi,
	}, nil
}

func (m *ConcentrationModel) riskOf(protocol string) BasisPoints {
	if bp, ok := m.opts.ProtocolRisk[protocol]; ok {
		return bp
	}
	return m.opts.DefaultProtocolRisk
}

var _ Model = (*ConcentrationModel)(nil)
