package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"riskwatch/internal/risk"
)

// Kind tags the variant held by an Envelope.
type Kind string

const (
	KindRiskSnapshot          Kind = "risk_snapshot"
	KindDiversificationReport Kind = "diversification_report"
)

// ErrMalformedEnvelope is returned when the tag and payload disagree.
var ErrMalformedEnvelope = errors.New("analytics: malformed envelope")

// DiversificationReport is the per-protocol weight breakdown behind a
// diversification score.
type DiversificationReport struct {
	PortfolioID     string
	HHI             float64
	Diversification risk.BasisPoints
	Weights         []risk.Exposure
	AnalyzedAt      time.Time
}

// Envelope is the typed cache value: exactly one variant is set, matching Kind.
type Envelope struct {
	Kind            Kind
	Snapshot        *risk.Snapshot
	Diversification *DiversificationReport
}

// SnapshotEnvelope wraps a snapshot.
func SnapshotEnvelope(s risk.Snapshot) Envelope {
	return Envelope{Kind: KindRiskSnapshot, Snapshot: &s}
}

// ReportEnvelope wraps a diversification report.
func ReportEnvelope(r DiversificationReport) Envelope {
	return Envelope{Kind: KindDiversificationReport, Diversification: &r}
}

// Validate checks the tag against the populated variant.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRiskSnapshot:
		if e.Snapshot == nil || e.Diversification != nil {
			return fmt.Errorf("%w: %s", ErrMalformedEnvelope, e.Kind)
		}
	case KindDiversificationReport:
		if e.Diversification == nil || e.Snapshot != nil {
			return fmt.Errorf("%w: %s", ErrMalformedEnvelope, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// EncodeEnvelope serialises e with msgpack.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(e)
}

// DecodeEnvelope parses a payload produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Decimals travel as strings and times as unix micros.
type wireExposure struct {
	Protocol string `msgpack:"p"`
	Value    string `msgpack:"v"`
	Share    int    `msgpack:"s"`
}

type wireSnapshot struct {
	PortfolioID     string         `msgpack:"id"`
	RiskScore       int            `msgpack:"r"`
	TotalValue      string         `msgpack:"t"`
	Diversification int            `msgpack:"d"`
	AnalyzedAt      int64          `msgpack:"at"`
	HasExposures    bool           `msgpack:"hx"`
	Exposures       []wireExposure `msgpack:"x"`
}

type wireReport struct {
	PortfolioID     string         `msgpack:"id"`
	HHI             float64        `msgpack:"h"`
	Diversification int            `msgpack:"d"`
	Weights         []wireExposure `msgpack:"w"`
	AnalyzedAt      int64          `msgpack:"at"`
}

type wireEnvelope struct {
	Kind            string        `msgpack:"k"`
	Snapshot        *wireSnapshot `msgpack:"s,omitempty"`
	Diversification *wireReport   `msgpack:"dr,omitempty"`
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (e Envelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	w := wireEnvelope{Kind: string(e.Kind)}
	if e.Snapshot != nil {
		s := e.Snapshot
		w.Snapshot = &wireSnapshot{
			PortfolioID:     s.PortfolioID,
			RiskScore:       int(s.RiskScore),
			TotalValue:      s.TotalValue.String(),
			Diversification: int(s.Diversification),
			AnalyzedAt:      s.AnalyzedAt.UnixMicro(),
			HasExposures:    s.HasExposures(),
			Exposures:       toWireExposures(s.Exposures),
		}
	}
	if e.Diversification != nil {
		r := e.Diversification
		w.Diversification = &wireReport{
			PortfolioID:     r.PortfolioID,
			HHI:             r.HHI,
			Diversification: int(r.Diversification),
			Weights:         toWireExposures(r.Weights),
			AnalyzedAt:      r.AnalyzedAt.UnixMicro(),
		}
	}
	return enc.Encode(w)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (e *Envelope) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return err
	}

	out := Envelope{Kind: Kind(w.Kind)}
	if ws := w.Snapshot; ws != nil {
		total, err := decimal.NewFromString(ws.TotalValue)
		if err != nil {
			return fmt.Errorf("parse total value: %w", err)
		}
		exposures, err := fromWireExposures(ws.Exposures)
		if err != nil {
			return err
		}
		if ws.HasExposures && exposures == nil {
			exposures = []risk.Exposure{}
		}
		if !ws.HasExposures {
			exposures = nil
		}
		out.Snapshot = &risk.Snapshot{
			PortfolioID: ws.PortfolioID,
			Summary: risk.Summary{
				RiskScore:       risk.BasisPoints(ws.RiskScore),
				TotalValue:      total,
				Diversification: risk.BasisPoints(ws.Diversification),
				AnalyzedAt:      time.UnixMicro(ws.AnalyzedAt).UTC(),
			},
			Exposures: exposures,
		}
	}
	if wr := w.Diversification; wr != nil {
		weights, err := fromWireExposures(wr.Weights)
		if err != nil {
			return err
		}
		out.Diversification = &DiversificationReport{
			PortfolioID:     wr.PortfolioID,
			HHI:             wr.HHI,
			Diversification: risk.BasisPoints(wr.Diversification),
			Weights:         weights,
			AnalyzedAt:      time.UnixMicro(wr.AnalyzedAt).UTC(),
		}
	}
	*e = out
	return nil
}

func toWireExposures(in []risk.Exposure) []wireExposure {
	if in == nil {
		return nil
	}
	out := make([]wireExposure, len(in))
	for i, x := range in {
		out[i] = wireExposure{Protocol: x.ProtocolAddress, Value: x.ValueUSD.String(), Share: int(x.Share)}
	}
	return out
}

func fromWireExposures(in []wireExposure) ([]risk.Exposure, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]risk.Exposure, len(in))
	for i, x := range in {
		v, err := decimal.NewFromString(x.Value)
		if err != nil {
			return nil, fmt.Errorf("parse exposure value: %w", err)
		}
		out[i] = risk.Exposure{ProtocolAddress: x.Protocol, ValueUSD: v, Share: risk.BasisPoints(x.Share)}
	}
	return out, nil
}

// reportFromSnapshot derives weights and HHI from exposure shares.
func reportFromSnapshot(s risk.Snapshot) DiversificationReport {
	var hhi float64
	for _, x := range s.Exposures {
		w := float64(x.Share) / float64(risk.MaxBasisPoints)
		hhi += w * w
	}
	return DiversificationReport{
		PortfolioID:     s.PortfolioID,
		HHI:             hhi,
		Diversification: s.Diversification,
		Weights:         append([]risk.Exposure(nil), s.Exposures...),
		AnalyzedAt:      s.AnalyzedAt,
	}
}
