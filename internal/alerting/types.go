// Package alerting evaluates alert subscriptions against risk snapshots and
// delivers notifications for breaches at least once.
package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

// ErrEvaluation marks a subscription that cannot be evaluated.
var ErrEvaluation = errors.New("alerting: evaluation error")

// AlertType is the closed set of supported alert rules.
type AlertType string

const (
	RiskThreshold       AlertType = "RISK_THRESHOLD"
	LiquidationWarning  AlertType = "LIQUIDATION_WARNING"
	DiversificationDrop AlertType = "DIVERSIFICATION_DROP"
	ProtocolExposure    AlertType = "PROTOCOL_EXPOSURE"
)

// AlertTypes lists every supported type.
func AlertTypes() []AlertType {
	return []AlertType{RiskThreshold, LiquidationWarning, DiversificationDrop, ProtocolExposure}
}

// rule derives a metric from a snapshot and tests it against a threshold.
type rule struct {
	metric        string
	needsProtocol bool
	value         func(snap risk.Snapshot, protocol string) (risk.BasisPoints, bool)
	breached      func(value, threshold risk.BasisPoints) bool
}

var rules = map[AlertType]rule{
	RiskThreshold: {
		metric: "risk_score",
		value: func(s risk.Snapshot, _ string) (risk.BasisPoints, bool) {
			return s.RiskScore, true
		},
		breached: func(v, th risk.BasisPoints) bool { return v >= th },
	},
	LiquidationWarning: {
		metric: "headroom",
		value: func(s risk.Snapshot, _ string) (risk.BasisPoints, bool) {
			return risk.MaxBasisPoints - s.RiskScore, true
		},
		breached: func(v, th risk.BasisPoints) bool { return v <= th },
	},
	DiversificationDrop: {
		metric: "diversification",
		value: func(s risk.Snapshot, _ string) (risk.BasisPoints, bool) {
			return s.Diversification, true
		},
		breached: func(v, th risk.BasisPoints) bool { return v < th },
	},
	ProtocolExposure: {
		metric:        "protocol_share",
		needsProtocol: true,
		value: func(s risk.Snapshot, protocol string) (risk.BasisPoints, bool) {
			e, ok := s.ExposureTo(protocol)
			return e.Share, ok
		},
		breached: func(v, th risk.BasisPoints) bool { return v >= th },
	},
}

func init() {
	if len(rules) != len(AlertTypes()) {
		panic(fmt.Sprintf("alerting: %d rules for %d alert types", len(rules), len(AlertTypes())))
	}
	for _, t := range AlertTypes() {
		r, ok := rules[t]
		if !ok || r.value == nil || r.breached == nil {
			panic("alerting: incomplete rule for " + string(t))
		}
	}
}

// ParseAlertType accepts the stored code, ignoring case and surrounding space.
func ParseAlertType(s string) (AlertType, error) {
	t := AlertType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rules[t]; !ok {
		return "", fmt.Errorf("%w: unknown alert type %q", ErrEvaluation, s)
	}
	return t, nil
}

// ValidateSubscription checks a subscription can be evaluated.
func ValidateSubscription(sub storage.AlertSubscription) (AlertType, error) {
	t, err := ParseAlertType(sub.AlertType)
	if err != nil {
		return "", err
	}
	if !sub.Threshold.Valid() {
		return "", fmt.Errorf("%w: threshold %d outside [0, %d]", ErrEvaluation, int(sub.Threshold), int(risk.MaxBasisPoints))
	}
	if sub.CooldownMinutes < 0 {
		return "", fmt.Errorf("%w: negative cooldown %d", ErrEvaluation, sub.CooldownMinutes)
	}
	if rules[t].needsProtocol && strings.TrimSpace(sub.ProtocolAddress) == "" {
		return "", fmt.Errorf("%w: %s requires a protocol address", ErrEvaluation, t)
	}
	if strings.TrimSpace(sub.Destination) == "" {
		return "", fmt.Errorf("%w: missing destination", ErrEvaluation)
	}
	return t, nil
}

// Verdict is the result of applying a rule to one snapshot.
type Verdict struct {
	Type      AlertType
	Metric    string
	Value     risk.BasisPoints
	Threshold risk.BasisPoints
	// Applicable is false when the snapshot lacks the data the rule needs or
	// holds no position in the subscription's protocol.
	Applicable bool
	Breached   bool
}

// Evaluate applies the subscription's rule to snap.
func Evaluate(snap risk.Snapshot, sub storage.AlertSubscription) (Verdict, error) {
	t, err := ValidateSubscription(sub)
	if err != nil {
		return Verdict{}, err
	}
	r := rules[t]
	v := Verdict{Type: t, Metric: r.metric, Threshold: sub.Threshold}

	if sub.ProtocolAddress != "" {
		if !snap.HasExposures() {
			return v, nil
		}
		if _, ok := snap.ExposureTo(sub.ProtocolAddress); !ok {
			return v, nil
		}
	}

	value, ok := r.value(snap, sub.ProtocolAddress)
	if !ok {
		return v, nil
	}
	v.Value = value
	v.Applicable = true
	v.Breached = r.breached(value, sub.Threshold)
	return v, nil
}

// Message is the payload delivered for one fired subscription.
type Message struct {
	Key             string           `json:"idempotency_key"`
	SubscriptionID  string           `json:"subscription_id"`
	PortfolioID     string           `json:"portfolio_id"`
	AlertType       AlertType        `json:"alert_type"`
	ProtocolAddress string           `json:"protocol_address,omitempty"`
	Metric          string           `json:"metric"`
	Value           risk.BasisPoints `json:"value_bp"`
	Threshold       risk.BasisPoints `json:"threshold_bp"`
	RiskScore       risk.BasisPoints `json:"risk_score_bp"`
	TotalValue      decimal.Decimal  `json:"total_value_usd"`
	AnalyzedAt      time.Time        `json:"analyzed_at"`
	TriggeredAt     time.Time        `json:"triggered_at"`
}

// Request asks the dispatcher to deliver msg to destination.
type Request struct {
	Destination string
	Message     Message
}

// IdempotencyKey identifies one firing: the subscription and the trigger
// timestamp written by the cooldown CAS.
func IdempotencyKey(subscriptionID string, triggeredAt time.Time) string {
	return fmt.Sprintf("%s:%d", subscriptionID, triggeredAt.UnixNano())
}

func renderMessage(msg Message) string {
	var b strings.Builder
	b.WriteString("[riskwatch alert]\n")
	fmt.Fprintf(&b, "Type: %s\n", msg.AlertType)
	fmt.Fprintf(&b, "Portfolio: %s\n", msg.PortfolioID)
	if msg.ProtocolAddress != "" {
		fmt.Fprintf(&b, "Protocol: %s\n", msg.ProtocolAddress)
	}
	fmt.Fprintf(&b, "%s: %s%% (threshold %s%%)\n", msg.Metric, msg.Value.Percent(), msg.Threshold.Percent())
	fmt.Fprintf(&b, "Risk score: %s%%\n", msg.RiskScore.Percent())
	fmt.Fprintf(&b, "Total value: %s USD\n", msg.TotalValue.StringFixed(2))
	fmt.Fprintf(&b, "Analyzed: %s UTC\n", msg.AnalyzedAt.UTC().Format(time.RFC3339))
	return b.String()
}
