package fetcher

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
)

// ErrUnknownToken is returned when a price source has no quote for a token.
var ErrUnknownToken = errors.New("fetcher: no price for token")

// PositionProvider lists the holdings of a portfolio.
type PositionProvider interface {
	GetPositions(ctx context.Context, portfolioID string) ([]risk.Position, error)
}

// PriceProvider returns the USD price of one token unit.
type PriceProvider interface {
	GetPrice(ctx context.Context, token string) (decimal.Decimal, error)
}

func normalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}
