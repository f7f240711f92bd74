package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"riskwatch/internal/cache"
)

const pricePath = "/price"

// HTTPPriceOptions parameterise the HTTP price source.
type HTTPPriceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	RetryMax  int
	RetryWait time.Duration
}

// HTTPPrices queries GET {base}/price?token=... for {"usd": "..."}.
type HTTPPrices struct {
	opts    HTTPPriceOptions
	logger  zerolog.Logger
	client  *retryablehttp.Client
	baseURL string
}

// NewHTTPPrices constructs an HTTP price source with bounded retries.
func NewHTTPPrices(opts HTTPPriceOptions, logger zerolog.Logger) *HTTPPrices {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	if opts.RetryMax > 0 {
		client.RetryMax = opts.RetryMax
	}
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	if opts.RetryWait > 0 {
		client.RetryWaitMin = opts.RetryWait
		client.RetryWaitMax = opts.RetryWait
	}
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &HTTPPrices{
		opts:    opts,
		logger:  logger.With().Str("component", "http_prices").Logger(),
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type priceResponse struct {
	USD string `json:"usd"`
}

type priceErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// GetPrice implements PriceProvider.
func (h *HTTPPrices) GetPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	if h.baseURL == "" {
		return decimal.Decimal{}, errors.New("price base url not configured")
	}
	token = normalizeToken(token)
	if token == "" {
		return decimal.Decimal{}, errors.New("token address required")
	}

	endpoint := h.baseURL + pricePath + "?token=" + url.QueryEscape(token)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "riskwatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	case resp.StatusCode != http.StatusOK:
		return decimal.Decimal{}, parsePriceError(resp.StatusCode, payload)
	}

	var res priceResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}
	price, err := decimal.NewFromString(res.USD)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price: %w", err)
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative price for %s", token)
	}
	return price, nil
}

func parsePriceError(status int, payload []byte) error {
	var apiErr priceErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

// StaticPrices serves fixed quotes, e.g. stablecoin pegs.
type StaticPrices struct {
	prices map[string]decimal.Decimal
}

// NewStaticPrices parses token -> price strings.
func NewStaticPrices(prices map[string]string) (*StaticPrices, error) {
	out := make(map[string]decimal.Decimal, len(prices))
	for token, raw := range prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse static price for %s: %w", token, err)
		}
		out[normalizeToken(token)] = price
	}
	return &StaticPrices{prices: out}, nil
}

// GetPrice implements PriceProvider.
func (s *StaticPrices) GetPrice(_ context.Context, token string) (decimal.Decimal, error) {
	price, ok := s.prices[normalizeToken(token)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return price, nil
}

// CachedPrices memoises another source in an expiring cache.
type CachedPrices struct {
	source PriceProvider
	cache  cache.Cache[decimal.Decimal]
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedPrices wraps source with c. Entries live for ttl.
func NewCachedPrices(source PriceProvider, c cache.Cache[decimal.Decimal], ttl time.Duration, logger zerolog.Logger) *CachedPrices {
	return &CachedPrices{
		source: source,
		cache:  c,
		ttl:    ttl,
		logger: logger.With().Str("component", "cached_prices").Logger(),
	}
}

// GetPrice implements PriceProvider.
func (c *CachedPrices) GetPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	key := "price:" + normalizeToken(token)
	if price, err := c.cache.Get(ctx, key); err == nil {
		return price, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return decimal.Decimal{}, err
	}

	price, err := c.source.GetPrice(ctx, token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := c.cache.Set(ctx, key, price, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("token", token).Msg("price cache write failed")
	}
	return price, nil
}

var (
	_ PriceProvider = (*HTTPPrices)(nil)
	_ PriceProvider = (*StaticPrices)(nil)
	_ PriceProvider = (*CachedPrices)(nil)
)
