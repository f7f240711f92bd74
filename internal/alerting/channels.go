package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Destination schemes understood by the Router.
const (
	SchemeTelegram = "telegram"
	SchemeWebhook  = "webhook"
	SchemeLog      = "log"
)

// Router picks a channel by the destination's scheme prefix, e.g.
// "telegram:12345" or "webhook:https://example.com/hook".
type Router struct {
	channels map[string]Channel
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]Channel)}
}

// Handle registers ch for scheme.
func (r *Router) Handle(scheme string, ch Channel) *Router {
	r.channels[strings.ToLower(scheme)] = ch
	return r
}

// Schemes lists registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.channels))
	for s := range r.channels {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SplitDestination separates "scheme:target".
func SplitDestination(destination string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(strings.TrimSpace(destination), ":")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: destination %q has no scheme", ErrPermanent, destination)
	}
	return strings.ToLower(scheme), target, nil
}

// Send implements Channel.
func (r *Router) Send(ctx context.Context, destination string, msg Message) error {
	scheme, target, err := SplitDestination(destination)
	if err != nil {
		return err
	}
	ch, ok := r.channels[scheme]
	if !ok {
		return fmt.Errorf("%w: no channel for scheme %q", ErrPermanent, scheme)
	}
	return ch.Send(ctx, target, msg)
}

// WebhookChannel POSTs the message as JSON to the destination URL.
type WebhookChannel struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

// NewWebhookChannel builds a webhook channel.
func NewWebhookChannel(timeout time.Duration, userAgent string, logger zerolog.Logger) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "riskwatch/alerts"
	}
	return &WebhookChannel{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Send implements Channel.
func (w *WebhookChannel) Send(ctx context.Context, target string, msg Message) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid webhook url %q", ErrPermanent, target)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal webhook payload: %w", ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create webhook request: %w", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Idempotency-Key", msg.Key)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send webhook request: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("webhook", resp.StatusCode); err != nil {
		return err
	}
	w.logger.Info().Str("host", u.Host).Str("key", msg.Key).Msg("alert sent (webhook)")
	return nil
}

// LogChannel writes alerts to the log, useful for dry runs.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel builds a log channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send implements Channel.
func (l *LogChannel) Send(_ context.Context, target string, msg Message) error {
	l.logger.Warn().
		Str("target", target).
		Str("key", msg.Key).
		Str("subscription_id", msg.SubscriptionID).
		Str("portfolio_id", msg.PortfolioID).
		Str("alert_type", string(msg.AlertType)).
		Int("value_bp", int(msg.Value)).
		Int("threshold_bp", int(msg.Threshold)).
		Msg("alert")
	return nil
}

var (
	_ Channel = (*Router)(nil)
	_ Channel = (*WebhookChannel)(nil)
	_ Channel = (*LogChannel)(nil)
)
