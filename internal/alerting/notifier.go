package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTransient marks a delivery failure worth retrying.
	ErrTransient = errors.New("alerting: transient delivery failure")
	// ErrPermanent marks a delivery failure that retrying cannot fix.
	ErrPermanent = errors.New("alerting: permanent delivery failure")
)

// Channel delivers a message to a channel-specific destination. Errors
// wrapping ErrPermanent stop retries; anything else is retried.
type Channel interface {
	Send(ctx context.Context, destination string, msg Message) error
}

// classifyStatus maps an HTTP status to a delivery error class.
func classifyStatus(service string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s status %d", ErrTransient, service, code)
	default:
		return fmt.Errorf("%w: %s status %d", ErrPermanent, service, code)
	}
}

// TelegramChannel pushes messages through the Bot API. The destination is
// the chat id.
type TelegramChannel struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel builds a Telegram channel.
func NewTelegramChannel(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send calls sendMessage with the rendered text.
func (n *TelegramChannel) Send(ctx context.Context, chatID string, msg Message) error {
	if n.botToken == "" {
		return fmt.Errorf("%w: telegram bot token not configured", ErrPermanent)
	}
	if chatID == "" {
		return fmt.Errorf("%w: empty telegram chat id", ErrPermanent)
	}

	payload := map[string]string{
		"chat_id": chatID,
		"text":    renderMessage(msg),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal telegram payload: %w", ErrPermanent, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create telegram request: %w", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send telegram request: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("telegram", resp.StatusCode); err != nil {
		return err
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("%w: telegram ok=false: %s", ErrPermanent, result.Description)
		}
	}

	n.logger.Info().
		Str("subscription_id", msg.SubscriptionID).
		Str("alert_type", string(msg.AlertType)).
		Str("key", msg.Key).
		Msg("alert sent (telegram)")
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
