package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-market-etl/internal/records"
)

// TelegramChannel posts alerts through the Telegram Bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel builds a Telegram channel.
func NewTelegramChannel(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// botResponse is the Bot API envelope; description explains ok=false.
type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send calls sendMessage with the rendered alert.
func (c *TelegramChannel) Send(ctx context.Context, alert records.AlertPayload) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  renderMessage(alert),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := c.baseURL + "/bot" + c.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// the url embeds the bot token
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result botResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result)
	switch {
	case resp.StatusCode >= 300:
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	case decodeErr == nil && !result.OK:
		return fmt.Errorf("telegram rejected message: %s", result.Description)
	}

	c.logger.Debug().Str("run_id", alert.RunID).Str("chat_id", c.chatID).Msg("telegram message accepted")
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
