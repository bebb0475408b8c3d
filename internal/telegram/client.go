// Package telegram implements the Bot API client and the chat command
// surface for driving the monitor from a group.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultAPIBase is the public Bot API host. Tests point the client at an
// httptest server instead.
const DefaultAPIBase = "https://api.telegram.org"

const (
	sendTimeout = 10 * time.Second
	pollTimeout = 30 * time.Second

	// Server-side long-poll wait. Shorter than the client timeout so a
	// healthy poll never races the transport deadline.
	longPollSeconds = 25

	maxMessageLen   = 4096
	truncateReserve = 100
	truncateNotice  = "\n\n... [消息已截断，请查看日志获取完整信息]"
)

// Update is one inbound event from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of the Bot API message object the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type apiError struct {
	status      int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram api: status %d: %s", e.status, e.description)
}

// Client is a Bot API client for a single bot token. Sends run behind a
// circuit breaker so a Telegram outage cannot pile up blocked cycles.
type Client struct {
	baseURL string
	send    *http.Client
	poll    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient builds a client against the given API base, usually
// DefaultAPIBase.
func NewClient(apiBase, token string, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(apiBase, "/") + "/bot" + token,
		send:    &http.Client{Timeout: sendTimeout},
		poll:    &http.Client{Timeout: pollTimeout},
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "telegram-send",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("telegram send breaker state changed",
				"from", from.String(), "to", to.String())
		},
		// Client-side mistakes (bad Markdown and such) must not open the
		// breaker; only transport failures and server trouble count.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ae *apiError
			if errors.As(err, &ae) {
				return ae.status >= 400 && ae.status < 500 && ae.status != http.StatusTooManyRequests
			}
			return false
		},
	})
	return c
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	ReplyToMessageID      int64  `json:"reply_to_message_id,omitempty"`
}

// SendMessage delivers Markdown text to a chat, truncating anything past the
// Telegram length cap. When Telegram rejects the Markdown with a 400 the
// same text is retried once as plain text.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	return c.sendWithFallback(ctx, chatID, text, 0, "Markdown", true)
}

// Reply behaves like SendMessage but threads the send under the message
// that triggered it.
func (c *Client) Reply(ctx context.Context, chatID, text string, replyTo int64) error {
	return c.sendWithFallback(ctx, chatID, text, replyTo, "Markdown", true)
}

// SendRaw delivers text with the caller's parse mode (empty means plain) and
// link-preview setting. The HTTP relay uses it, since the payload dictates
// the formatting there.
func (c *Client) SendRaw(ctx context.Context, chatID, text, parseMode string, disablePreview bool) error {
	return c.sendWithFallback(ctx, chatID, text, 0, parseMode, disablePreview)
}

func (c *Client) sendWithFallback(ctx context.Context, chatID, text string, replyTo int64, parseMode string, disablePreview bool) error {
	err := c.doSend(ctx, chatID, text, replyTo, parseMode, disablePreview)
	var ae *apiError
	if parseMode != "" && errors.As(err, &ae) && ae.status == http.StatusBadRequest {
		c.logger.Info("parse mode rejected, resending as plain text", "chat_id", chatID)
		return c.doSend(ctx, chatID, text, replyTo, "", disablePreview)
	}
	return err
}

func (c *Client) doSend(ctx context.Context, chatID, text string, replyTo int64, parseMode string, disablePreview bool) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  truncateMessage(text),
		ParseMode:             parseMode,
		DisableWebPagePreview: disablePreview,
		ReplyToMessageID:      replyTo,
	})
	if err != nil {
		return fmt.Errorf("encoding sendMessage request: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendMessage", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.send.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sending message: %w", err)
		}
		defer resp.Body.Close()

		var parsed apiResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
			if resp.StatusCode != http.StatusOK {
				return nil, &apiError{status: resp.StatusCode}
			}
			return nil, fmt.Errorf("decoding sendMessage response: %w", err)
		}
		if resp.StatusCode != http.StatusOK || !parsed.OK {
			return nil, &apiError{status: resp.StatusCode, description: parsed.Description}
		}
		return nil, nil
	})
	return err
}

// GetUpdates long-polls for inbound updates past the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	url := fmt.Sprintf("%s/getUpdates?offset=%d&timeout=%d", c.baseURL, offset, longPollSeconds)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.poll.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling updates: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding getUpdates response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return nil, &apiError{status: resp.StatusCode, description: parsed.Description}
	}

	var updates []Update
	if err := json.Unmarshal(parsed.Result, &updates); err != nil {
		return nil, fmt.Errorf("decoding updates: %w", err)
	}
	return updates, nil
}

// GetMe fetches the bot's own identity. Called once at startup as a
// connectivity and token check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getMe", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.send.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checking bot identity: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding getMe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return nil, &apiError{status: resp.StatusCode, description: parsed.Description}
	}

	var me User
	if err := json.Unmarshal(parsed.Result, &me); err != nil {
		return nil, fmt.Errorf("decoding bot identity: %w", err)
	}
	return &me, nil
}

func truncateMessage(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLen {
		return text
	}
	return string(runes[:maxMessageLen-truncateReserve]) + truncateNotice
}
