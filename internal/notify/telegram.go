package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Notifier is the operator notification channel. Sends are fire-and-forget:
// a failed notification is logged and swallowed, never propagated into
// pipeline logic.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Telegram posts messages to a chat via the bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	logger   *log.Logger
}

// NewTelegram registers bot token and chat identifier. An empty token yields
// a notifier that only logs.
func NewTelegram(botToken, chatID string, logger *log.Logger) *Telegram {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Notify posts the message, logging and swallowing any failure.
func (t *Telegram) Notify(ctx context.Context, message string) {
	t.logger.Print(message)
	if t.botToken == "" || t.chatID == "" {
		return
	}
	if err := t.send(ctx, message); err != nil {
		t.logger.Printf("warn: notification failed: %v", err)
	}
}

func (t *Telegram) send(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}
