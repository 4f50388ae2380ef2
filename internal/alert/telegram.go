package alert

import (
	"context"
	"fmt"
	"time"

	"spreadpilot/internal/config"

	"github.com/go-resty/resty/v2"
)

// Telegram pushes alert events to a chat or channel.
type Telegram struct {
	client   *resty.Client
	botToken string
	chatID   string
}

func NewTelegram(cfg config.Telegram) *Telegram {
	return &Telegram{
		client:   resty.New().SetBaseURL("https://api.telegram.org").SetTimeout(15 * time.Second),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
	}
}

// Publish sends the rendered event text, with up to 3 retries.
func (t *Telegram) Publish(ctx context.Context, ev Event) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram sink not configured")
	}

	payload := map[string]any{
		"chat_id": t.chatID,
		"text":    ev.Render(),
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		resp, err := t.client.R().
			SetContext(ctx).
			SetBody(payload).
			Post(fmt.Sprintf("/bot%s/sendMessage", t.botToken))
		if err == nil && !resp.IsError() {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode())
		}

		select {
		case <-time.After(time.Duration(i+1) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
