package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, payload Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch payload.Level {
	case L2:
		icon = "⚠️"
	case L3:
		icon = "❗"
	case L4:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, payload.Level, payload.Title, payload.Message)
	if len(payload.Fields) > 0 {
		text += "\n"
		for k, v := range payload.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	body := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}

	return nil
}
