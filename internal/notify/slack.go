package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, payload Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // L1 green
	switch payload.Level {
	case L2:
		color = "#ffcc00" // yellow
	case L3:
		color = "#ff6600" // orange
	case L4:
		color = "#8b0000" // dark red
	}

	var fields []map[string]interface{}
	for k, v := range payload.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	body := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", payload.Level, payload.Title),
				"text":    payload.Message,
				"fields":  fields,
				"ts":      payload.Timestamp.Unix(),
				"footer":  "Sanad Trader",
			},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook failed with status: %d", resp.StatusCode)
	}

	return nil
}
