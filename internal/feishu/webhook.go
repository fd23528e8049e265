package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts notification cards to a group custom-bot
// webhook. Group bots cannot carry interactive buttons, so this channel
// is notify-only.
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
}

func NewWebhookNotifier(webhookURL string) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendCard posts a simple header-plus-markdown card.
func (n *WebhookNotifier) SendCard(ctx context.Context, title, text, template string) error {
	card := map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": template,
		},
		"elements": []any{
			map[string]any{
				"tag":  "div",
				"text": map[string]any{"tag": "lark_md", "content": text},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"msg_type": "interactive",
		"card":     card,
	})
	if err != nil {
		return fmt.Errorf("marshalling webhook card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook card: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding webhook response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("webhook rejected card: code %d: %s", result.Code, result.Msg)
	}
	return nil
}
