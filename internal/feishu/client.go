// Package feishu talks to the Lark open platform: tenant token
// management, interactive approval cards, the group webhook, and the
// bitable review table. Only the handful of REST endpoints the pipeline
// needs are covered.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yxzhu/redpost/internal/storage"
)

const defaultBaseURL = "https://open.feishu.cn"

// tokenSlack renews the tenant token this long before its stated expiry.
const tokenSlack = 5 * time.Minute

// Client is an authenticated Lark API client with a cached tenant
// access token.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a Client. Credentials are required; callers should
// skip constructing a Client when the integration is not configured.
func NewClient(appID, appSecret string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBaseURL overrides the API host (used by tests).
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// TenantAccessToken returns a cached tenant token, fetching a fresh one
// when the cache is empty or near expiry.
func (c *Client) TenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting tenant token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Code != 0 {
		return "", fmt.Errorf("tenant token request failed: code %d: %s", tr.Code, tr.Msg)
	}

	c.token = tr.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(tr.Expire)*time.Second - tokenSlack)
	return c.token, nil
}

// receiveIDType infers the receive_id_type query parameter from the id
// shape: open ids start with ou_, chat ids with oc_.
func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	default:
		return "user_id"
	}
}

type sendMessageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// SendApprovalCard sends the interactive approve/reject card for an
// item to a user or chat and returns the message id.
func (c *Client) SendApprovalCard(ctx context.Context, receiveID string, item storage.WorkItem) (string, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return "", err
	}

	card, err := json.Marshal(approvalCard(item))
	if err != nil {
		return "", fmt.Errorf("marshalling card: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"receive_id": receiveID,
		"msg_type":   "interactive",
		"content":    string(card),
	})
	if err != nil {
		return "", fmt.Errorf("marshalling message: %w", err)
	}

	url := fmt.Sprintf("%s/open-apis/im/v1/messages?receive_id_type=%s", c.baseURL, receiveIDType(receiveID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending approval card: %w", err)
	}
	defer resp.Body.Close()

	var sr sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding send response: %w", err)
	}
	if sr.Code != 0 {
		return "", fmt.Errorf("send approval card failed: code %d: %s", sr.Code, sr.Msg)
	}
	return sr.Data.MessageID, nil
}
