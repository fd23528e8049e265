package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSendCard(t *testing.T) {
	var got struct {
		MsgType string `json:"msg_type"`
		Card    struct {
			Header struct {
				Template string `json:"template"`
				Title    struct {
					Content string `json:"content"`
				} `json:"title"`
			} `json:"header"`
		} `json:"card"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.SendCard(context.Background(), "🎉 发布成功", "**标题**", "green"); err != nil {
		t.Fatalf("SendCard: %v", err)
	}
	if got.MsgType != "interactive" {
		t.Errorf("msg_type = %q", got.MsgType)
	}
	if got.Card.Header.Title.Content != "🎉 发布成功" || got.Card.Header.Template != "green" {
		t.Errorf("card header = %+v", got.Card.Header)
	}
}

func TestWebhookSendCardRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 19001, "msg": "sign mismatch"})
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.SendCard(context.Background(), "t", "x", "blue"); err == nil {
		t.Error("expected error for non-zero code")
	}
}
