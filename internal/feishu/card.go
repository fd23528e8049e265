package feishu

import (
	"fmt"
	"strings"
	"time"

	"github.com/yxzhu/redpost/internal/storage"
)

// approvalCard builds the interactive review card: header, content
// preview, tags, and approve/reject buttons whose values the callback
// handler parses back into a transition event.
func approvalCard(item storage.WorkItem) map[string]any {
	preview := item.Body
	if runes := []rune(preview); len(runes) > 200 {
		preview = string(runes[:200]) + "..."
	}

	tags := "无标签"
	if len(item.Tags) > 0 {
		shown := item.Tags
		if len(shown) > 5 {
			shown = shown[:5]
		}
		parts := make([]string, len(shown))
		for i, t := range shown {
			parts[i] = "#" + t
		}
		tags = strings.Join(parts, " ")
	}

	return map[string]any{
		"config": map[string]any{
			"wide_screen_mode": true,
			"enable_forward":   true,
		},
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": "📋 内容审核通知"},
			"subtitle": map[string]any{"tag": "plain_text", "content": "ID: " + item.ID},
			"template": "blue",
		},
		"elements": []any{
			markdownBlock(fmt.Sprintf("**📝 标题**\n%s", item.Title)),
			map[string]any{"tag": "hr"},
			markdownBlock(fmt.Sprintf("**📄 正文预览**\n%s", preview)),
			markdownBlock(fmt.Sprintf("**🏷️ 标签**\n%s", tags)),
			map[string]any{"tag": "hr"},
			map[string]any{
				"tag": "note",
				"elements": []any{
					map[string]any{
						"tag":     "plain_text",
						"content": "⏰ 生成时间: " + item.CreatedAt.Local().Format(time.DateTime),
					},
				},
			},
			map[string]any{
				"tag": "action",
				"actions": []any{
					cardButton("✅ 通过", "primary", "approve", item.ID),
					cardButton("❌ 不通过", "danger", "reject", item.ID),
				},
			},
			map[string]any{
				"tag": "note",
				"elements": []any{
					map[string]any{
						"tag":     "plain_text",
						"content": "💡 点击「通过」将自动发布到小红书",
					},
				},
			},
		},
	}
}

func markdownBlock(content string) map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"tag": "lark_md", "content": content},
	}
}

func cardButton(label, style, action, itemID string) map[string]any {
	return map[string]any{
		"tag":  "button",
		"text": map[string]any{"tag": "plain_text", "content": label},
		"type": style,
		"value": map[string]any{
			"action":  action,
			"item_id": itemID,
		},
	}
}

// ToastResponse is the ack body a card callback expects; it shows a
// transient toast to the clicking user.
func ToastResponse(toastType, message string) map[string]any {
	return map[string]any{
		"toast": map[string]any{
			"type":    toastType,
			"content": message,
		},
	}
}
