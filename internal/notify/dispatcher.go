// Package notify relays work-item lifecycle events to humans. Delivery
// failures are logged and never fail the transition that produced them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yxzhu/redpost/internal/storage"
)

// EventKind identifies a lifecycle transition worth telling a human about.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventApproved      EventKind = "approved"
	EventRejected      EventKind = "rejected"
	EventPublished     EventKind = "published"
	EventPublishFailed EventKind = "publish_failed"
)

// Dispatcher receives transition events. Implementations must not block
// the caller on slow channels beyond their own HTTP timeouts, and must
// swallow delivery errors (log, don't propagate).
type Dispatcher interface {
	Dispatch(ctx context.Context, kind EventKind, item storage.WorkItem, detail string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Dispatch(context.Context, EventKind, storage.WorkItem, string) {}

// CardSender posts a notification card to a chat channel. Satisfied by
// feishu.WebhookNotifier.
type CardSender interface {
	SendCard(ctx context.Context, title, text, template string) error
}

// ChannelDispatcher formats events as chat cards and sends them through
// a CardSender.
type ChannelDispatcher struct {
	sender CardSender
	logger *slog.Logger
}

func NewChannelDispatcher(sender CardSender) *ChannelDispatcher {
	return &ChannelDispatcher{sender: sender, logger: slog.Default()}
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, kind EventKind, item storage.WorkItem, detail string) {
	title, text, template := formatEvent(kind, item, detail)
	if err := d.sender.SendCard(ctx, title, text, template); err != nil {
		d.logger.Warn("notification delivery failed", "kind", string(kind), "item_id", item.ID, "error", err)
	}
}

func formatEvent(kind EventKind, item storage.WorkItem, detail string) (title, text, template string) {
	switch kind {
	case EventCreated:
		return "📋 新内容待审核",
			fmt.Sprintf("**%s**\n\n%s\n\nID: %s", item.Title, preview(item.Body, 150), item.ID),
			"blue"
	case EventApproved:
		return "✅ 已通过审核",
			fmt.Sprintf("**%s**\n\n已由 %s 审核通过，正在发布", item.Title, detail),
			"green"
	case EventRejected:
		return "❌ 已拒绝",
			fmt.Sprintf("**%s**\n\n已由 %s 拒绝，不会发布", item.Title, detail),
			"red"
	case EventPublished:
		text := fmt.Sprintf("**%s**\n\n笔记ID: %s", item.Title, item.NoteID)
		if item.ShareURL != "" {
			text += "\n" + item.ShareURL
		}
		return "🎉 发布成功", text, "green"
	case EventPublishFailed:
		return "⚠️ 发布失败",
			fmt.Sprintf("**%s**\n\n%s\n\n可重新审核后重试", item.Title, detail),
			"orange"
	default:
		return string(kind), item.Title, "blue"
	}
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
