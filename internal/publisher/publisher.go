// Package publisher turns an approved work item into a RedNote post
// through the remote tool session: resolve images, compose the final
// text, invoke publish_note, record the result. One explicit trigger
// means at most one publish_note call; duplicates serialize on the
// router's per-item lock and then see the final status.
package publisher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/mcprpc"
	"github.com/yxzhu/redpost/internal/storage"
)

// ErrNoValidMedia is returned when every image reference of an item
// failed to resolve; the publish tool requires at least one image, so
// no publish call is attempted.
var ErrNoValidMedia = errors.New("no valid media")

// DomainError means the remote tool ran and answered, but its payload
// reports a failure. Protocol-level problems are *mcprpc.ProtocolError /
// *mcprpc.TransportError instead.
type DomainError struct {
	Raw string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("remote tool reported failure: %s", firstLine(e.Raw))
}

// ToolCaller is the slice of the remote session the publisher needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
}

// ItemStore reads and claims items; satisfied by *storage.Store.
type ItemStore interface {
	GetItem(id string) (storage.WorkItem, error)
	UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error)
	OldestWithStatus(status storage.Status) (storage.WorkItem, error)
}

const (
	toolUploadImage = "upload_image"
	toolPublishNote = "publish_note"
	toolCheckLogin  = "check_login"
)

// Publisher orchestrates publish attempts. Failures terminate the
// attempt with PublishFailed on the item; retries are explicit, never
// automatic.
type Publisher struct {
	session ToolCaller
	store   ItemStore
	router  *approval.Router
	logger  *slog.Logger
}

func New(session ToolCaller, store ItemStore, router *approval.Router) *Publisher {
	return &Publisher{
		session: session,
		store:   store,
		router:  router,
		logger:  slog.Default(),
	}
}

// Publish runs one publish attempt for the item. The item must be
// Approved; PublishFailed is accepted as an explicit retry. Any other
// state returns the current item with approval.ErrAlreadyProcessed so
// duplicate triggers stay benign.
func (p *Publisher) Publish(ctx context.Context, id string) (storage.WorkItem, error) {
	unlock := p.router.LockItem(id)
	defer unlock()

	item, err := p.store.GetItem(id)
	if err != nil {
		return storage.WorkItem{}, err
	}

	switch item.Status {
	case storage.StatusApproved:
	case storage.StatusPublishFailed:
		// Explicit re-publish: reclaim the approved state first.
		item, err = p.store.UpdateItem(id, func(it *storage.WorkItem) error {
			if it.Status != storage.StatusPublishFailed {
				return approval.ErrAlreadyProcessed
			}
			it.Status = storage.StatusApproved
			it.PublishError = ""
			return nil
		})
		if err != nil {
			return item, err
		}
	default:
		return item, approval.ErrAlreadyProcessed
	}

	images := p.resolveImages(ctx, item.ID, item.Images)
	if len(images) == 0 {
		item, _ = p.router.MarkPublishFailed(ctx, id, "no valid media: every image reference failed to resolve")
		return item, ErrNoValidMedia
	}

	content := ComposeContent(item.Body, item.Tags)

	result, err := p.session.CallTool(ctx, toolPublishNote, map[string]any{
		"title":   item.Title,
		"content": content,
		"images":  images,
	})
	if err != nil {
		item, _ = p.router.MarkPublishFailed(ctx, id, err.Error())
		return item, fmt.Errorf("calling %s: %w", toolPublishNote, err)
	}

	text := mcprpc.ResultText(result)
	outcome := ParseOutcome(text)
	if result.IsError || !outcome.OK {
		item, _ = p.router.MarkPublishFailed(ctx, id, firstLine(text))
		return item, &DomainError{Raw: text}
	}

	item, err = p.router.MarkPublished(ctx, id, outcome.NoteID, outcome.ShareURL)
	if err != nil {
		return item, err
	}
	return item, nil
}

// PublishOldestApproved publishes the least recently approved item, the
// behavior of the original bulk publish trigger.
func (p *Publisher) PublishOldestApproved(ctx context.Context) (storage.WorkItem, error) {
	item, err := p.store.OldestWithStatus(storage.StatusApproved)
	if err != nil {
		return storage.WorkItem{}, err
	}
	return p.Publish(ctx, item.ID)
}

// CheckLogin asks the remote side whether its RedNote session is live.
func (p *Publisher) CheckLogin(ctx context.Context) (bool, error) {
	result, err := p.session.CallTool(ctx, toolCheckLogin, nil)
	if err != nil {
		return false, err
	}
	text := mcprpc.ResultText(result)
	return strings.Contains(text, "已登录") || strings.Contains(strings.ToLower(text), "logged in"), nil
}

// resolveImages keeps remote URLs as-is and uploads local files through
// the upload tool. A failed upload drops that image with a warning; the
// caller decides what an empty result means.
func (p *Publisher) resolveImages(ctx context.Context, itemID string, refs []string) []string {
	var resolved []string
	for _, ref := range refs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			resolved = append(resolved, ref)
			continue
		}

		url, err := p.uploadImage(ctx, ref)
		if err != nil {
			p.logger.Warn("dropping image", "item_id", itemID, "image", ref, "error", err)
			continue
		}
		resolved = append(resolved, url)
	}
	return resolved
}

func (p *Publisher) uploadImage(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(path), base64.StdEncoding.EncodeToString(data))
	result, err := p.session.CallTool(ctx, toolUploadImage, map[string]any{
		"image_data": dataURI,
	})
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", toolUploadImage, err)
	}

	url := strings.TrimSpace(mcprpc.ResultText(result))
	if result.IsError || url == "" || !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("upload tool returned no usable url: %q", firstLine(url))
	}
	return url, nil
}

// ComposeContent appends a #tag block to the body unless the tags are
// already embedded.
func ComposeContent(body string, tags []string) string {
	content := strings.TrimSpace(body)
	if len(tags) == 0 {
		return content
	}

	tokens := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ReplaceAll(tag, "#", ""))
		if tag != "" {
			tokens = append(tokens, "#"+tag)
		}
	}
	if len(tokens) == 0 {
		return content
	}

	block := strings.Join(tokens, " ")
	if strings.Contains(content, block) {
		return content
	}
	return content + "\n\n" + block
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if runes := []rune(s); len(runes) > max {
		s = string(runes[:max])
	}
	return s
}
