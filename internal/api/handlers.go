// Package api exposes the management REST API and the messaging
// callback endpoint. Everything under /api except the callback requires
// the bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/feishu"
	"github.com/yxzhu/redpost/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// publishTimeout bounds a publish triggered from a card click, which
// runs detached from the callback request.
const publishTimeout = 5 * time.Minute

// QueueStore is the slice of the queue the API serves; transitions go
// through the approval router, UpdateItem only records channel metadata.
type QueueStore interface {
	GetItem(id string) (storage.WorkItem, error)
	UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error)
	ListItems(status storage.Status, limit int) ([]storage.WorkItem, error)
	Stats() (storage.QueueStats, error)
}

// Publisher drives the remote publish flow.
type Publisher interface {
	Publish(ctx context.Context, id string) (storage.WorkItem, error)
	PublishOldestApproved(ctx context.Context) (storage.WorkItem, error)
	CheckLogin(ctx context.Context) (bool, error)
}

// Generating produces a new pending item on demand.
type Generating interface {
	GenerateOnce(ctx context.Context, keyword string) (storage.WorkItem, error)
}

// ToolLister exposes the remote tool catalog.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// ApprovalSender sends an interactive approval card for an item.
type ApprovalSender interface {
	SendApprovalCard(ctx context.Context, receiveID string, item storage.WorkItem) (string, error)
}

type Handler struct {
	store     QueueStore
	router    *approval.Router
	publisher Publisher
	generator Generating // nil when drafting is not configured
	tools     ToolLister
	approvals ApprovalSender // nil when the messaging bot is not configured
	receiver  string
	logger    *slog.Logger
}

type Option func(*Handler)

// WithGenerator enables the on-demand generation endpoint.
func WithGenerator(g Generating) Option {
	return func(h *Handler) { h.generator = g }
}

// WithApprovalCards enables re-sending approval cards to receiveID.
func WithApprovalCards(sender ApprovalSender, receiveID string) Option {
	return func(h *Handler) {
		h.approvals = sender
		h.receiver = receiveID
	}
}

func NewHandler(store QueueStore, router *approval.Router, pub Publisher, tools ToolLister, token string, opts ...Option) http.Handler {
	h := &Handler{
		store:     store,
		router:    router,
		publisher: pub,
		tools:     tools,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	// Card-action callback and event webhook carry the same envelope;
	// the platform verifies both endpoints with a challenge.
	r.Post("/api/feishu/callback", h.handleCallback)
	r.Post("/api/feishu/webhook", h.handleCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Get("/stats", h.handleStats)
		r.Get("/queue", h.handleListQueue)
		r.Get("/queue/{id}", h.handleGetItem)
		r.Post("/queue/{id}/approve", h.handleApprove)
		r.Post("/queue/{id}/reject", h.handleReject)
		r.Post("/queue/{id}/send-approval", h.handleSendApproval)
		r.Post("/publish", h.handlePublish)
		r.Post("/generate", h.handleGenerate)
		r.Get("/tools", h.handleTools)
		r.Get("/login", h.handleCheckLogin)
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status := storage.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
		return
	}

	items, err := h.store.ListItems(status, 100)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "listing queue: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetItem(chi.URLParam(r, "id"))
	if err != nil {
		writeItemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	decodeOptionalBody(r, &req)
	if req.Actor == "" {
		req.Actor = "api"
	}

	item, err := h.router.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if errors.Is(err, approval.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusOK, map[string]any{"item": item, "already_processed": true})
		return
	}
	if err != nil {
		writeItemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	decodeOptionalBody(r, &req)
	if req.Actor == "" {
		req.Actor = "api"
	}

	item, err := h.router.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if errors.Is(err, approval.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusOK, map[string]any{"item": item, "already_processed": true})
		return
	}
	if err != nil {
		writeItemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (h *Handler) handleSendApproval(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil || h.receiver == "" {
		httpError(w, http.StatusConflict, "invalid_request_error", "messaging bot is not configured")
		return
	}

	item, err := h.store.GetItem(chi.URLParam(r, "id"))
	if err != nil {
		writeItemError(w, err)
		return
	}

	messageID, err := h.approvals.SendApprovalCard(r.Context(), h.receiver, item)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "sending approval card: %v", err)
		return
	}

	if _, err := h.store.UpdateItem(item.ID, func(it *storage.WorkItem) error {
		it.SourceChannelRef = messageID
		return nil
	}); err != nil {
		h.logger.Warn("recording card message id failed", "item_id", item.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": messageID})
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	decodeOptionalBody(r, &req)

	var (
		item storage.WorkItem
		err  error
	)
	if req.ID != "" {
		item, err = h.publisher.Publish(r.Context(), req.ID)
	} else {
		item, err = h.publisher.PublishOldestApproved(r.Context())
	}

	switch {
	case errors.Is(err, approval.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, map[string]any{"item": item, "already_processed": true})
	case errors.Is(err, storage.ErrNotFound):
		writeItemError(w, err)
	case err != nil:
		// The item carries the recorded failure; surface both.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"item":  item,
			"error": map[string]any{"message": err.Error(), "type": "publish_error"},
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	}
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		httpError(w, http.StatusConflict, "invalid_request_error", "content generation is not configured")
		return
	}

	var req struct {
		Keyword string `json:"keyword"`
	}
	decodeOptionalBody(r, &req)

	item, err := h.generator.GenerateOnce(r.Context(), req.Keyword)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "generating content: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (h *Handler) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.tools.ListTools(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "listing remote tools: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *Handler) handleCheckLogin(w http.ResponseWriter, r *http.Request) {
	loggedIn, err := h.publisher.CheckLogin(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "checking login: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged_in": loggedIn})
}

// handleCallback serves the messaging platform webhook: URL
// verification challenges and card button clicks. The platform retries
// on non-200, so action errors are reported as toasts, not statuses.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading callback body: %v", err)
		return
	}

	challenge, action, err := feishu.DecodeCallback(body)
	if err != nil {
		h.logger.Warn("undecodable callback", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	if challenge != "" {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
		return
	}
	if action == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	actor := action.ActorID
	if action.ActorName != "" {
		actor = action.ActorName
	}

	item, err := h.router.Apply(r.Context(), action.Action, action.ItemID, actor)
	switch {
	case errors.Is(err, approval.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, feishu.ToastResponse("info",
			fmt.Sprintf("该内容已处理（当前状态：%s）", item.Status)))
		return
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusOK, feishu.ToastResponse("error", "内容不存在或已删除"))
		return
	case err != nil:
		h.logger.Error("card action failed", "action", action.Action, "item_id", action.ItemID, "error", err)
		writeJSON(w, http.StatusOK, feishu.ToastResponse("error", "操作失败，请稍后重试"))
		return
	}

	if action.Action == approval.ActionApprove {
		// Publishing can take minutes; run it detached so the card
		// click gets its toast immediately.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if _, err := h.publisher.Publish(ctx, id); err != nil && !errors.Is(err, approval.ErrAlreadyProcessed) {
				h.logger.Error("publish after approval failed", "item_id", id, "error", err)
			}
		}(item.ID)
		writeJSON(w, http.StatusOK, feishu.ToastResponse("success", "✅ 已通过，正在发布…"))
		return
	}
	writeJSON(w, http.StatusOK, feishu.ToastResponse("success", "已拒绝该内容"))
}

// decodeOptionalBody fills req from the body when one is present; an
// empty body leaves req zero-valued.
func decodeOptionalBody(r *http.Request, req any) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(req)
}

func writeItemError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "no such item")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
