package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/storage"
)

const testToken = "test-token"

// memStore backs both the read API and the approval router in tests.
type memStore struct {
	mu    sync.Mutex
	items map[string]storage.WorkItem
}

func newMemStore(items ...storage.WorkItem) *memStore {
	s := &memStore{items: make(map[string]storage.WorkItem)}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

func (s *memStore) GetItem(id string) (storage.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return storage.WorkItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (s *memStore) UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return storage.WorkItem{}, storage.ErrNotFound
	}
	if err := mutate(&item); err != nil {
		return s.items[id], err
	}
	s.items[id] = item
	return item, nil
}

func (s *memStore) ListItems(status storage.Status, _ int) ([]storage.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []storage.WorkItem
	for _, item := range s.items {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *memStore) Stats() (storage.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats storage.QueueStats
	for _, item := range s.items {
		switch item.Status {
		case storage.StatusPending:
			stats.Pending++
		case storage.StatusApproved:
			stats.Approved++
		case storage.StatusPublished:
			stats.Published++
		}
	}
	return stats, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	item      storage.WorkItem
	err       error
	loggedIn  bool
	done      chan string
}

func (p *fakePublisher) Publish(_ context.Context, id string) (storage.WorkItem, error) {
	p.mu.Lock()
	p.published = append(p.published, id)
	p.mu.Unlock()
	if p.done != nil {
		p.done <- id
	}
	return p.item, p.err
}

func (p *fakePublisher) PublishOldestApproved(ctx context.Context) (storage.WorkItem, error) {
	return p.Publish(ctx, "oldest")
}

func (p *fakePublisher) CheckLogin(context.Context) (bool, error) {
	return p.loggedIn, nil
}

type fakeGenerator struct {
	item storage.WorkItem
	err  error
}

func (g *fakeGenerator) GenerateOnce(_ context.Context, keyword string) (storage.WorkItem, error) {
	if g.err != nil {
		return storage.WorkItem{}, g.err
	}
	item := g.item
	item.Keyword = keyword
	return item, nil
}

type fakeTools struct {
	tools []mcp.Tool
	err   error
}

func (f *fakeTools) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, f.err
}

func pendingItem(id string) storage.WorkItem {
	item := storage.NewWorkItem("kw", "标题", "正文", nil)
	item.ID = id
	return item
}

type testEnv struct {
	store   *memStore
	pub     *fakePublisher
	handler http.Handler
}

func newTestEnv(items []storage.WorkItem, opts ...Option) *testEnv {
	store := newMemStore(items...)
	pub := &fakePublisher{}
	router := approval.NewRouter(store, nil)
	handler := NewHandler(store, router, pub, &fakeTools{}, testToken, opts...)
	return &testEnv{store: store, pub: pub, handler: handler}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(nil)
	w := env.request(t, "GET", "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	env := newTestEnv(nil)

	w := env.request(t, "GET", "/api/stats", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}

	w = env.request(t, "GET", "/api/stats", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", w.Code)
	}
}

func TestListQueueFilters(t *testing.T) {
	approved := pendingItem("b")
	approved.Status = storage.StatusApproved
	env := newTestEnv([]storage.WorkItem{pendingItem("a"), approved})

	w := env.request(t, "GET", "/api/queue?status=approved", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[struct {
		Items []storage.WorkItem `json:"items"`
	}](t, w)
	if len(body.Items) != 1 || body.Items[0].ID != "b" {
		t.Errorf("items = %+v", body.Items)
	}

	w = env.request(t, "GET", "/api/queue?status=bogus", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", w.Code)
	}
}

func TestGetItem(t *testing.T) {
	env := newTestEnv([]storage.WorkItem{pendingItem("a")})

	w := env.request(t, "GET", "/api/queue/a", nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	w = env.request(t, "GET", "/api/queue/missing", nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing item = %d, want 404", w.Code)
	}
}

func TestApproveEndpoint(t *testing.T) {
	env := newTestEnv([]storage.WorkItem{pendingItem("a")})

	w := env.request(t, "POST", "/api/queue/a/approve", map[string]string{"actor": "alice"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody[struct {
		Item storage.WorkItem `json:"item"`
	}](t, w)
	if body.Item.Status != storage.StatusApproved || body.Item.ApprovedBy != "alice" {
		t.Errorf("item = %+v", body.Item)
	}

	// A duplicate approval is benign, not an error status.
	w = env.request(t, "POST", "/api/queue/a/approve", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate approve = %d, want 200", w.Code)
	}
	dup := decodeBody[struct {
		AlreadyProcessed bool `json:"already_processed"`
	}](t, w)
	if !dup.AlreadyProcessed {
		t.Error("already_processed flag missing on duplicate approve")
	}
}

func TestRejectEndpoint(t *testing.T) {
	env := newTestEnv([]storage.WorkItem{pendingItem("a")})

	w := env.request(t, "POST", "/api/queue/a/reject", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[struct {
		Item storage.WorkItem `json:"item"`
	}](t, w)
	if body.Item.Status != storage.StatusRejected {
		t.Errorf("status = %q", body.Item.Status)
	}
}

func TestPublishEndpointExplicitID(t *testing.T) {
	env := newTestEnv(nil)
	env.pub.item = pendingItem("a")
	env.pub.item.Status = storage.StatusPublished

	w := env.request(t, "POST", "/api/publish", map[string]string{"id": "a"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.pub.published) != 1 || env.pub.published[0] != "a" {
		t.Errorf("published = %v", env.pub.published)
	}
}

func TestPublishEndpointOldest(t *testing.T) {
	env := newTestEnv(nil)

	env.request(t, "POST", "/api/publish", nil, true)
	if len(env.pub.published) != 1 || env.pub.published[0] != "oldest" {
		t.Errorf("published = %v, want fallback to oldest approved", env.pub.published)
	}
}

func TestPublishEndpointFailure(t *testing.T) {
	env := newTestEnv(nil)
	failed := pendingItem("a")
	failed.Status = storage.StatusPublishFailed
	failed.PublishError = "未登录"
	env.pub.item = failed
	env.pub.err = errors.New("remote tool reported failure: 未登录")

	w := env.request(t, "POST", "/api/publish", map[string]string{"id": "a"}, true)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	body := decodeBody[struct {
		Item storage.WorkItem `json:"item"`
	}](t, w)
	if body.Item.Status != storage.StatusPublishFailed {
		t.Errorf("item = %+v", body.Item)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	env := newTestEnv(nil)
	w := env.request(t, "POST", "/api/generate", nil, true)
	if w.Code != http.StatusConflict {
		t.Errorf("without generator = %d, want 409", w.Code)
	}

	gen := &fakeGenerator{item: pendingItem("g")}
	env = newTestEnv(nil, WithGenerator(gen))
	w = env.request(t, "POST", "/api/generate", map[string]string{"keyword": "咖啡"}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[struct {
		Item storage.WorkItem `json:"item"`
	}](t, w)
	if body.Item.Keyword != "咖啡" {
		t.Errorf("keyword = %q", body.Item.Keyword)
	}
}

func TestCallbackChallengeEcho(t *testing.T) {
	env := newTestEnv(nil)

	w := env.request(t, "POST", "/api/feishu/callback", map[string]string{"challenge": "c-1"}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[map[string]string](t, w)
	if body["challenge"] != "c-1" {
		t.Errorf("challenge = %q", body["challenge"])
	}

	// The event webhook route answers the same verification.
	w = env.request(t, "POST", "/api/feishu/webhook", map[string]string{"challenge": "c-2"}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", w.Code)
	}
	body = decodeBody[map[string]string](t, w)
	if body["challenge"] != "c-2" {
		t.Errorf("webhook challenge = %q", body["challenge"])
	}
}

func TestCallbackApproveTriggersPublish(t *testing.T) {
	env := newTestEnv([]storage.WorkItem{pendingItem("a")})
	env.pub.done = make(chan string, 1)

	payload := map[string]any{
		"header": map[string]any{"event_type": "card.action.trigger"},
		"event": map[string]any{
			"operator": map[string]any{"open_id": "ou_alice"},
			"user":     map[string]any{"open_id": "ou_alice", "name": "Alice"},
			"action": map[string]any{
				"value": map[string]any{"action": "approve", "item_id": "a"},
			},
		},
	}
	w := env.request(t, "POST", "/api/feishu/callback", payload, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "toast") {
		t.Errorf("body = %s, want toast ack", w.Body.String())
	}

	item, err := env.store.GetItem("a")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != storage.StatusApproved {
		t.Errorf("status = %q, want approved", item.Status)
	}
	if item.ApprovedBy != "Alice" {
		t.Errorf("approved_by = %q", item.ApprovedBy)
	}

	select {
	case id := <-env.pub.done:
		if id != "a" {
			t.Errorf("published %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("approval did not trigger a publish")
	}
}

// TestCallbackDuplicateClickIsBenign verifies the second click on the
// same card gets an informational toast and a 200.
func TestCallbackDuplicateClickIsBenign(t *testing.T) {
	item := pendingItem("a")
	item.Status = storage.StatusPublished
	env := newTestEnv([]storage.WorkItem{item})

	payload := map[string]any{
		"header": map[string]any{"event_type": "card.action.trigger"},
		"event": map[string]any{
			"operator": map[string]any{"open_id": "ou_alice"},
			"action": map[string]any{
				"value": map[string]any{"action": "approve", "item_id": "a"},
			},
		},
	}
	w := env.request(t, "POST", "/api/feishu/callback", payload, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(env.pub.published) != 0 {
		t.Errorf("published = %v, want none", env.pub.published)
	}
}

func TestCallbackIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(nil)
	payload := map[string]any{
		"header": map[string]any{"event_type": "im.message.receive_v1"},
		"event":  map[string]any{},
	}
	w := env.request(t, "POST", "/api/feishu/callback", payload, false)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestToolsEndpoint(t *testing.T) {
	store := newMemStore()
	tools := &fakeTools{tools: []mcp.Tool{{Name: "publish_note"}, {Name: "upload_image"}}}
	handler := NewHandler(store, approval.NewRouter(store, nil), &fakePublisher{}, tools, testToken)
	env := &testEnv{store: store, handler: handler}

	w := env.request(t, "GET", "/api/tools", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "publish_note") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCheckLoginEndpoint(t *testing.T) {
	env := newTestEnv(nil)
	env.pub.loggedIn = true

	w := env.request(t, "GET", "/api/login", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[map[string]bool](t, w)
	if !body["logged_in"] {
		t.Error("logged_in = false")
	}
}

func TestSendApprovalEndpointUnconfigured(t *testing.T) {
	env := newTestEnv([]storage.WorkItem{pendingItem("a")})

	w := env.request(t, "POST", "/api/queue/a/send-approval", nil, true)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when messaging is unconfigured", w.Code)
	}
}

type stubApprovalSender struct {
	receiveID string
	itemID    string
}

func (s *stubApprovalSender) SendApprovalCard(_ context.Context, receiveID string, item storage.WorkItem) (string, error) {
	s.receiveID = receiveID
	s.itemID = item.ID
	return "om_42", nil
}

// TestSendApprovalEndpointPersistsMessageID verifies the card message
// id is written back to the item, not just returned to the caller.
func TestSendApprovalEndpointPersistsMessageID(t *testing.T) {
	sender := &stubApprovalSender{}
	env := newTestEnv([]storage.WorkItem{pendingItem("a")},
		WithApprovalCards(sender, "ou_reviewer"))

	w := env.request(t, "POST", "/api/queue/a/send-approval", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody[map[string]string](t, w)
	if body["message_id"] != "om_42" {
		t.Errorf("message_id = %q", body["message_id"])
	}
	if sender.receiveID != "ou_reviewer" || sender.itemID != "a" {
		t.Errorf("card sent to %q for %q", sender.receiveID, sender.itemID)
	}

	item, err := env.store.GetItem("a")
	if err != nil {
		t.Fatal(err)
	}
	if item.SourceChannelRef != "om_42" {
		t.Errorf("persisted source channel ref = %q, want om_42", item.SourceChannelRef)
	}
}
