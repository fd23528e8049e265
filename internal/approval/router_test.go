package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yxzhu/redpost/internal/notify"
	"github.com/yxzhu/redpost/internal/storage"
)

// fakeStore is an in-memory ItemStore with the same UpdateItem contract
// as the SQLite store: mutate errors leave the item unchanged and
// return the current copy.
type fakeStore struct {
	mu    sync.Mutex
	items map[string]storage.WorkItem
}

func newFakeStore(items ...storage.WorkItem) *fakeStore {
	s := &fakeStore{items: make(map[string]storage.WorkItem)}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

func (s *fakeStore) GetItem(id string) (storage.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return storage.WorkItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (s *fakeStore) UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error) {
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

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.EventKind
}

func (d *recordingDispatcher) Dispatch(_ context.Context, kind notify.EventKind, _ storage.WorkItem, _ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, kind)
}

func pendingItem(id string) storage.WorkItem {
	item := storage.NewWorkItem("kw", "title", "body", nil)
	item.ID = id
	return item
}

func TestApprovePending(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	dispatcher := &recordingDispatcher{}
	router := NewRouter(store, dispatcher)

	item, err := router.Approve(context.Background(), "a", "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if item.Status != storage.StatusApproved {
		t.Errorf("status = %q, want approved", item.Status)
	}
	if item.ApprovedBy != "alice" {
		t.Errorf("approved_by = %q, want alice", item.ApprovedBy)
	}
	if item.ApprovedAt == nil {
		t.Error("approved_at not set")
	}
	if len(dispatcher.events) != 1 || dispatcher.events[0] != notify.EventApproved {
		t.Errorf("events = %v, want [approved]", dispatcher.events)
	}
}

func TestApproveTwiceIsBenign(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)

	if _, err := router.Approve(context.Background(), "a", "alice"); err != nil {
		t.Fatalf("first Approve: %v", err)
	}

	item, err := router.Approve(context.Background(), "a", "bob")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second Approve = %v, want ErrAlreadyProcessed", err)
	}
	if item.ApprovedBy != "alice" {
		t.Errorf("approved_by = %q, first actor must win", item.ApprovedBy)
	}
}

func TestApproveRetriesFailedPublish(t *testing.T) {
	item := pendingItem("a")
	item.Status = storage.StatusPublishFailed
	item.PublishError = "not logged in"
	store := newFakeStore(item)
	router := NewRouter(store, nil)

	got, err := router.Approve(context.Background(), "a", "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != storage.StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
	if got.PublishError != "" {
		t.Errorf("publish_error = %q, want cleared", got.PublishError)
	}
}

func TestApproveNotFound(t *testing.T) {
	router := NewRouter(newFakeStore(), nil)

	_, err := router.Approve(context.Background(), "missing", "alice")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Approve(missing) = %v, want ErrNotFound", err)
	}
}

func TestRejectPending(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	dispatcher := &recordingDispatcher{}
	router := NewRouter(store, dispatcher)

	item, err := router.Reject(context.Background(), "a", "alice")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if item.Status != storage.StatusRejected {
		t.Errorf("status = %q, want rejected", item.Status)
	}
	if item.RejectedAt == nil {
		t.Error("rejected_at not set")
	}
}

// TestRejectIsTerminal verifies that neither approve nor reject can move
// a rejected item.
func TestRejectIsTerminal(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)

	if _, err := router.Reject(context.Background(), "a", "alice"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := router.Approve(context.Background(), "a", "bob"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Approve after reject = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := router.Reject(context.Background(), "a", "bob"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Reject after reject = %v, want ErrAlreadyProcessed", err)
	}
}

func TestRejectApprovedIsBenign(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)

	if _, err := router.Approve(context.Background(), "a", "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := router.Reject(context.Background(), "a", "bob"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Reject after approve = %v, want ErrAlreadyProcessed", err)
	}
}

func TestMarkPublished(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	dispatcher := &recordingDispatcher{}
	router := NewRouter(store, dispatcher)
	ctx := context.Background()

	if _, err := router.Approve(ctx, "a", "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	unlock := router.LockItem("a")
	item, err := router.MarkPublished(ctx, "a", "note_1", "https://example.com/1")
	unlock()
	if err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if item.Status != storage.StatusPublished || item.NoteID != "note_1" {
		t.Errorf("item = %+v", item)
	}
	if item.PublishedAt == nil {
		t.Error("published_at not set")
	}
}

func TestMarkPublishFailedKeepsRetryPath(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)
	ctx := context.Background()

	if _, err := router.Approve(ctx, "a", "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	unlock := router.LockItem("a")
	item, err := router.MarkPublishFailed(ctx, "a", "upstream says no")
	unlock()
	if err != nil {
		t.Fatalf("MarkPublishFailed: %v", err)
	}
	if item.Status != storage.StatusPublishFailed {
		t.Errorf("status = %q, want publish_failed", item.Status)
	}
	if item.PublishError != "upstream says no" {
		t.Errorf("publish_error = %q", item.PublishError)
	}

	// The failure is retryable through a fresh approval.
	if _, err := router.Approve(ctx, "a", "alice"); err != nil {
		t.Errorf("Approve after failure: %v", err)
	}
}

func TestMarkPublishedRequiresApproved(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)

	unlock := router.LockItem("a")
	defer unlock()
	if _, err := router.MarkPublished(context.Background(), "a", "n", "u"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("MarkPublished on pending = %v, want ErrAlreadyProcessed", err)
	}
}

func TestApplyUnknownAction(t *testing.T) {
	router := NewRouter(newFakeStore(pendingItem("a")), nil)

	if _, err := router.Apply(context.Background(), "destroy", "a", "alice"); err == nil {
		t.Error("expected error for unknown action")
	}
}

// TestConcurrentApproveOneWinner races many approvals of the same item
// and verifies exactly one caller performs the transition.
func TestConcurrentApproveOneWinner(t *testing.T) {
	store := newFakeStore(pendingItem("a"))
	router := NewRouter(store, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = router.Approve(context.Background(), "a", "actor")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyProcessed):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}
