package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/feishu"
	"github.com/yxzhu/redpost/internal/storage"
)

type fakeSource struct {
	mu      sync.Mutex
	records []feishu.ReviewRecord
	listErr error
	updates []update
}

type update struct {
	recordID string
	status   string
	noteID   string
	shareURL string
}

func (s *fakeSource) ListApproved(context.Context) ([]feishu.ReviewRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.records, nil
}

func (s *fakeSource) UpdateStatus(_ context.Context, recordID, status, noteID, shareURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{recordID, status, noteID, shareURL})
	return nil
}

type fakeApprover struct {
	items map[string]storage.WorkItem
	errs  map[string]error
	seen  []string
}

func (a *fakeApprover) Approve(_ context.Context, id, actorID string) (storage.WorkItem, error) {
	a.seen = append(a.seen, id+"/"+actorID)
	if err, ok := a.errs[id]; ok {
		return a.items[id], err
	}
	item := a.items[id]
	item.Status = storage.StatusApproved
	return item, nil
}

type fakePublisher struct {
	results map[string]storage.WorkItem
	errs    map[string]error
	calls   []string
}

func (p *fakePublisher) Publish(_ context.Context, id string) (storage.WorkItem, error) {
	p.calls = append(p.calls, id)
	return p.results[id], p.errs[id]
}

func publishedItem(id string) storage.WorkItem {
	item := storage.NewWorkItem("", "t", "b", nil)
	item.ID = id
	item.Status = storage.StatusPublished
	item.NoteID = "note_" + id
	item.ShareURL = "https://x.example/" + id
	return item
}

func TestRunOncePublishesApprovedRows(t *testing.T) {
	source := &fakeSource{records: []feishu.ReviewRecord{
		{RecordID: "rec1", ItemID: "a", Actor: "Alice"},
	}}
	approver := &fakeApprover{items: map[string]storage.WorkItem{"a": {ID: "a"}}}
	pub := &fakePublisher{results: map[string]storage.WorkItem{"a": publishedItem("a")}}
	w := NewWorker(source, approver, pub, time.Minute)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(approver.seen) != 1 || approver.seen[0] != "a/Alice" {
		t.Errorf("approvals = %v", approver.seen)
	}
	if len(pub.calls) != 1 || pub.calls[0] != "a" {
		t.Errorf("publishes = %v", pub.calls)
	}
	if len(source.updates) != 1 {
		t.Fatalf("updates = %v", source.updates)
	}
	u := source.updates[0]
	if u.status != feishu.BitableStatusPublished || u.noteID != "note_a" || u.shareURL != "https://x.example/a" {
		t.Errorf("update = %+v", u)
	}
}

func TestRunOnceSkipsRowsWithoutItemID(t *testing.T) {
	source := &fakeSource{records: []feishu.ReviewRecord{{RecordID: "rec1"}}}
	approver := &fakeApprover{items: map[string]storage.WorkItem{}}
	pub := &fakePublisher{}
	w := NewWorker(source, approver, pub, time.Minute)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(approver.seen) != 0 || len(pub.calls) != 0 {
		t.Errorf("row without item id was processed: %v %v", approver.seen, pub.calls)
	}
}

// TestRunOnceSyncsAlreadyPublished verifies that a row whose item was
// already published (say by a card click) just gets its status synced.
func TestRunOnceSyncsAlreadyPublished(t *testing.T) {
	source := &fakeSource{records: []feishu.ReviewRecord{
		{RecordID: "rec1", ItemID: "a"},
	}}
	approver := &fakeApprover{
		items: map[string]storage.WorkItem{"a": publishedItem("a")},
		errs:  map[string]error{"a": approval.ErrAlreadyProcessed},
	}
	pub := &fakePublisher{}
	w := NewWorker(source, approver, pub, time.Minute)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Errorf("publish called for settled item: %v", pub.calls)
	}
	if len(source.updates) != 1 || source.updates[0].status != feishu.BitableStatusPublished {
		t.Errorf("updates = %v", source.updates)
	}
}

func TestRunOnceRecordsPublishFailure(t *testing.T) {
	failed := storage.NewWorkItem("", "t", "b", nil)
	failed.ID = "a"
	failed.Status = storage.StatusPublishFailed
	failed.PublishError = "未登录"

	source := &fakeSource{records: []feishu.ReviewRecord{
		{RecordID: "rec1", ItemID: "a", Actor: "Alice"},
	}}
	approver := &fakeApprover{items: map[string]storage.WorkItem{"a": {ID: "a"}}}
	pub := &fakePublisher{
		results: map[string]storage.WorkItem{"a": failed},
		errs:    map[string]error{"a": errors.New("remote tool reported failure")},
	}
	w := NewWorker(source, approver, pub, time.Minute)

	// Per-row failures are logged, not returned.
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(source.updates) != 1 || source.updates[0].status != feishu.BitableStatusFailed {
		t.Errorf("updates = %v", source.updates)
	}
}

func TestRunOnceListFailure(t *testing.T) {
	source := &fakeSource{listErr: errors.New("bitable down")}
	w := NewWorker(source, &fakeApprover{}, &fakePublisher{}, time.Minute)

	if err := w.RunOnce(context.Background()); err == nil {
		t.Error("expected listing failure to propagate")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &fakeSource{}
	w := NewWorker(source, &fakeApprover{}, &fakePublisher{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
