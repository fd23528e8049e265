// Package poller watches the bitable review table for rows an editor
// has flipped to approved, and drives the publish flow for each.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/feishu"
	"github.com/yxzhu/redpost/internal/storage"
)

// ReviewSource lists approved review rows and records outcomes.
type ReviewSource interface {
	ListApproved(ctx context.Context) ([]feishu.ReviewRecord, error)
	UpdateStatus(ctx context.Context, recordID, status, noteID, shareURL string) error
}

// Approver moves queue items to approved.
type Approver interface {
	Approve(ctx context.Context, id, actorID string) (storage.WorkItem, error)
}

// ItemPublisher publishes an approved item.
type ItemPublisher interface {
	Publish(ctx context.Context, id string) (storage.WorkItem, error)
}

type Worker struct {
	source    ReviewSource
	approver  Approver
	publisher ItemPublisher
	interval  time.Duration
	logger    *slog.Logger
}

func NewWorker(source ReviewSource, approver Approver, publisher ItemPublisher, interval time.Duration) *Worker {
	return &Worker{
		source:    source,
		approver:  approver,
		publisher: publisher,
		interval:  interval,
		logger:    slog.Default().With("component", "review-poller"),
	}
}

// Run polls until ctx is cancelled. A zero interval disables polling.
func (w *Worker) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	w.logger.Info("review poller started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("review poller stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("review poll failed", "error", err)
			}
		}
	}
}

// RunOnce processes every approved review row. Per-row failures are
// logged and do not stop the batch; only listing failures are returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	records, err := w.source.ListApproved(ctx)
	if err != nil {
		return fmt.Errorf("listing approved review rows: %w", err)
	}

	for _, record := range records {
		if record.ItemID == "" {
			w.logger.Warn("review row has no item id", "record_id", record.RecordID)
			continue
		}
		if err := w.processRecord(ctx, record); err != nil {
			w.logger.Error("processing review row failed",
				"record_id", record.RecordID, "item_id", record.ItemID, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) processRecord(ctx context.Context, record feishu.ReviewRecord) error {
	actor := record.Actor
	if actor == "" {
		actor = "bitable:" + record.RecordID
	}

	item, err := w.approver.Approve(ctx, record.ItemID, actor)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return err
	case errors.Is(err, approval.ErrAlreadyProcessed):
		// A previous poll may have finished the job; sync the row and
		// move on.
		switch item.Status {
		case storage.StatusPublished:
			return w.source.UpdateStatus(ctx, record.RecordID, feishu.BitableStatusPublished, item.NoteID, item.ShareURL)
		case storage.StatusApproved:
			// Fall through to publish below.
		default:
			w.logger.Info("review row references a settled item",
				"item_id", item.ID, "status", item.Status)
			return nil
		}
	case err != nil:
		return err
	}

	published, err := w.publisher.Publish(ctx, record.ItemID)
	if err != nil && !errors.Is(err, approval.ErrAlreadyProcessed) {
		reason := published.PublishError
		if reason == "" {
			reason = err.Error()
		}
		if uerr := w.source.UpdateStatus(ctx, record.RecordID, feishu.BitableStatusFailed, "", ""); uerr != nil {
			w.logger.Warn("updating review row failed", "record_id", record.RecordID, "error", uerr)
		}
		return fmt.Errorf("publishing %s: %s", record.ItemID, reason)
	}

	if published.Status == storage.StatusPublished {
		return w.source.UpdateStatus(ctx, record.RecordID, feishu.BitableStatusPublished, published.NoteID, published.ShareURL)
	}
	return nil
}
