// Package approval owns the work-item state machine. Every channel —
// HTTP API, Feishu card callback, event webhook, bitable poller — parses
// its payload into (action, itemID, actorID) and calls the same Router,
// so transition rules live in exactly one place.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yxzhu/redpost/internal/notify"
	"github.com/yxzhu/redpost/internal/storage"
)

// ErrAlreadyProcessed is returned when an item is no longer in a state
// the requested transition applies to. It is benign: duplicate webhook
// deliveries and double-clicks land here and must not surface as
// failures to the channel.
var ErrAlreadyProcessed = errors.New("already processed")

// Channel actions understood by Apply.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// ItemStore is the slice of the storage layer the router needs.
type ItemStore interface {
	GetItem(id string) (storage.WorkItem, error)
	UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error)
}

// Router applies approve/reject/publish transitions. Transitions on a
// single item id are linearized through a per-item lock; there is no
// ordering guarantee across different ids.
type Router struct {
	store    ItemStore
	notifier notify.Dispatcher
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewRouter creates a Router. notifier may be nil, in which case
// transition notifications are skipped.
func NewRouter(store ItemStore, notifier notify.Dispatcher) *Router {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Router{
		store:    store,
		notifier: notifier,
		locks:    newKeyedMutex(),
		logger:   slog.Default(),
	}
}

// LockItem acquires the transition lock for an item id and returns the
// unlock function. The publish orchestrator holds this lock across its
// whole upload-and-publish sequence so a duplicate trigger for the same
// id blocks and then observes the final status.
func (r *Router) LockItem(id string) func() {
	return r.locks.Lock(id)
}

// Approve moves a Pending (or, for an explicit retry, PublishFailed)
// item to Approved, recording the actor. If the item is in any other
// state the current item is returned with ErrAlreadyProcessed.
func (r *Router) Approve(ctx context.Context, id, actorID string) (storage.WorkItem, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	item, err := r.store.UpdateItem(id, func(it *storage.WorkItem) error {
		switch it.Status {
		case storage.StatusPending, storage.StatusPublishFailed:
		default:
			return ErrAlreadyProcessed
		}
		now := time.Now().UTC()
		it.Status = storage.StatusApproved
		if it.ApprovedAt == nil {
			it.ApprovedAt = &now
		}
		if it.ApprovedBy == "" {
			it.ApprovedBy = actorID
		}
		it.PublishError = ""
		return nil
	})
	if err != nil {
		return item, err
	}

	r.logger.Info("item approved", "item_id", id, "actor", actorID)
	r.notifier.Dispatch(ctx, notify.EventApproved, item, actorID)
	return item, nil
}

// Reject moves a Pending item to Rejected. Rejection is terminal; the
// row stays in the store for bookkeeping.
func (r *Router) Reject(ctx context.Context, id, actorID string) (storage.WorkItem, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	item, err := r.store.UpdateItem(id, func(it *storage.WorkItem) error {
		if it.Status != storage.StatusPending {
			return ErrAlreadyProcessed
		}
		now := time.Now().UTC()
		it.Status = storage.StatusRejected
		if it.RejectedAt == nil {
			it.RejectedAt = &now
		}
		return nil
	})
	if err != nil {
		return item, err
	}

	r.logger.Info("item rejected", "item_id", id, "actor", actorID)
	r.notifier.Dispatch(ctx, notify.EventRejected, item, actorID)
	return item, nil
}

// MarkPublished records a successful publish. The caller must hold the
// item lock (see LockItem).
func (r *Router) MarkPublished(ctx context.Context, id, noteID, shareURL string) (storage.WorkItem, error) {
	item, err := r.store.UpdateItem(id, func(it *storage.WorkItem) error {
		if it.Status != storage.StatusApproved {
			return ErrAlreadyProcessed
		}
		now := time.Now().UTC()
		it.Status = storage.StatusPublished
		if it.PublishedAt == nil {
			it.PublishedAt = &now
		}
		it.NoteID = noteID
		it.ShareURL = shareURL
		it.PublishError = ""
		return nil
	})
	if err != nil {
		return item, err
	}

	r.logger.Info("item published", "item_id", id, "note_id", noteID)
	r.notifier.Dispatch(ctx, notify.EventPublished, item, shareURL)
	return item, nil
}

// MarkPublishFailed records a failed publish attempt, leaving the item
// eligible for a manual retry. The caller must hold the item lock.
func (r *Router) MarkPublishFailed(ctx context.Context, id, reason string) (storage.WorkItem, error) {
	item, err := r.store.UpdateItem(id, func(it *storage.WorkItem) error {
		if it.Status != storage.StatusApproved {
			return ErrAlreadyProcessed
		}
		it.Status = storage.StatusPublishFailed
		it.PublishError = reason
		return nil
	})
	if err != nil {
		return item, err
	}

	r.logger.Warn("publish failed", "item_id", id, "reason", reason)
	r.notifier.Dispatch(ctx, notify.EventPublishFailed, item, reason)
	return item, nil
}

// Apply routes a parsed channel event to the matching transition.
func (r *Router) Apply(ctx context.Context, action, itemID, actorID string) (storage.WorkItem, error) {
	switch action {
	case ActionApprove:
		return r.Approve(ctx, itemID, actorID)
	case ActionReject:
		return r.Reject(ctx, itemID, actorID)
	default:
		return storage.WorkItem{}, fmt.Errorf("unknown action %q", action)
	}
}
