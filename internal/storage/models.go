package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPublished     Status = "published"
	StatusPublishFailed Status = "publish_failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusPublished, StatusPublishFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusPublished
}

// WorkItem is a single piece of content moving through
// generation -> approval -> publish.
type WorkItem struct {
	ID      string   `json:"id"`
	Keyword string   `json:"keyword,omitempty"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Tags    []string `json:"tags"`
	// Images holds local file paths or remote URLs, in display order.
	Images []string `json:"images"`
	Status Status   `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// ApprovedBy is the channel-specific identity of the approving actor.
	ApprovedBy string `json:"approved_by,omitempty"`

	NoteID   string `json:"note_id,omitempty"`
	ShareURL string `json:"share_url,omitempty"`

	// PublishError holds the last publish failure text, cleared on re-approval.
	PublishError string `json:"publish_error,omitempty"`

	// SourceChannelRef maps the item back to its originating channel
	// artifact (Feishu message id, bitable record id) for follow-up
	// notifications.
	SourceChannelRef string `json:"source_channel_ref,omitempty"`
}

// NewWorkItem builds a pending item with a fresh id.
func NewWorkItem(keyword, title, body string, tags []string) WorkItem {
	return WorkItem{
		ID:        uuid.NewString(),
		Keyword:   keyword,
		Title:     title,
		Body:      body,
		Tags:      tags,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// QueueStats summarizes item counts by status.
type QueueStats struct {
	Pending        int `json:"pending"`
	Approved       int `json:"approved"`
	Rejected       int `json:"rejected"`
	Published      int `json:"published"`
	PublishFailed  int `json:"publish_failed"`
	TodayCreated   int `json:"today_generated"`
	TodayPublished int `json:"today_published"`
}
