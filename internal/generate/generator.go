// Package generate produces draft posts: a web search collects
// reference material, a chat model writes the draft, and the result
// lands in the queue as a pending item.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"

	"github.com/yxzhu/redpost/internal/notify"
	"github.com/yxzhu/redpost/internal/storage"
)

// ItemStore is the slice of the queue store the generator needs.
type ItemStore interface {
	AppendItem(item storage.WorkItem) error
	UpdateItem(id string, mutate func(*storage.WorkItem) error) (storage.WorkItem, error)
}

// CardNotifier mirrors a new item into an external review surface.
// Both hooks are optional.
type CardNotifier interface {
	SendApprovalCard(ctx context.Context, receiveID string, item storage.WorkItem) (string, error)
}

// RecordCreator mirrors a new item into a review table.
type RecordCreator interface {
	CreateRecord(ctx context.Context, item storage.WorkItem) (string, error)
}

type Generator struct {
	searcher Searcher
	drafter  Drafter
	store    ItemStore
	notifier notify.Dispatcher

	keywords      []string
	imagesPerPost int

	cards         CardNotifier
	cardReceiver  string
	records       RecordCreator
	logger        *slog.Logger

	pick func(n int) int
}

type Option func(*Generator)

// WithApprovalCards sends an interactive approval card for each new
// item to the given receiver.
func WithApprovalCards(cards CardNotifier, receiveID string) Option {
	return func(g *Generator) {
		g.cards = cards
		g.cardReceiver = receiveID
	}
}

// WithReviewRecords mirrors each new item into a review table.
func WithReviewRecords(records RecordCreator) Option {
	return func(g *Generator) { g.records = records }
}

func New(searcher Searcher, drafter Drafter, store ItemStore, notifier notify.Dispatcher, keywords []string, imagesPerPost int, opts ...Option) *Generator {
	g := &Generator{
		searcher:      searcher,
		drafter:       drafter,
		store:         store,
		notifier:      notifier,
		keywords:      keywords,
		imagesPerPost: imagesPerPost,
		logger:        slog.Default().With("component", "generator"),
		pick:          rand.Intn,
	}
	if g.notifier == nil {
		g.notifier = notify.Nop{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateOnce produces one pending item. With an empty keyword a
// configured keyword is picked at random.
func (g *Generator) GenerateOnce(ctx context.Context, keyword string) (storage.WorkItem, error) {
	if keyword == "" {
		if len(g.keywords) == 0 {
			return storage.WorkItem{}, fmt.Errorf("no keyword given and none configured")
		}
		keyword = g.keywords[g.pick(len(g.keywords))]
	}

	refs := g.collectReferences(ctx, keyword)

	draft, err := g.drafter.Draft(ctx, keyword, refs)
	if err != nil {
		return storage.WorkItem{}, fmt.Errorf("drafting for %q: %w", keyword, err)
	}

	item := storage.NewWorkItem(keyword, draft.Title, draft.Body, draft.Tags)
	item.Images = imageURLs(draft.Title, g.imagesPerPost)

	if err := g.store.AppendItem(item); err != nil {
		return storage.WorkItem{}, fmt.Errorf("storing generated item: %w", err)
	}
	g.logger.Info("generated item", "id", item.ID, "keyword", keyword, "title", item.Title)

	if g.cards != nil && g.cardReceiver != "" {
		messageID, err := g.cards.SendApprovalCard(ctx, g.cardReceiver, item)
		if err != nil {
			g.logger.Warn("sending approval card failed", "id", item.ID, "error", err)
		} else {
			// The message id routes follow-ups back to the card, so it
			// has to survive a restart.
			updated, err := g.store.UpdateItem(item.ID, func(it *storage.WorkItem) error {
				it.SourceChannelRef = messageID
				return nil
			})
			if err != nil {
				g.logger.Warn("recording card message id failed", "id", item.ID, "error", err)
			} else {
				item = updated
			}
		}
	}
	if g.records != nil {
		if _, err := g.records.CreateRecord(ctx, item); err != nil {
			g.logger.Warn("mirroring item to review table failed", "id", item.ID, "error", err)
		}
	}

	g.notifier.Dispatch(ctx, notify.EventCreated, item, "")
	return item, nil
}

const (
	resultsPerQuery = 5
	maxReferences   = 8
)

// searchQueries fans a keyword out into SERP query variants; the
// variants surface guides and listicles the bare keyword often misses.
func searchQueries(keyword string) []string {
	return []string{keyword, keyword + " 攻略", keyword + " 推荐"}
}

// collectReferences searches the query variants concurrently and merges
// the results, deduplicated by URL. Drafting can proceed without
// references, so any search failure degrades to none.
func (g *Generator) collectReferences(ctx context.Context, keyword string) []SearchResult {
	queries := searchQueries(keyword)
	pages, err := SearchAll(ctx, g.searcher, queries, resultsPerQuery)
	if err != nil {
		g.logger.Warn("search failed, drafting without references", "keyword", keyword, "error", err)
		return nil
	}

	var refs []SearchResult
	seen := make(map[string]bool)
	for _, query := range queries {
		for _, res := range pages[query] {
			if res.URL != "" && seen[res.URL] {
				continue
			}
			seen[res.URL] = true
			refs = append(refs, res)
			if len(refs) == maxReferences {
				return refs
			}
		}
	}
	return refs
}

// imageURLs builds illustration URLs from a free image generation
// service, seeded so each image differs.
func imageURLs(title string, count int) []string {
	if count <= 0 {
		return nil
	}
	urls := make([]string, 0, count)
	for i := 0; i < count; i++ {
		urls = append(urls, fmt.Sprintf(
			"https://image.pollinations.ai/prompt/%s?width=1080&height=1440&seed=%d&nologo=true",
			url.PathEscape(title), i+1))
	}
	return urls
}
