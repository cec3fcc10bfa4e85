// Package backfill publishes a user's existing posts as kind 1 notes, oldest
// first, in fixed-size batches.
//
// Each post is published at most once: the new event id is persisted onto
// the post before the next post is built, and posts that already carry an
// id are skipped. The store only accepts the first id for a post, so a
// concurrent run that built the same post drops its copy. A failed run can
// therefore simply be repeated.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"nostr-bridge/internal/builder"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
)

// DefaultBatchSize is the number of posts per batch.
const DefaultBatchSize = 10

var eventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bridge_backfill_posts_total",
		Help: "Posts seen by the backfill pipeline by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Store records the event id of a published post. MarkPostSynced must
// return store.ErrAlreadySynced when the post already carries an id.
type Store interface {
	MarkPostSynced(ctx context.Context, postID int64, eventID string) error
}

// Enqueuer hands signed events to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, events []types.Event) error
}

// Options configures a Pipeline.
type Options struct {
	BatchSize int
	// BatchInterval is the minimum spacing between batches. Zero disables
	// pacing.
	BatchInterval time.Duration
}

// Pipeline converts posts into signed notes.
type Pipeline struct {
	store     Store
	builder   *builder.Builder
	queue     Enqueuer
	batchSize int
	interval  time.Duration
}

// NewPipeline returns a pipeline.
func NewPipeline(s Store, b *builder.Builder, q Enqueuer, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Pipeline{
		store:     s,
		builder:   b,
		queue:     q,
		batchSize: opts.BatchSize,
		interval:  opts.BatchInterval,
	}
}

// Report summarizes a backfill run.
type Report struct {
	Batches   int
	Published int
	Skipped   int
}

// Backfill publishes every post without a synced event id. Posts are sorted
// oldest first and split into batches; each batch is enqueued in one call.
// On error the run stops and the batches already completed stay published.
func (p *Pipeline) Backfill(ctx context.Context, identity types.Identity, posts []types.Post) (Report, error) {
	posts = chronological(posts)

	var limiter *rate.Limiter
	if p.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
	}

	var report Report
	for start := 0; start < len(posts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(posts) {
			end = len(posts)
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return report, err
			}
		}

		events, skipped, err := p.buildBatch(ctx, identity, posts[start:end])
		report.Skipped += skipped
		if len(events) > 0 {
			if qerr := p.queue.Enqueue(ctx, events); qerr != nil {
				// The ids are already persisted; these posts are not retried.
				slog.Error("backfill batch not enqueued", "user_id", identity.UserID, "events", len(events), "error", qerr)
				if err == nil {
					err = fmt.Errorf("enqueue batch: %w", qerr)
				}
			} else {
				report.Batches++
				report.Published += len(events)
			}
		}
		if err != nil {
			return report, err
		}
		slog.Debug("backfill batch done", "user_id", identity.UserID, "batch", report.Batches, "events", len(events), "skipped", skipped)
	}

	slog.Info("backfill complete",
		"user_id", identity.UserID,
		"pubkey", nostr.ShortID(identity.PubKey),
		"batches", report.Batches,
		"published", report.Published,
		"skipped", report.Skipped)
	return report, nil
}

// buildBatch signs the unsynced posts of one batch, persisting each id
// before moving on. Events built before a failure are returned with the
// error so they can still be enqueued.
func (p *Pipeline) buildBatch(ctx context.Context, identity types.Identity, batch []types.Post) ([]types.Event, int, error) {
	events := make([]types.Event, 0, len(batch))
	skipped := 0
	for _, post := range batch {
		if post.SyncedEventID != "" {
			skipped++
			eventsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		evt, claimed, err := p.build(ctx, identity, post)
		if err != nil {
			eventsTotal.WithLabelValues("failed").Inc()
			return events, skipped, err
		}
		if !claimed {
			skipped++
			eventsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		eventsTotal.WithLabelValues("published").Inc()
		events = append(events, evt)
	}
	return events, skipped, nil
}

// build signs a note for post and claims the post with its id. claimed is
// false when another run recorded an id first; the new event is discarded.
func (p *Pipeline) build(ctx context.Context, identity types.Identity, post types.Post) (types.Event, bool, error) {
	evt, err := p.builder.Note(identity, post, PlainText(post.Body))
	if err != nil {
		return types.Event{}, false, fmt.Errorf("build note for post %d: %w", post.ID, err)
	}
	err = p.store.MarkPostSynced(ctx, post.ID, evt.ID)
	if errors.Is(err, store.ErrAlreadySynced) {
		slog.Debug("post synced by another run", "post_id", post.ID, "dropped", nostr.ShortID(evt.ID))
		return types.Event{}, false, nil
	}
	if err != nil {
		return types.Event{}, false, fmt.Errorf("mark post %d synced: %w", post.ID, err)
	}
	return evt, true, nil
}

// SyncItem publishes a single post through the same path as a backfill.
// It returns false when the post was already published.
func (p *Pipeline) SyncItem(ctx context.Context, identity types.Identity, post types.Post) (types.Event, bool, error) {
	if post.SyncedEventID != "" {
		eventsTotal.WithLabelValues("skipped").Inc()
		return types.Event{}, false, nil
	}
	evt, claimed, err := p.build(ctx, identity, post)
	if err != nil {
		eventsTotal.WithLabelValues("failed").Inc()
		return types.Event{}, false, err
	}
	if !claimed {
		eventsTotal.WithLabelValues("skipped").Inc()
		return types.Event{}, false, nil
	}
	eventsTotal.WithLabelValues("published").Inc()
	if err := p.queue.Enqueue(ctx, []types.Event{evt}); err != nil {
		return evt, true, fmt.Errorf("enqueue note: %w", err)
	}
	return evt, true, nil
}

func chronological(posts []types.Post) []types.Post {
	out := append([]types.Post(nil), posts...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
