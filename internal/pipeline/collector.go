package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/civicsignal/billwatch/internal/congress"
	"github.com/civicsignal/billwatch/internal/notify"
	"github.com/civicsignal/billwatch/internal/store"
)

// CollectorStore captures the store methods required by the collector.
type CollectorStore interface {
	LastSyncedAt(ctx context.Context) (time.Time, error)
	AdvanceCursor(ctx context.Context, t time.Time) error
}

// CollectorSource lists upstream bills changed since a timestamp, one page at a time.
type CollectorSource interface {
	ListSince(ctx context.Context, since time.Time, offset int) ([]congress.ListedBill, bool, error)
}

// CollectorQueue publishes work items for discovered bills.
type CollectorQueue interface {
	Enqueue(ctx context.Context, key store.BillKey) error
}

// Collector polls the upstream source for records changed since the last
// sync, deduplicates them, queues one work item per unique natural key and
// advances the cursor. Any upstream error aborts the whole invocation before
// the cursor moves, so a retry resumes from the same point.
type Collector struct {
	Store    CollectorStore
	Source   CollectorSource
	Queue    CollectorQueue
	Notifier notify.Notifier
	Logger   *log.Logger
}

func (c *Collector) Name() Stage { return StageCollect }

func (c *Collector) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Stage: StageCollect}
	startedAt := time.Now().UTC()

	since, err := c.Store.LastSyncedAt(ctx)
	if err != nil {
		return summary, err
	}

	seen := map[store.BillKey]struct{}{}
	queued := 0
	offset := 0
	for {
		page, hasMore, err := c.Source.ListSince(ctx, since, offset)
		if err != nil {
			return summary, fmt.Errorf("list changed bills: %w", err)
		}
		for _, b := range page {
			summary.Processed++
			if _, dup := seen[b.Key]; dup {
				continue
			}
			seen[b.Key] = struct{}{}
			if err := c.Queue.Enqueue(ctx, b.Key); err != nil {
				return summary, err
			}
			queued++
		}
		if !hasMore {
			break
		}
		offset += len(page)
	}

	if err := c.Store.AdvanceCursor(ctx, startedAt); err != nil {
		return summary, err
	}

	stageProcessed.WithLabelValues(string(StageCollect)).Add(float64(summary.Processed))
	summary.Updated = queued
	if queued > 0 {
		summary.Next = StageFetch
		c.Notifier.Notify(ctx, fmt.Sprintf("collector: queued %d bills changed since %s", queued, since.Format(time.RFC3339)))
	} else {
		// nothing new; let the categorizer pick up any unfinished work
		summary.Next = StageCategorize
		c.Logger.Printf("no changed bills since %s", since.Format(time.RFC3339))
	}
	return summary, nil
}
