package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/civicsignal/billwatch/internal/congress"
	"github.com/civicsignal/billwatch/internal/notify"
	"github.com/civicsignal/billwatch/internal/queue/streams"
	"github.com/civicsignal/billwatch/internal/store"
)

// FetcherStore captures the store methods required by the fetcher.
type FetcherStore interface {
	BillExists(ctx context.Context, key store.BillKey) (bool, error)
	UpsertBill(ctx context.Context, b store.Bill) error
	InsertQuarantine(ctx context.Context, key store.BillKey, reason string, deliveries int64) error
	QuotaUsed(ctx context.Context) (int, error)
	ConsumeQuota(ctx context.Context, n int) (int, error)
}

// FetcherSource fetches per-bill data from the upstream API. Each call is one
// request against the daily quota.
type FetcherSource interface {
	Subjects(ctx context.Context, key store.BillKey) ([]string, error)
	Detail(ctx context.Context, key store.BillKey) (congress.Detail, error)
	Committees(ctx context.Context, key store.BillKey) ([]string, error)
	Cosponsors(ctx context.Context, key store.BillKey) ([]string, error)
	LatestSummary(ctx context.Context, key store.BillKey) (string, error)
}

// FetcherQueue drains the discovered-bills queue with lease semantics.
type FetcherQueue interface {
	Lease(ctx context.Context, n int) ([]streams.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	Depth(ctx context.Context) (int64, error)
}

// Fetcher drains one batch from the queue, collapses duplicate deliveries of
// the same natural key, fetches and validates full bill detail, and upserts
// relevant records. It is the only stage spending upstream requests, so it
// also maintains the daily quota counter.
type Fetcher struct {
	Store    FetcherStore
	Source   FetcherSource
	Queue    FetcherQueue
	Notifier notify.Notifier
	Logger   *log.Logger

	BatchSize     int
	DailyQuota    int
	MaxDeliveries int64
	TopicSubjects []string
}

func (f *Fetcher) Name() Stage { return StageFetch }

// unit is one logical record to fetch: possibly many queue deliveries
// collapsed by natural key, all of whose leases resolve together.
type unit struct {
	key        store.BillKey
	messageIDs []string
	deliveries int64
}

func (f *Fetcher) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Stage: StageFetch}

	deliveries, err := f.Queue.Lease(ctx, f.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("lease queue items: %w", err)
	}
	if len(deliveries) == 0 {
		summary.Next = StageCategorize
		return summary, nil
	}

	units := collapse(deliveries)
	used, err := f.Store.QuotaUsed(ctx)
	if err != nil {
		return summary, err
	}

	requests := 0
	exhausted := false
	for _, u := range units {
		if used+requests >= f.DailyQuota {
			exhausted = true
			break
		}
		summary.Processed++

		if u.deliveries > f.MaxDeliveries {
			if err := f.Store.InsertQuarantine(ctx, u.key, "exceeded max deliveries", u.deliveries); err != nil {
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", u.key.ID(), err))
				continue
			}
			if err := f.Queue.Ack(ctx, u.messageIDs...); err != nil {
				summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", u.key.ID(), err))
				continue
			}
			f.Logger.Printf("quarantined %s after %d deliveries", u.key.ID(), u.deliveries)
			summary.Quarantined++
			continue
		}

		spent, err := f.processUnit(ctx, u, &summary)
		requests += spent
		if err != nil {
			// item-level failure: leave the unit leased so it redelivers
			stageFailed.WithLabelValues(string(StageFetch)).Inc()
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s: %v", u.key.ID(), err))
		}
	}

	summary.Requests = requests
	requestsUsed.Add(float64(requests))
	if requests > 0 {
		if _, err := f.Store.ConsumeQuota(ctx, requests); err != nil {
			// the work is committed and the leases resolved; losing one
			// increment under-counts, which the next batch absorbs
			f.Logger.Printf("warn: persist quota increment failed: %v", err)
		}
	}
	stageProcessed.WithLabelValues(string(StageFetch)).Add(float64(summary.Processed))

	depth, err := f.Queue.Depth(ctx)
	if err != nil {
		return summary, err
	}
	queueDepth.Set(float64(depth))
	summary.Remaining = int(depth)

	switch {
	case exhausted:
		// quota gone for today: leave everything leased, no trigger, resume next cycle
		f.Notifier.Notify(ctx, fmt.Sprintf("fetcher: daily quota reached (%d used), pausing with %d items queued", used+requests, depth))
	case depth == 0:
		summary.Next = StageCategorize
	default:
		summary.More = true
	}
	return summary, nil
}

// processUnit handles one logical record and returns how many upstream
// requests it spent, counting attempts whether or not they succeed.
func (f *Fetcher) processUnit(ctx context.Context, u unit, summary *Summary) (int, error) {
	exists, err := f.Store.BillExists(ctx, u.key)
	if err != nil {
		return 0, err
	}
	if exists {
		// already fetched on an earlier delivery
		if err := f.Queue.Ack(ctx, u.messageIDs...); err != nil {
			return 0, err
		}
		return 0, nil
	}

	requests := 1
	subjects, err := f.Source.Subjects(ctx, u.key)
	if err != nil {
		return requests, fmt.Errorf("fetch subjects: %w", err)
	}
	if !matchesTopic(subjects, f.TopicSubjects) {
		// off-topic is not an error; resolve the unit and move on
		if err := f.Queue.Ack(ctx, u.messageIDs...); err != nil {
			return requests, err
		}
		summary.Discarded++
		return requests, nil
	}

	// the four detail fetches are independent reads
	var (
		detail     congress.Detail
		committees []string
		cosponsors []string
		billText   string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail, err = f.Source.Detail(gctx, u.key)
		return err
	})
	g.Go(func() error {
		var err error
		committees, err = f.Source.Committees(gctx, u.key)
		return err
	})
	g.Go(func() error {
		var err error
		cosponsors, err = f.Source.Cosponsors(gctx, u.key)
		return err
	})
	g.Go(func() error {
		var err error
		billText, err = f.Source.LatestSummary(gctx, u.key)
		return err
	})
	requests += 4
	if err := g.Wait(); err != nil {
		return requests, fmt.Errorf("fetch detail: %w", err)
	}

	bill := store.Bill{
		Key:            u.key,
		Title:          detail.Title,
		Sponsor:        detail.Sponsor,
		Party:          detail.Party,
		IntroducedAt:   detail.IntroducedAt,
		LatestActionAt: detail.LatestActionAt,
		LatestAction:   detail.LatestAction,
		Committees:     committees,
		Cosponsors:     cosponsors,
		Subjects:       subjects,
		Summary:        billText,
	}
	if err := validateBill(bill); err != nil {
		return requests, err
	}
	if err := f.Store.UpsertBill(ctx, bill); err != nil {
		return requests, err
	}
	if err := f.Queue.Ack(ctx, u.messageIDs...); err != nil {
		return requests, err
	}
	summary.Updated++
	return requests, nil
}

// collapse groups deliveries by natural key so duplicate enqueues become one
// fetch whose every lease resolves together. Delivery count is the maximum
// across duplicates. Order follows the first appearance of each key.
func collapse(deliveries []streams.Delivery) []unit {
	byKey := map[store.BillKey]*unit{}
	var order []store.BillKey
	for _, d := range deliveries {
		u, ok := byKey[d.Key]
		if !ok {
			u = &unit{key: d.Key}
			byKey[d.Key] = u
			order = append(order, d.Key)
		}
		u.messageIDs = append(u.messageIDs, d.MessageID)
		if d.Deliveries > u.deliveries {
			u.deliveries = d.Deliveries
		}
	}
	out := make([]unit, 0, len(order))
	for _, k := range order {
		sort.Strings(byKey[k].messageIDs)
		out = append(out, *byKey[k])
	}
	return out
}

func matchesTopic(subjects, wanted []string) bool {
	for _, s := range subjects {
		for _, w := range wanted {
			if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(w)) {
				return true
			}
		}
	}
	return false
}
