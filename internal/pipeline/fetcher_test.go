package pipeline

import (
	"context"
	"testing"

	"github.com/civicsignal/billwatch/internal/queue/streams"
	"github.com/civicsignal/billwatch/internal/store"
)

func newTestFetcher(st *fakeFetcherStore, src *fakeFetcherSource, q *fakeQueue, n *fakeNotifier) *Fetcher {
	return &Fetcher{
		Store: st, Source: src, Queue: q, Notifier: n, Logger: testLogger(),
		BatchSize:     10,
		DailyQuota:    4500,
		MaxDeliveries: 5,
		TopicSubjects: []string{"Health"},
	}
}

func healthSource() *fakeFetcherSource {
	return &fakeFetcherSource{
		subjects: map[store.BillKey][]string{
			billKey(42): {"Health", "Taxation"},
		},
	}
}

func TestCollapseGroupsDuplicateDeliveries(t *testing.T) {
	units := collapse([]streams.Delivery{
		{MessageID: "2-0", Key: billKey(42), Deliveries: 1},
		{MessageID: "3-0", Key: billKey(7), Deliveries: 2},
		{MessageID: "1-0", Key: billKey(42), Deliveries: 3},
	})
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].key != billKey(42) {
		t.Fatalf("order should follow first appearance, got %v first", units[0].key)
	}
	if len(units[0].messageIDs) != 2 || units[0].messageIDs[0] != "1-0" {
		t.Fatalf("unexpected message ids: %v", units[0].messageIDs)
	}
	if units[0].deliveries != 3 {
		t.Fatalf("delivery count should be the max across duplicates, got %d", units[0].deliveries)
	}
}

func TestFetcherDuplicateDeliveriesFetchOnceResolveAll(t *testing.T) {
	st := &fakeFetcherStore{}
	q := &fakeQueue{
		leases: []streams.Delivery{
			{MessageID: "1-0", Key: billKey(42), Deliveries: 1},
			{MessageID: "2-0", Key: billKey(42), Deliveries: 1},
		},
		depth: 2,
	}
	f := newTestFetcher(st, healthSource(), q, &fakeNotifier{})

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.upserted) != 1 {
		t.Fatalf("expected one upsert, got %d", len(st.upserted))
	}
	if len(q.acked) != 2 {
		t.Fatalf("both leases must resolve, acked %v", q.acked)
	}
	if summary.Requests != 5 {
		t.Fatalf("requests = %d, want 5 (subjects + 4 detail calls)", summary.Requests)
	}
	if summary.Updated != 1 {
		t.Fatalf("updated = %d, want 1", summary.Updated)
	}
	if summary.Next != StageCategorize {
		t.Fatalf("drained queue should hand off to categorize, got %q", summary.Next)
	}
}

func TestFetcherOffTopicDiscardStillCountsRequest(t *testing.T) {
	st := &fakeFetcherStore{}
	src := &fakeFetcherSource{subjects: map[store.BillKey][]string{
		billKey(9): {"Armed Forces", "Taxation"},
	}}
	q := &fakeQueue{
		leases: []streams.Delivery{{MessageID: "1-0", Key: billKey(9), Deliveries: 1}},
		depth:  1,
	}
	f := newTestFetcher(st, src, q, &fakeNotifier{})

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Discarded != 1 {
		t.Fatalf("discarded = %d, want 1", summary.Discarded)
	}
	if summary.Requests != 1 {
		t.Fatalf("requests = %d, want 1 (the subjects probe)", summary.Requests)
	}
	if len(st.upserted) != 0 {
		t.Fatal("off-topic bill must not be stored")
	}
	if len(q.acked) != 1 {
		t.Fatalf("off-topic lease must still resolve, acked %v", q.acked)
	}
}

func TestFetcherExistingBillAcksWithoutRequests(t *testing.T) {
	st := &fakeFetcherStore{existing: map[store.BillKey]bool{billKey(42): true}}
	q := &fakeQueue{
		leases: []streams.Delivery{{MessageID: "1-0", Key: billKey(42), Deliveries: 2}},
		depth:  1,
	}
	f := newTestFetcher(st, healthSource(), q, &fakeNotifier{})

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Requests != 0 {
		t.Fatalf("requests = %d, want 0", summary.Requests)
	}
	if len(q.acked) != 1 {
		t.Fatal("existing bill lease must resolve")
	}
	if len(st.consumed) != 0 {
		t.Fatalf("no quota should be consumed, got %v", st.consumed)
	}
}

func TestFetcherQuarantinesAfterMaxDeliveries(t *testing.T) {
	st := &fakeFetcherStore{}
	q := &fakeQueue{
		leases: []streams.Delivery{{MessageID: "1-0", Key: billKey(13), Deliveries: 6}},
		depth:  1,
	}
	f := newTestFetcher(st, healthSource(), q, &fakeNotifier{})

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Quarantined != 1 {
		t.Fatalf("quarantined = %d, want 1", summary.Quarantined)
	}
	if len(st.quarantined) != 1 || st.quarantined[0] != billKey(13) {
		t.Fatalf("unexpected quarantine set: %v", st.quarantined)
	}
	if len(q.acked) != 1 {
		t.Fatal("quarantined lease must resolve")
	}
}

func TestFetcherQuotaExhaustedStopsWithoutTrigger(t *testing.T) {
	st := &fakeFetcherStore{quotaUsed: 4500}
	q := &fakeQueue{
		leases: []streams.Delivery{
			{MessageID: "1-0", Key: billKey(1), Deliveries: 1},
			{MessageID: "2-0", Key: billKey(2), Deliveries: 1},
		},
		depth: 2,
	}
	n := &fakeNotifier{}
	f := newTestFetcher(st, healthSource(), q, n)

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("processed = %d, want 0", summary.Processed)
	}
	if len(q.acked) != 0 {
		t.Fatal("leases must stay pending when quota is exhausted")
	}
	if summary.More || summary.Next != "" {
		t.Fatalf("no continuation expected, got more=%t next=%q", summary.More, summary.Next)
	}
	if len(n.messages) != 1 {
		t.Fatalf("expected a pause notification, got %v", n.messages)
	}
}

func TestFetcherQuotaBoundaryMidBatch(t *testing.T) {
	// 4490 used of 4500: the first two units fit (5 requests each), the
	// third crosses the line and stays leased.
	st := &fakeFetcherStore{quotaUsed: 4490}
	src := &fakeFetcherSource{subjects: map[store.BillKey][]string{
		billKey(1): {"Health"},
		billKey(2): {"Health"},
		billKey(3): {"Health"},
	}}
	q := &fakeQueue{
		leases: []streams.Delivery{
			{MessageID: "1-0", Key: billKey(1), Deliveries: 1},
			{MessageID: "2-0", Key: billKey(2), Deliveries: 1},
			{MessageID: "3-0", Key: billKey(3), Deliveries: 1},
		},
		depth: 3,
	}
	n := &fakeNotifier{}
	f := newTestFetcher(st, src, q, n)

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Updated != 2 {
		t.Fatalf("updated = %d, want 2", summary.Updated)
	}
	if summary.Requests != 10 {
		t.Fatalf("requests = %d, want 10", summary.Requests)
	}
	if len(st.consumed) != 1 || st.consumed[0] != 10 {
		t.Fatalf("quota increments = %v, want [10]", st.consumed)
	}
	if summary.More || summary.Next != "" {
		t.Fatalf("exhaustion must suppress continuation, got more=%t next=%q", summary.More, summary.Next)
	}
	if len(q.acked) != 2 {
		t.Fatalf("third unit must stay leased, acked %v", q.acked)
	}
}

func TestFetcherValidationFailureLeavesLease(t *testing.T) {
	st := &fakeFetcherStore{}
	src := healthSource()
	src.summaries = map[store.BillKey]string{billKey(42): "summary with [object Object] inside"}
	q := &fakeQueue{
		leases: []streams.Delivery{{MessageID: "1-0", Key: billKey(42), Deliveries: 1}},
		depth:  1,
	}
	f := newTestFetcher(st, src, q, &fakeNotifier{})

	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("expected one item failure, got %v", summary.Failed)
	}
	if len(st.upserted) != 0 {
		t.Fatal("corrupted record must not be stored")
	}
	if len(q.acked) != 0 {
		t.Fatal("failed unit must stay leased for redelivery")
	}
	if summary.Requests != 5 {
		t.Fatalf("requests = %d, want 5 (attempts count)", summary.Requests)
	}
}

func TestFetcherEmptyQueueHandsOffToCategorizer(t *testing.T) {
	f := newTestFetcher(&fakeFetcherStore{}, healthSource(), &fakeQueue{}, &fakeNotifier{})
	summary, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Next != StageCategorize {
		t.Fatalf("next = %q, want categorize", summary.Next)
	}
}

func TestValidateBill(t *testing.T) {
	good := store.Bill{Key: billKey(42), Title: "A fine act"}
	if err := validateBill(good); err != nil {
		t.Fatalf("validateBill: %v", err)
	}
	cases := []store.Bill{
		{Key: store.BillKey{Type: "XX", Number: 1, Congress: 119}, Title: "t"},
		{Key: billKey(42), Title: ""},
		{Key: billKey(42), Title: "undefined"},
		{Key: billKey(42), Title: "t", Summary: "got [object Object] back"},
		{Key: billKey(42), Title: "t", LatestAction: "NaN-NaN-NaN"},
	}
	for i, b := range cases {
		if err := validateBill(b); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, b)
		}
	}
}
