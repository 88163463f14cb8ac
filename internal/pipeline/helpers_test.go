package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/civicsignal/billwatch/internal/congress"
	"github.com/civicsignal/billwatch/internal/queue/streams"
	"github.com/civicsignal/billwatch/internal/store"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, message string) {
	n.messages = append(n.messages, message)
}

type fakeCollectorStore struct {
	cursor   time.Time
	advanced []time.Time
}

func (s *fakeCollectorStore) LastSyncedAt(context.Context) (time.Time, error) { return s.cursor, nil }
func (s *fakeCollectorStore) AdvanceCursor(_ context.Context, t time.Time) error {
	s.advanced = append(s.advanced, t)
	return nil
}

type fakeCollectorSource struct {
	pages [][]congress.ListedBill
	err   error
	calls int
}

func (s *fakeCollectorSource) ListSince(_ context.Context, _ time.Time, _ int) ([]congress.ListedBill, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if s.calls >= len(s.pages) {
		return nil, false, nil
	}
	page := s.pages[s.calls]
	s.calls++
	return page, s.calls < len(s.pages), nil
}

// fakeQueue serves both the collector (Enqueue) and the fetcher
// (Lease/Ack/Depth) sides of the work queue.
type fakeQueue struct {
	enqueued []store.BillKey
	leases   []streams.Delivery
	acked    []string
	depth    int64
	leaseErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, key store.BillKey) error {
	q.enqueued = append(q.enqueued, key)
	return nil
}

func (q *fakeQueue) Lease(_ context.Context, n int) ([]streams.Delivery, error) {
	if q.leaseErr != nil {
		return nil, q.leaseErr
	}
	if n > len(q.leases) {
		n = len(q.leases)
	}
	out := q.leases[:n]
	q.leases = q.leases[n:]
	return out, nil
}

func (q *fakeQueue) Ack(_ context.Context, ids ...string) error {
	q.acked = append(q.acked, ids...)
	if q.depth >= int64(len(ids)) {
		q.depth -= int64(len(ids))
	} else {
		q.depth = 0
	}
	return nil
}

func (q *fakeQueue) Depth(context.Context) (int64, error) { return q.depth, nil }

type fakeFetcherStore struct {
	existing    map[store.BillKey]bool
	upserted    []store.Bill
	quarantined []store.BillKey
	quotaUsed   int
	consumed    []int
	upsertErr   error
}

func (s *fakeFetcherStore) BillExists(_ context.Context, key store.BillKey) (bool, error) {
	return s.existing[key], nil
}

func (s *fakeFetcherStore) UpsertBill(_ context.Context, b store.Bill) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserted = append(s.upserted, b)
	return nil
}

func (s *fakeFetcherStore) InsertQuarantine(_ context.Context, key store.BillKey, _ string, _ int64) error {
	s.quarantined = append(s.quarantined, key)
	return nil
}

func (s *fakeFetcherStore) QuotaUsed(context.Context) (int, error) { return s.quotaUsed, nil }

func (s *fakeFetcherStore) ConsumeQuota(_ context.Context, n int) (int, error) {
	s.consumed = append(s.consumed, n)
	s.quotaUsed += n
	return s.quotaUsed, nil
}

type fakeFetcherSource struct {
	subjects    map[store.BillKey][]string
	details     map[store.BillKey]congress.Detail
	summaries   map[store.BillKey]string
	subjectsErr error
	detailErr   error
}

func (s *fakeFetcherSource) Subjects(_ context.Context, key store.BillKey) ([]string, error) {
	if s.subjectsErr != nil {
		return nil, s.subjectsErr
	}
	return s.subjects[key], nil
}

func (s *fakeFetcherSource) Detail(_ context.Context, key store.BillKey) (congress.Detail, error) {
	if s.detailErr != nil {
		return congress.Detail{}, s.detailErr
	}
	if d, ok := s.details[key]; ok {
		return d, nil
	}
	return congress.Detail{Title: "Bill " + key.ID()}, nil
}

func (s *fakeFetcherSource) Committees(_ context.Context, key store.BillKey) ([]string, error) {
	return []string{"Energy and Commerce"}, nil
}

func (s *fakeFetcherSource) Cosponsors(_ context.Context, key store.BillKey) ([]string, error) {
	return []string{"Rep. Roe"}, nil
}

func (s *fakeFetcherSource) LatestSummary(_ context.Context, key store.BillKey) (string, error) {
	if text, ok := s.summaries[key]; ok {
		return text, nil
	}
	return "A bill about something.", nil
}

type fakeBillStore struct {
	bills       map[string][]store.Bill
	categories  map[string]string
	embeddings  map[string][]float32
	subscores   map[string]map[string]float64
	deleted     []string
	refs        map[string][]store.ReferenceVector
	selectCalls int
	updateErr   error
}

func newFakeBillStore() *fakeBillStore {
	return &fakeBillStore{
		bills:      map[string][]store.Bill{},
		categories: map[string]string{},
		embeddings: map[string][]float32{},
		subscores:  map[string]map[string]float64{},
		refs:       map[string][]store.ReferenceVector{},
	}
}

func (s *fakeBillStore) SelectByStatus(_ context.Context, status string, limit int) ([]store.Bill, error) {
	s.selectCalls++
	rows := s.bills[status]
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *fakeBillStore) CountByStatus(_ context.Context, status string) (int, error) {
	return len(s.bills[status]), nil
}

func (s *fakeBillStore) removeFrom(status, id string) {
	rows := s.bills[status]
	for i, b := range rows {
		if b.Key.ID() == id {
			s.bills[status] = append(rows[:i:i], rows[i+1:]...)
			return
		}
	}
}

func (s *fakeBillStore) UpdateCategory(_ context.Context, key store.BillKey, category string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.categories[key.ID()] = category
	s.removeFrom(store.StatusRaw, key.ID())
	return nil
}

func (s *fakeBillStore) DeleteBill(_ context.Context, key store.BillKey) error {
	s.deleted = append(s.deleted, key.ID())
	s.removeFrom(store.StatusRaw, key.ID())
	return nil
}

func (s *fakeBillStore) UpdateEmbedding(_ context.Context, key store.BillKey, vector []float32) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.embeddings[key.ID()] = vector
	s.removeFrom(store.StatusCategorized, key.ID())
	return nil
}

func (s *fakeBillStore) UpdateSubscores(_ context.Context, key store.BillKey, scores map[string]float64) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.subscores[key.ID()] = scores
	s.removeFrom(store.StatusEmbedded, key.ID())
	return nil
}

func (s *fakeBillStore) ReferenceVectors(context.Context) (map[string][]store.ReferenceVector, error) {
	return s.refs, nil
}

func billKey(n int) store.BillKey { return store.BillKey{Type: "HR", Number: n, Congress: 119} }

func billID(n int) string { return fmt.Sprintf("HR-%d-119", n) }
