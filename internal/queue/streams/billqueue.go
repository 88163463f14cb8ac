package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicsignal/billwatch/internal/store"
)

const (
	// StreamBillsDiscovered carries bill identifiers from the collector to the fetcher.
	StreamBillsDiscovered = "bills.discovered"
	// GroupFetchers is the consumer group draining the discovered stream.
	GroupFetchers = "fetchers"
	// EventBillDiscovered is the envelope event type for queued bill identifiers.
	EventBillDiscovered = "bill.discovered"
)

// BillRef is the queue payload: just the natural key needed to refetch a
// record, never the record itself.
type BillRef struct {
	Type     string `json:"bill_type"`
	Number   int    `json:"bill_number"`
	Congress int    `json:"congress"`
}

// Key converts the payload back into a store key.
func (r BillRef) Key() store.BillKey {
	return store.BillKey{Type: r.Type, Number: r.Number, Congress: r.Congress}
}

// Delivery is one leased queue entry.
type Delivery struct {
	MessageID  string
	Key        store.BillKey
	Deliveries int64
}

// BillQueue is the durable work queue between collector and fetcher, backed
// by a Redis Stream with one consumer group. Leases map onto the group's
// pending list: an expired lease is reclaimed by the next Lease call.
type BillQueue struct {
	publisher *Publisher
	consumer  *Consumer
	stream    string
	leaseTTL  time.Duration
}

// NewBillQueue builds the queue and ensures its consumer group exists.
func NewBillQueue(ctx context.Context, client *redis.Client, consumerName string, leaseTTL time.Duration) (*BillQueue, error) {
	if err := EnsureGroup(ctx, client, StreamBillsDiscovered, GroupFetchers); err != nil {
		return nil, err
	}
	return &BillQueue{
		publisher: NewPublisher(client),
		consumer:  NewConsumer(client, GroupFetchers, consumerName),
		stream:    StreamBillsDiscovered,
		leaseTTL:  leaseTTL,
	}, nil
}

// Enqueue publishes one work item for the given natural key.
func (q *BillQueue) Enqueue(ctx context.Context, key store.BillKey) error {
	ref := BillRef{Type: key.Type, Number: key.Number, Congress: key.Congress}
	if _, err := q.publisher.PublishRaw(ctx, q.stream, EventBillDiscovered, ref); err != nil {
		return fmt.Errorf("enqueue %s: %w", key.ID(), err)
	}
	return nil
}

// Lease claims up to n entries: expired leases first, then new entries. Each
// returned delivery carries the group's delivery counter so the caller can
// quarantine items that keep failing.
func (q *BillQueue) Lease(ctx context.Context, n int) ([]Delivery, error) {
	if n <= 0 {
		return nil, nil
	}

	reclaimed, _, err := q.consumer.AutoClaim(ctx, q.stream, q.leaseTTL, "0-0", int64(n))
	if err != nil {
		return nil, err
	}
	msgs := reclaimed
	if remaining := n - len(msgs); remaining > 0 {
		fresh, err := q.consumer.Read(ctx, q.stream, int64(remaining))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, fresh...)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	counts, err := q.consumer.DeliveryCounts(ctx, q.stream, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		var ref BillRef
		if err := json.Unmarshal(m.Envelope.Data, &ref); err != nil {
			// unparseable payload: resolve it so it cannot loop forever
			_ = q.consumer.Ack(ctx, q.stream, m.ID)
			continue
		}
		deliveries := counts[m.ID]
		if deliveries == 0 {
			deliveries = 1
		}
		out = append(out, Delivery{MessageID: m.ID, Key: ref.Key(), Deliveries: deliveries})
	}
	return out, nil
}

// Ack resolves the leases for the given message IDs and deletes the entries
// from the stream so Depth reflects outstanding work.
func (q *BillQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.consumer.Ack(ctx, q.stream, ids...); err != nil {
		return err
	}
	if err := q.consumer.client.XDel(ctx, q.stream, ids...).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Depth returns the number of entries still in the stream.
func (q *BillQueue) Depth(ctx context.Context) (int64, error) {
	return q.consumer.Depth(ctx, q.stream)
}
