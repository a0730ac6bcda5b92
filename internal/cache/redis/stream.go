package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// streamMaxLen bounds every stream through XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// AnalyticsStreamName is the stream analytics events are appended to.
const AnalyticsStreamName = "analytics"

// EventStream implements domain.EventStream on Redis Streams. The intent
// monitor reads proven intent hashes from it.
type EventStream struct {
	c *Client
}

var _ domain.EventStream = (*EventStream)(nil)

func NewEventStream(c *Client) *EventStream {
	return &EventStream{c: c}
}

// StreamAppend appends payload to stream, trimming it to about 10,000
// entries.
func (s *EventStream) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := s.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.c.key("stream", stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). No entries is an empty result, not an error.
func (s *EventStream) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := s.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.c.key("stream", stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, res := range results {
		for _, msg := range res.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

// AnalyticsStream is an analytics.Backend that appends each event as JSON
// to the analytics stream.
type AnalyticsStream struct {
	events *EventStream
	name   string
}

var _ analytics.Backend = (*AnalyticsStream)(nil)

func NewAnalyticsStream(c *Client) *AnalyticsStream {
	return &AnalyticsStream{events: NewEventStream(c), name: AnalyticsStreamName}
}

func (a *AnalyticsStream) Write(ctx context.Context, e analytics.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode analytics event %s: %w", e.Name, err)
	}
	return a.events.StreamAppend(ctx, a.name, raw)
}
