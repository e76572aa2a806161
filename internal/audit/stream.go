package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream decisions are published to.
const DefaultStream = "ssrfguard:decisions"

// StreamSink publishes entries to a Redis stream for downstream consumers.
// The stream is trimmed approximately to maxLen entries.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// OpenStream connects to the Redis server at url (redis://host:port/db).
func OpenStream(url, stream string, maxLen int64) (*StreamSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewStreamSink(redis.NewClient(opts), stream, maxLen), nil
}

// NewStreamSink wraps client. The sink owns the client and closes it.
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Ping checks connectivity.
func (s *StreamSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *StreamSink) Write(ctx context.Context, e Entry) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":         e.ID,
			"timestamp":  e.Timestamp,
			"url":        e.URL,
			"host":       e.Host,
			"address":    e.Address,
			"outcome":    e.Outcome,
			"kind":       e.Kind,
			"hop":        strconv.Itoa(e.Hop),
			"latency_us": strconv.FormatInt(e.LatencyUs, 10),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publishing decision %s: %w", e.ID, err)
	}
	return nil
}

func (s *StreamSink) Close() error {
	return s.client.Close()
}
