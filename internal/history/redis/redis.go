package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/anji4cp/streamnexus/internal/history"
)

const (
	DefaultStream = "streamnexus:history"
	DefaultMaxLen = 100000
)

// Sink appends events to a Redis stream with XADD, trimmed to about MaxLen entries.
type Sink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// New parses a redis:// or rediss:// url. The stream and maxlen query
// parameters select the target stream and its approximate cap.
func New(rawURL string) (*Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := int64(DefaultMaxLen)
	if v := q.Get("maxlen"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid maxlen %q", v)
		}
		maxLen = n
	}
	q.Del("stream")
	q.Del("maxlen")
	u.RawQuery = q.Encode()

	opts, err := goredis.ParseURL(u.String())
	if err != nil {
		return nil, err
	}
	return &Sink{client: goredis.NewClient(opts), stream: stream, maxLen: maxLen}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":    e.ID,
			"type":  string(e.Type),
			"key":   e.Key,
			"event": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Events reads back up to count events from the stream, oldest first.
func (s *Sink) Events(ctx context.Context, count int64) ([]history.Event, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["event"].(string)
		var e history.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Sink) Stream() string { return s.stream }

func (s *Sink) Close() error { return s.client.Close() }
