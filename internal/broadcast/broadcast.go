// Package broadcast creates and ends broadcasts on managed platforms.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
)

var ErrNoToken = errors.New("no access token for channel")

// Broadcast is a platform-side live event with its ingest endpoint.
type Broadcast struct {
	ID         string
	StreamID   string
	IngestURL  string
	StreamName string
}

// URL is the RTMP destination the encoder publishes to.
func (b Broadcast) URL() string {
	if b.StreamName == "" {
		return b.IngestURL
	}
	return strings.TrimRight(b.IngestURL, "/") + "/" + b.StreamName
}

// Broadcaster creates one broadcast per rotation item and ends it when the item stops.
type Broadcaster interface {
	CreateBroadcast(ctx context.Context, channelID string, item stream.RotationItem, start time.Time) (Broadcast, error)
	EndBroadcast(ctx context.Context, channelID, broadcastID string) error
}

// TokenSource returns an OAuth access token for a channel.
type TokenSource func(ctx context.Context, channelID string) (string, error)

// StaticTokens serves tokens from a channel -> token map.
func StaticTokens(tokens map[string]string) TokenSource {
	return func(_ context.Context, channelID string) (string, error) {
		if tok := strings.TrimSpace(tokens[channelID]); tok != "" {
			return tok, nil
		}
		return "", ErrNoToken
	}
}
