package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anji4cp/streamnexus/internal/broadcast"
	"github.com/anji4cp/streamnexus/internal/stream"
)

var ErrNoDestination = errors.New("no destination configured")

// Destination is where an encoder publishes.
type Destination struct {
	URL         string
	Platform    stream.Platform
	ChannelID   string
	BroadcastID string
}

// Resolver builds destinations from persisted credentials.
type Resolver struct {
	Cipher      *Cipher
	Broadcaster broadcast.Broadcaster
}

// ForStream joins the stream's RTMP url with its decrypted key.
func (r *Resolver) ForStream(_ context.Context, s stream.Stream) (Destination, error) {
	u, err := r.rtmp(s.RTMPURL, s.StreamKey)
	if err != nil {
		return Destination{}, fmt.Errorf("stream %s: %w", s.ID, err)
	}
	return Destination{URL: u, Platform: stream.DetectPlatform(s.RTMPURL)}, nil
}

// ForRotationItem creates a platform broadcast for managed rotations, or uses the
// rotation's raw RTMP credentials otherwise.
func (r *Resolver) ForRotationItem(ctx context.Context, rot stream.Rotation, item stream.RotationItem, start time.Time) (Destination, error) {
	if !rot.Managed() {
		u, err := r.rtmp(rot.RTMPURL, rot.StreamKey)
		if err != nil {
			return Destination{}, fmt.Errorf("rotation %s: %w", rot.ID, err)
		}
		return Destination{URL: u, Platform: stream.DetectPlatform(rot.RTMPURL)}, nil
	}
	if r.Broadcaster == nil {
		return Destination{}, fmt.Errorf("rotation %s: managed channel %s without broadcaster: %w", rot.ID, rot.YouTubeChannelID, ErrNoDestination)
	}
	bc, err := r.Broadcaster.CreateBroadcast(ctx, rot.YouTubeChannelID, item, start)
	if err != nil {
		return Destination{}, fmt.Errorf("rotation %s: create broadcast: %w", rot.ID, err)
	}
	return Destination{
		URL:         bc.URL(),
		Platform:    stream.PlatformYouTube,
		ChannelID:   rot.YouTubeChannelID,
		BroadcastID: bc.ID,
	}, nil
}

// Release ends the broadcast behind d, if any.
func (r *Resolver) Release(ctx context.Context, d Destination) error {
	if d.BroadcastID == "" || r.Broadcaster == nil {
		return nil
	}
	return r.Broadcaster.EndBroadcast(ctx, d.ChannelID, d.BroadcastID)
}

func (r *Resolver) rtmp(base, key string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", ErrNoDestination
	}
	plain, err := r.Cipher.Decrypt(key)
	if err != nil {
		return "", err
	}
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return base, nil
	}
	return strings.TrimRight(base, "/") + "/" + plain, nil
}
