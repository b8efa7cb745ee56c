package stream

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RepeatMode defines how a rotation window recurs.
type RepeatMode string

const (
	RepeatDaily  RepeatMode = "daily"
	RepeatWeekly RepeatMode = "weekly"
	RepeatNone   RepeatMode = "none"
)

func (m RepeatMode) Valid() bool {
	switch m {
	case RepeatDaily, RepeatWeekly, RepeatNone:
		return true
	}
	return false
}

// Period is the recurrence length, zero for one-shot windows.
func (m RepeatMode) Period() time.Duration {
	switch m {
	case RepeatDaily:
		return 24 * time.Hour
	case RepeatWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// RotationStatus is the persisted state of a rotation.
type RotationStatus string

const (
	RotationInactive RotationStatus = "inactive"
	RotationActive   RotationStatus = "active"
	RotationPaused   RotationStatus = "paused"
)

// Publish metadata defaults for managed platforms.
const (
	DefaultPrivacy  = "unlisted"
	DefaultCategory = "22"
)

// RotationItem is one piece of content in a rotation.
type RotationItem struct {
	OrderIndex  int           `json:"order_index" yaml:"order_index"`
	ContentRef  string        `json:"content_ref" yaml:"content_ref"`
	Title       string        `json:"title" yaml:"title"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Thumbnail   string        `json:"thumbnail,omitempty" yaml:"thumbnail,omitempty"`
	Privacy     string        `json:"privacy" yaml:"privacy"`
	Category    string        `json:"category" yaml:"category"`
	Duration    time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Rotation is an ordered, time-boxed cycle of content items.
type Rotation struct {
	ID               string         `json:"id" yaml:"id"`
	UserID           string         `json:"user_id" yaml:"user_id"`
	Name             string         `json:"name" yaml:"name"`
	Items            []RotationItem `json:"items" yaml:"items"`
	RepeatMode       RepeatMode     `json:"repeat_mode" yaml:"repeat_mode"`
	StartTime        time.Time      `json:"start_time" yaml:"start_time"`
	EndTime          time.Time      `json:"end_time" yaml:"end_time"`
	Status           RotationStatus `json:"status" yaml:"-"`
	CurrentItemIndex int            `json:"current_item_index" yaml:"-"`
	PausedOffset     time.Duration  `json:"paused_offset,omitempty" yaml:"-"`
	PausedSlotStart  *time.Time     `json:"paused_slot_start,omitempty" yaml:"-"`
	YouTubeChannelID string         `json:"youtube_channel_id,omitempty" yaml:"youtube_channel_id,omitempty"`
	RTMPURL          string         `json:"rtmp_url,omitempty" yaml:"rtmp_url,omitempty"`
	StreamKey        string         `json:"-" yaml:"stream_key,omitempty"`
	Settings         Settings       `json:"settings" yaml:"settings"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"-"`
}

// Managed reports whether items are published through a platform API.
func (r Rotation) Managed() bool { return strings.TrimSpace(r.YouTubeChannelID) != "" }

// Normalize applies defaults and orders items by OrderIndex.
func (r Rotation) Normalize() Rotation {
	if r.RepeatMode == "" {
		r.RepeatMode = RepeatDaily
	}
	if r.Status == "" {
		r.Status = RotationInactive
		r.CurrentItemIndex = -1
	}
	r.Settings = r.Settings.WithDefaults()
	items := make([]RotationItem, len(r.Items))
	copy(items, r.Items)
	for i := range items {
		if items[i].Privacy == "" {
			items[i].Privacy = DefaultPrivacy
		}
		if items[i].Category == "" {
			items[i].Category = DefaultCategory
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].OrderIndex < items[j].OrderIndex })
	r.Items = items
	return r
}

// ValidateWindow checks the time window for the repeat mode.
func (r Rotation) ValidateWindow() error {
	if !r.RepeatMode.Valid() {
		return fmt.Errorf("invalid repeat mode %q", r.RepeatMode)
	}
	if r.StartTime.IsZero() || r.EndTime.IsZero() || !r.EndTime.After(r.StartTime) {
		return ErrInvalidWindow
	}
	if p := r.RepeatMode.Period(); p > 0 && r.EndTime.Sub(r.StartTime) > p {
		return fmt.Errorf("%w: %s window longer than %s", ErrInvalidWindow, r.RepeatMode, p)
	}
	return nil
}

// Validate checks items and window.
func (r Rotation) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rotation id required")
	}
	if len(r.Items) == 0 {
		return ErrNoItems
	}
	seen := make(map[int]struct{}, len(r.Items))
	for _, it := range r.Items {
		if _, dup := seen[it.OrderIndex]; dup {
			return fmt.Errorf("duplicate item position %d", it.OrderIndex)
		}
		seen[it.OrderIndex] = struct{}{}
		if strings.TrimSpace(it.ContentRef) == "" {
			return fmt.Errorf("item %d: %w", it.OrderIndex, ErrNoContent)
		}
		if it.Duration < 0 {
			return fmt.Errorf("item %d: negative duration", it.OrderIndex)
		}
	}
	return r.ValidateWindow()
}
