package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a stream.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusScheduled, StatusLive:
		return true
	}
	return false
}

// Orientation of the encoded output.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

// Encoding defaults applied when a stream or rotation leaves a field unset.
const (
	DefaultBitrate    = 2500
	DefaultResolution = "1280x720"
	DefaultFPS        = 30
)

// Settings are the encoder parameters of a stream or rotation.
type Settings struct {
	Bitrate     int         `json:"bitrate" yaml:"bitrate"`
	Resolution  string      `json:"resolution" yaml:"resolution"`
	FPS         int         `json:"fps" yaml:"fps"`
	Orientation Orientation `json:"orientation" yaml:"orientation"`
	Loop        *bool       `json:"loop_video,omitempty" yaml:"loop_video,omitempty"`
}

// WithDefaults fills unset fields.
func (s Settings) WithDefaults() Settings {
	if s.Bitrate <= 0 {
		s.Bitrate = DefaultBitrate
	}
	if strings.TrimSpace(s.Resolution) == "" {
		s.Resolution = DefaultResolution
	}
	if s.FPS <= 0 {
		s.FPS = DefaultFPS
	}
	if s.Orientation == "" {
		s.Orientation = Horizontal
	}
	if s.Loop == nil {
		t := true
		s.Loop = &t
	}
	return s
}

// Looping reports whether the content should restart when it ends.
func (s Settings) Looping() bool { return s.Loop == nil || *s.Loop }

// Dimensions parses Resolution and swaps it for vertical output.
func (s Settings) Dimensions() (int, int, error) {
	res := s.Resolution
	if res == "" {
		res = DefaultResolution
	}
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	if s.Orientation == Vertical && w > h {
		w, h = h, w
	}
	return w, h, nil
}

// Stream is a single destination-publishing intent.
type Stream struct {
	ID           string     `json:"id" yaml:"id"`
	UserID       string     `json:"user_id" yaml:"user_id"`
	Title        string     `json:"title" yaml:"title"`
	ContentRef   string     `json:"content_ref" yaml:"content_ref"`
	Playlist     []string   `json:"playlist,omitempty" yaml:"playlist,omitempty"`
	RTMPURL      string     `json:"rtmp_url" yaml:"rtmp_url"`
	StreamKey    string     `json:"-" yaml:"stream_key"`
	Platform     Platform   `json:"platform" yaml:"-"`
	Settings     Settings   `json:"settings" yaml:"settings"`
	Status       Status     `json:"status" yaml:"status"`
	ScheduleTime *time.Time `json:"schedule_time,omitempty" yaml:"schedule_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	LastError    string     `json:"last_error,omitempty" yaml:"-"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"-"`
	UpdatedAt    time.Time  `json:"updated_at" yaml:"-"`
}

// HasContent reports whether the stream references anything to play.
func (s Stream) HasContent() bool {
	if strings.TrimSpace(s.ContentRef) != "" {
		return true
	}
	for _, p := range s.Playlist {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// ContentRefs returns the ordered references to play.
func (s Stream) ContentRefs() []string {
	out := make([]string, 0, 1+len(s.Playlist))
	if ref := strings.TrimSpace(s.ContentRef); ref != "" {
		out = append(out, ref)
	}
	for _, p := range s.Playlist {
		if ref := strings.TrimSpace(p); ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// Validate checks the stream rules that do not depend on storage.
func (s Stream) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stream id required")
	}
	if s.Status != "" && !s.Status.Valid() {
		return fmt.Errorf("invalid stream status %q", s.Status)
	}
	if s.ScheduleTime != nil && s.EndTime != nil && !s.EndTime.After(*s.ScheduleTime) {
		return ErrInvalidWindow
	}
	if s.Status == StatusScheduled && s.ScheduleTime == nil {
		return fmt.Errorf("scheduled stream %s needs a schedule_time", s.ID)
	}
	return nil
}

// Normalize applies defaults and derived fields before the stream is persisted.
func (s Stream) Normalize() Stream {
	s.Settings = s.Settings.WithDefaults()
	if s.Status == "" {
		if s.ScheduleTime != nil {
			s.Status = StatusScheduled
		} else {
			s.Status = StatusOffline
		}
	}
	s.Platform = DetectPlatform(s.RTMPURL)
	return s
}
