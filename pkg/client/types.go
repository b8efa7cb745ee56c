package client

import (
	"fmt"
	"net/http"
	"time"
)

// Stream mirrors the stream row returned by the status endpoint.
type Stream struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title"`
	ContentRef   string     `json:"content_ref"`
	Playlist     []string   `json:"playlist,omitempty"`
	RTMPURL      string     `json:"rtmp_url"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status"`
	ScheduleTime *time.Time `json:"schedule_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type StreamStatus struct {
	Stream Stream `json:"stream"`
	Active bool   `json:"active"`
}

type StreamLogs struct {
	ID       string   `json:"id"`
	Lines    []string `json:"lines"`
	Active   bool     `json:"active"`
	Retained bool     `json:"retained"`
}

type Rotation struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Name             string        `json:"name"`
	RepeatMode       string        `json:"repeat_mode"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Status           string        `json:"status"`
	CurrentItemIndex int           `json:"current_item_index"`
	PausedOffset     time.Duration `json:"paused_offset,omitempty"`
	PausedSlotStart  *time.Time    `json:"paused_slot_start,omitempty"`
	YouTubeChannelID string        `json:"youtube_channel_id,omitempty"`
}

type SyncResult struct {
	MarkedOffline int `json:"marked_offline"`
	MarkedLive    int `json:"marked_live"`
}

type Encoder struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }
