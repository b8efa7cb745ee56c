// Package storetest holds behaviour checks shared by every store.Store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// Run exercises s against the store.Store contract. s must be empty with its schema in place.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("streams", func(t *testing.T) { streams(t, s) })
	t.Run("schedule", func(t *testing.T) { schedule(t, s) })
	t.Run("rotations", func(t *testing.T) { rotations(t, s) })
}

func at(t time.Time) *time.Time { return &t }

func streams(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateStream(ctx, stream.Stream{
		ID: "st-1", UserID: "u1", Title: "morning", ContentRef: "a.mp4",
		Playlist: []string{"b.mp4"}, RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "k",
	}))
	require.NoError(t, s.CreateStream(ctx, stream.Stream{ID: "st-2", UserID: "u2", ContentRef: "c.mp4"}))

	got, err := s.GetStream(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, stream.StatusOffline, got.Status)
	assert.Equal(t, stream.PlatformYouTube, got.Platform)
	assert.Equal(t, stream.DefaultBitrate, got.Settings.Bitrate)
	assert.Equal(t, stream.DefaultResolution, got.Settings.Resolution)
	assert.True(t, got.Settings.Looping())
	assert.Equal(t, []string{"b.mp4"}, got.Playlist)
	assert.Equal(t, "k", got.StreamKey)

	list, err := s.ListStreams(ctx, store.Filter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "st-2", list[0].ID)

	_, err = s.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, stream.ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "missing", store.StatusUpdate{Status: stream.StatusLive}), stream.ErrNotFound)

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetStatus(ctx, "st-1", store.StatusUpdate{
		Status: stream.StatusLive, StartedAt: &started, LastError: store.LastError(""),
	}))
	got, err = s.GetStream(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, stream.StatusLive, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))

	// edits never flip a live row
	got.Title = "renamed"
	require.NoError(t, s.UpdateStream(ctx, got))
	got, err = s.GetStream(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, stream.StatusLive, got.Status)

	assert.ErrorIs(t, s.DeleteStream(ctx, "st-1"), stream.ErrStreamLive)
	assert.ErrorIs(t, s.DeleteStream(ctx, "missing"), stream.ErrNotFound)

	require.NoError(t, s.SetStatus(ctx, "st-1", store.StatusUpdate{Status: stream.StatusOffline, LastError: store.LastError("boom")}))
	got, err = s.GetStream(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.LastError)

	live, err := s.ListStreams(ctx, store.Filter{Status: stream.StatusLive})
	require.NoError(t, err)
	assert.Empty(t, live)

	require.NoError(t, s.DeleteStream(ctx, "st-1"))
	require.NoError(t, s.DeleteStream(ctx, "st-2"))
}

func schedule(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.CreateStream(ctx, stream.Stream{
		ID: "due", ContentRef: "a.mp4", ScheduleTime: at(now.Add(-time.Minute)), EndTime: at(now.Add(-time.Second)),
	}))
	require.NoError(t, s.CreateStream(ctx, stream.Stream{
		ID: "later", ContentRef: "a.mp4", ScheduleTime: at(now.Add(time.Hour)),
	}))
	assert.ErrorIs(t, s.CreateStream(ctx, stream.Stream{
		ID: "bad", ContentRef: "a.mp4", ScheduleTime: at(now), EndTime: at(now.Add(-time.Hour)),
	}), stream.ErrInvalidWindow)

	due, err := s.DueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
	assert.Equal(t, stream.StatusScheduled, due[0].Status)
	require.NotNil(t, due[0].ScheduleTime)
	assert.True(t, due[0].ScheduleTime.Equal(now.Add(-time.Minute)))

	require.NoError(t, s.SetStatus(ctx, "due", store.StatusUpdate{Status: stream.StatusLive}))
	expired, err := s.ExpiredLive(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "due", expired[0].ID)

	require.NoError(t, s.SetStatus(ctx, "due", store.StatusUpdate{Status: stream.StatusOffline, ClearSchedule: true}))
	got, err := s.GetStream(ctx, "due")
	require.NoError(t, err)
	assert.Nil(t, got.ScheduleTime)
	assert.Nil(t, got.EndTime)

	expired, err = s.ExpiredLive(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// clearing the schedule through an edit drops the row back to offline
	later, err := s.GetStream(ctx, "later")
	require.NoError(t, err)
	later.ScheduleTime = nil
	later.Status = ""
	require.NoError(t, s.UpdateStream(ctx, later))
	later, err = s.GetStream(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, stream.StatusOffline, later.Status)

	require.NoError(t, s.DeleteStream(ctx, "due"))
	require.NoError(t, s.DeleteStream(ctx, "later"))
}

func rotations(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r := stream.Rotation{
		ID: "rot-1", UserID: "u1", Name: "daytime",
		StartTime: start, EndTime: start.Add(9 * time.Hour),
		YouTubeChannelID: "UC123",
		Items: []stream.RotationItem{
			{OrderIndex: 2, ContentRef: "c.mp4", Title: "third"},
			{OrderIndex: 0, ContentRef: "a.mp4", Title: "first", Tags: []string{"news", "live"}, Duration: 30 * time.Minute},
			{OrderIndex: 1, ContentRef: "b.mp4", Title: "second", Privacy: "public"},
		},
	}
	require.NoError(t, s.CreateRotation(ctx, r))
	assert.ErrorIs(t, s.CreateRotation(ctx, stream.Rotation{ID: "empty", StartTime: start, EndTime: start.Add(time.Hour)}), stream.ErrNoItems)

	got, err := s.GetRotation(ctx, "rot-1")
	require.NoError(t, err)
	assert.Equal(t, stream.RepeatDaily, got.RepeatMode)
	assert.Equal(t, stream.RotationInactive, got.Status)
	assert.Equal(t, -1, got.CurrentItemIndex)
	assert.True(t, got.StartTime.Equal(start))
	assert.True(t, got.EndTime.Equal(start.Add(9*time.Hour)))
	require.Len(t, got.Items, 3)
	assert.Equal(t, "first", got.Items[0].Title)
	assert.Equal(t, []string{"news", "live"}, got.Items[0].Tags)
	assert.Equal(t, 30*time.Minute, got.Items[0].Duration)
	assert.Equal(t, "public", got.Items[1].Privacy)
	assert.Equal(t, stream.DefaultPrivacy, got.Items[2].Privacy)
	assert.Equal(t, stream.DefaultCategory, got.Items[2].Category)

	require.NoError(t, s.SetRotationState(ctx, "rot-1", store.RotationState{
		Status: stream.RotationActive, CurrentItemIndex: 1, PausedOffset: 90 * time.Second,
	}))
	active, err := s.ListRotations(ctx, stream.RotationActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].CurrentItemIndex)
	assert.Equal(t, 90*time.Second, active[0].PausedOffset)
	require.Len(t, active[0].Items, 3)
	assert.Nil(t, active[0].PausedSlotStart)

	slotStart := start.Add(time.Hour)
	require.NoError(t, s.SetRotationState(ctx, "rot-1", store.RotationState{
		Status: stream.RotationPaused, CurrentItemIndex: 1, PausedOffset: 90 * time.Second, PausedSlotStart: &slotStart,
	}))
	paused, err := s.ListRotations(ctx, stream.RotationPaused)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	require.NotNil(t, paused[0].PausedSlotStart)
	assert.True(t, paused[0].PausedSlotStart.Equal(slotStart))
	require.NoError(t, s.SetRotationState(ctx, "rot-1", store.RotationState{Status: stream.RotationActive, CurrentItemIndex: 1}))

	assert.ErrorIs(t, s.DeleteRotation(ctx, "rot-1"), stream.ErrRotationActive)
	assert.ErrorIs(t, s.SetRotationState(ctx, "missing", store.RotationState{Status: stream.RotationPaused}), stream.ErrNotFound)

	require.NoError(t, s.SetRotationState(ctx, "rot-1", store.RotationState{Status: stream.RotationInactive, CurrentItemIndex: -1}))
	require.NoError(t, s.DeleteRotation(ctx, "rot-1"))
	_, err = s.GetRotation(ctx, "rot-1")
	assert.ErrorIs(t, err, stream.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRotation(ctx, "rot-1"), stream.ErrNotFound)

	all, err := s.ListRotations(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
