package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/content"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/store/memory"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// fakeEncoders flips rows like the manager does, without processes.
type fakeEncoders struct {
	st      *memory.Store
	mu      sync.Mutex
	fail    map[string]error
	started []string
	stopped []string
}

func (f *fakeEncoders) StartScheduled(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.fail[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	row, err := f.st.GetStream(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != stream.StatusScheduled {
		return stream.ErrNotScheduled
	}
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return f.st.SetStatus(ctx, id, store.StatusUpdate{Status: stream.StatusLive})
}

func (f *fakeEncoders) StopStream(ctx context.Context, id string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	return f.st.SetStatus(ctx, id, store.StatusUpdate{Status: stream.StatusOffline})
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Scheduler, *memory.Store, *fakeEncoders, *clock) {
	t.Helper()
	st := memory.New()
	enc := &fakeEncoders{st: st, fail: map[string]error{}}
	clk := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	return New(Config{RetryWindow: time.Minute}, st, enc, WithClock(clk.Now)), st, enc, clk
}

func schedule(t *testing.T, st *memory.Store, id string, at time.Time, end *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateStream(context.Background(), stream.Stream{ID: id, ContentRef: "v.mp4", ScheduleTime: &at, EndTime: end}))
}

func get(t *testing.T, st *memory.Store, id string) stream.Stream {
	t.Helper()
	s, err := st.GetStream(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestTick_StartsDueStreams(t *testing.T) {
	s, st, enc, clk := setup(t)
	ctx := context.Background()
	schedule(t, st, "due", clk.Now().Add(-time.Second), nil)
	schedule(t, st, "later", clk.Now().Add(time.Hour), nil)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Started: 1}, res)
	assert.Equal(t, []string{"due"}, enc.started)
	assert.Equal(t, stream.StatusLive, get(t, st, "due").Status)
	assert.Equal(t, stream.StatusScheduled, get(t, st, "later").Status)

	clk.Advance(2 * time.Hour)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Started)
	assert.Equal(t, stream.StatusLive, get(t, st, "later").Status)
}

func TestTick_StopsAtEndTime(t *testing.T) {
	s, st, enc, clk := setup(t)
	ctx := context.Background()
	end := clk.Now().Add(30 * time.Minute)
	schedule(t, st, "s1", clk.Now(), &end)

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, stream.StatusLive, get(t, st, "s1").Status)

	clk.Advance(10 * time.Minute)
	res, _ := s.Tick(ctx)
	assert.Equal(t, Result{}, res)

	clk.Advance(20 * time.Minute)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Stopped: 1}, res)
	assert.Equal(t, []string{"s1"}, enc.stopped)
	assert.Equal(t, stream.StatusOffline, get(t, st, "s1").Status)
}

func TestTick_RetriesWithinWindowThenGivesUp(t *testing.T) {
	s, st, enc, clk := setup(t)
	ctx := context.Background()
	schedule(t, st, "s1", clk.Now(), nil)
	enc.fail["s1"] = errors.New("encoder missing")

	res, _ := s.Tick(ctx)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.Equal(t, stream.StatusScheduled, get(t, st, "s1").Status)

	clk.Advance(50 * time.Second)
	res, _ = s.Tick(ctx)
	assert.Equal(t, Result{Failed: 1}, res)

	clk.Advance(20 * time.Second)
	res, _ = s.Tick(ctx)
	assert.Equal(t, Result{GaveUp: 1}, res)
	row := get(t, st, "s1")
	assert.Equal(t, stream.StatusOffline, row.Status)
	assert.Equal(t, "encoder missing", row.LastError)

	res, _ = s.Tick(ctx)
	assert.Equal(t, Result{}, res)
}

func TestTick_RecoversBeforeWindowCloses(t *testing.T) {
	s, st, enc, clk := setup(t)
	ctx := context.Background()
	schedule(t, st, "s1", clk.Now(), nil)
	enc.fail["s1"] = errors.New("transient")

	_, _ = s.Tick(ctx)
	delete(enc.fail, "s1")
	clk.Advance(30 * time.Second)
	res, _ := s.Tick(ctx)
	assert.Equal(t, Result{Started: 1}, res)
	assert.Empty(t, s.failures)
}

func TestTick_NotScheduledAnymoreIsSkipped(t *testing.T) {
	s, st, enc, clk := setup(t)
	schedule(t, st, "s1", clk.Now(), nil)
	enc.fail["s1"] = fmt.Errorf("stream s1 is offline: %w", stream.ErrNotScheduled)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, enc.started)
	assert.Equal(t, stream.StatusScheduled, get(t, st, "s1").Status)
	assert.Empty(t, s.failures)
}

// stopAfterDue lets a user stop land between the due query and the start.
type stopAfterDue struct {
	*memory.Store
	stop func(ctx context.Context, id string)
}

func (s *stopAfterDue) DueScheduled(ctx context.Context, now time.Time) ([]stream.Stream, error) {
	due, err := s.Store.DueScheduled(ctx, now)
	for _, st := range due {
		s.stop(ctx, st.ID)
	}
	return due, err
}

func TestTick_UserStopBeforeStartWins(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("encoders need /bin/sh")
	}
	mem := memory.New()
	mgr := manager.New(manager.Config{
		Command:   []string{"/bin/sh", "-c", "exec sleep 30"},
		StopGrace: 2 * time.Second,
		WorkDir:   t.TempDir(),
	}, manager.Deps{Store: mem, Content: content.Static{}, Destinations: &credentials.Resolver{}})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	at := now.Add(-time.Second)
	require.NoError(t, mem.CreateStream(ctx, stream.Stream{
		ID: "s1", UserID: "u1", ContentRef: "v.mp4", ScheduleTime: &at,
		RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "key-s1",
	}))

	wrapped := &stopAfterDue{Store: mem, stop: func(ctx context.Context, id string) {
		require.NoError(t, mgr.StopStream(ctx, id))
	}}
	s := New(Config{}, wrapped, mgr, WithClock(func() time.Time { return now }))

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.False(t, mgr.IsStreamActive("s1"))
	row := get(t, mem, "s1")
	assert.Equal(t, stream.StatusOffline, row.Status)
	assert.Nil(t, row.ScheduleTime)

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.False(t, mgr.IsStreamActive("s1"))
}

func TestTick_WindowAlreadyOver(t *testing.T) {
	s, st, enc, clk := setup(t)
	end := clk.Now().Add(-time.Minute)
	schedule(t, st, "s1", clk.Now().Add(-time.Hour), &end)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{GaveUp: 1}, res)
	assert.Empty(t, enc.started)
	assert.Equal(t, stream.StatusOffline, get(t, st, "s1").Status)
}

func TestTick_ManyStreamsConcurrently(t *testing.T) {
	s, st, enc, clk := setup(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		schedule(t, st, id, clk.Now(), nil)
	}
	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Started)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, enc.started)
}

func TestStartStop(t *testing.T) {
	st := memory.New()
	enc := &fakeEncoders{st: st, fail: map[string]error{}}
	s := New(Config{Interval: 20 * time.Millisecond}, st, enc)
	at := time.Now().Add(-time.Second)
	require.NoError(t, st.CreateStream(context.Background(), stream.Stream{ID: "s1", ContentRef: "v.mp4", ScheduleTime: &at}))

	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	require.Eventually(t, func() bool {
		row, err := st.GetStream(context.Background(), "s1")
		return err == nil && row.Status == stream.StatusLive
	}, 3*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
