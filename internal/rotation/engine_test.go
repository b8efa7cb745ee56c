package rotation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/broadcast"
	"github.com/anji4cp/streamnexus/internal/content"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/store/memory"
	"github.com/anji4cp/streamnexus/internal/stream"
)

type run struct {
	key  string
	item manager.Item
}

// fakeEncoders records item runs; an item stays active until stopped or crashed.
type fakeEncoders struct {
	mu     sync.Mutex
	runs   []run
	active map[string]bool
	fail   error
}

func newFakeEncoders() *fakeEncoders { return &fakeEncoders{active: map[string]bool{}} }

func (f *fakeEncoders) RunItem(_ context.Context, key string, it manager.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.active[key] {
		return stream.ErrAlreadyLive
	}
	f.active[key] = true
	f.runs = append(f.runs, run{key: key, item: it})
	return nil
}

func (f *fakeEncoders) StopItem(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.active, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoders) IsStreamActive(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[key]
}

func (f *fakeEncoders) crash(key string) { _ = f.StopItem(context.Background(), key) }

func (f *fakeEncoders) last() run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

func (f *fakeEncoders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeBroadcaster struct {
	created []string
	ended   []string
}

func (b *fakeBroadcaster) CreateBroadcast(_ context.Context, channelID string, item stream.RotationItem, _ time.Time) (broadcast.Broadcast, error) {
	id := fmt.Sprintf("bc-%d", len(b.created)+1)
	b.created = append(b.created, item.Title)
	return broadcast.Broadcast{ID: id, IngestURL: "rtmp://a.rtmp.youtube.com/live2", StreamName: channelID + "-" + id}, nil
}

func (b *fakeBroadcaster) EndBroadcast(_ context.Context, _ string, broadcastID string) error {
	b.ended = append(b.ended, broadcastID)
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	eng   *Engine
	st    *memory.Store
	enc   *fakeEncoders
	bc    *fakeBroadcaster
	clock *testClock
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{st: memory.New(), enc: newFakeEncoders(), bc: &fakeBroadcaster{}, clock: &testClock{t: now}}
	f.eng = New(Config{Policy: PolicyEqual}, Deps{
		Store:        f.st,
		Content:      content.Static{},
		Destinations: &credentials.Resolver{Broadcaster: f.bc},
		Encoders:     f.enc,
	}, WithClock(f.clock.Now))
	return f
}

// threeItemDaily runs 09:00-12:00 every day with one hour per item.
func (f *fixture) threeItemDaily(t *testing.T, id string, managed bool) {
	t.Helper()
	r := stream.Rotation{
		ID:         id,
		UserID:     "u1",
		Name:       "morning",
		RepeatMode: stream.RepeatDaily,
		StartTime:  at(9, 0).AddDate(0, 0, -7),
		EndTime:    at(12, 0).AddDate(0, 0, -7),
		Items: []stream.RotationItem{
			{OrderIndex: 0, ContentRef: "one.mp4", Title: "One"},
			{OrderIndex: 1, ContentRef: "two.mp4", Title: "Two"},
			{OrderIndex: 2, ContentRef: "three.mp4", Title: "Three"},
		},
	}
	if managed {
		r.YouTubeChannelID = "UC123"
	} else {
		r.RTMPURL = "rtmp://live.twitch.tv/app"
		r.StreamKey = "live_key"
	}
	require.NoError(t, f.st.CreateRotation(context.Background(), r))
}

func (f *fixture) rotation(t *testing.T, id string) stream.Rotation {
	t.Helper()
	r, err := f.st.GetRotation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestActivate_StartsItemOwningTheClock(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)

	require.NoError(t, f.eng.Activate(context.Background(), "r1"))

	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Equal(t, 1, r.CurrentItemIndex)
	require.Equal(t, 1, f.enc.count())
	got := f.enc.last()
	assert.Equal(t, ItemKey("r1"), got.key)
	assert.Equal(t, []string{"two.mp4"}, got.item.Inputs)
	assert.Equal(t, "rtmp://live.twitch.tv/app/live_key", got.item.Destination)
	assert.Zero(t, got.item.Seek)

	// activating again is a no-op
	require.NoError(t, f.eng.Activate(context.Background(), "r1"))
	assert.Equal(t, 1, f.enc.count())
}

func TestTick_SwitchesItemsAndEndsBroadcasts(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", true)
	ctx := context.Background()

	require.NoError(t, f.eng.Activate(ctx, "r1"))
	assert.Equal(t, []string{"Two"}, f.bc.created)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.eng.Tick(ctx))
	assert.Equal(t, 1, f.enc.count())

	f.clock.Advance(30 * time.Minute) // 11:10
	require.NoError(t, f.eng.Tick(ctx))
	assert.Equal(t, 2, f.rotation(t, "r1").CurrentItemIndex)
	assert.Equal(t, []string{"Two", "Three"}, f.bc.created)
	assert.Equal(t, []string{"bc-1"}, f.bc.ended)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/UC123-bc-2", f.enc.last().item.Destination)

	f.clock.Advance(time.Hour) // 12:10, outside the window
	require.NoError(t, f.eng.Tick(ctx))
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Equal(t, -1, r.CurrentItemIndex)
	assert.False(t, f.enc.IsStreamActive(ItemKey("r1")))
	assert.Equal(t, []string{"bc-1", "bc-2"}, f.bc.ended)

	f.clock.Advance(21 * time.Hour) // 09:10 next day
	require.NoError(t, f.eng.Tick(ctx))
	assert.Equal(t, 0, f.rotation(t, "r1").CurrentItemIndex)
	assert.Equal(t, []string{"one.mp4"}, f.enc.last().item.Inputs)
}

func TestActivate_OutsideWindowWaits(t *testing.T) {
	f := newFixture(t, at(13, 0))
	f.threeItemDaily(t, "r1", false)

	require.NoError(t, f.eng.Activate(context.Background(), "r1"))
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Equal(t, -1, r.CurrentItemIndex)
	assert.Zero(t, f.enc.count())
}

func TestTick_OneShotWindowElapsedDeactivates(t *testing.T) {
	f := newFixture(t, at(9, 30))
	ctx := context.Background()
	require.NoError(t, f.st.CreateRotation(ctx, stream.Rotation{
		ID: "r1", RepeatMode: stream.RepeatNone, StartTime: at(9, 0), EndTime: at(10, 0),
		RTMPURL: "rtmp://x/app", Items: []stream.RotationItem{{ContentRef: "a.mp4"}},
	}))
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.Tick(ctx))
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationInactive, r.Status)
	assert.Equal(t, -1, r.CurrentItemIndex)
	assert.False(t, f.enc.IsStreamActive(ItemKey("r1")))

	// an elapsed one-shot window cannot be activated again
	assert.ErrorIs(t, f.eng.Activate(ctx, "r1"), stream.ErrInvalidWindow)
}

func TestTick_RestartsCrashedItem(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	f.enc.crash(ItemKey("r1"))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.eng.Tick(ctx))
	assert.Equal(t, 2, f.enc.count())
	assert.Equal(t, []string{"two.mp4"}, f.enc.last().item.Inputs)
	assert.True(t, f.enc.IsStreamActive(ItemKey("r1")))
}

func TestPause_ResumesMidItemInsideSlot(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.eng.Pause(ctx, "r1"))
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationPaused, r.Status)
	assert.Equal(t, 1, r.CurrentItemIndex)
	assert.Equal(t, 10*time.Minute, r.PausedOffset)
	assert.False(t, f.enc.IsStreamActive(ItemKey("r1")))
	require.NoError(t, f.eng.Pause(ctx, "r1"))

	// ticks leave paused rotations alone
	require.NoError(t, f.eng.Tick(ctx))
	assert.Equal(t, 1, f.enc.count())

	f.clock.Advance(5 * time.Minute) // 10:45, still item 2's slot
	require.NoError(t, f.eng.Activate(ctx, "r1"))
	assert.Equal(t, 10*time.Minute, f.enc.last().item.Seek)
	r = f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Zero(t, r.PausedOffset)

	// offsets accumulate across resumes
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.eng.Pause(ctx, "r1"))
	assert.Equal(t, 15*time.Minute, f.rotation(t, "r1").PausedOffset)
}

func TestPause_ResumeAfterSlotEndedStartsWallClockItem(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.eng.Pause(ctx, "r1"))

	f.clock.Advance(30 * time.Minute) // 11:10
	require.NoError(t, f.eng.Activate(ctx, "r1"))
	got := f.enc.last()
	assert.Equal(t, []string{"three.mp4"}, got.item.Inputs)
	assert.Zero(t, got.item.Seek)
	assert.Equal(t, 2, f.rotation(t, "r1").CurrentItemIndex)
}

func TestPause_SameItemNextDayStartsFromBeginning(t *testing.T) {
	f := newFixture(t, at(10, 0))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	f.clock.Advance(55 * time.Minute)
	require.NoError(t, f.eng.Pause(ctx, "r1"))
	r := f.rotation(t, "r1")
	require.NotNil(t, r.PausedSlotStart)
	assert.True(t, r.PausedSlotStart.Equal(at(10, 0)))
	assert.Equal(t, 55*time.Minute, r.PausedOffset)

	f.clock.Advance(23*time.Hour + 5*time.Minute) // 10:00 the next day, item 2 again
	require.NoError(t, f.eng.Activate(ctx, "r1"))
	got := f.enc.last()
	assert.Equal(t, []string{"two.mp4"}, got.item.Inputs)
	assert.Zero(t, got.item.Seek)
	r = f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Nil(t, r.PausedSlotStart)
}

func TestStopAndDelete(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	assert.ErrorIs(t, f.eng.Delete(ctx, "r1"), stream.ErrRotationActive)

	require.NoError(t, f.eng.Stop(ctx, "r1"))
	require.NoError(t, f.eng.Stop(ctx, "r1"))
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationInactive, r.Status)
	assert.Equal(t, -1, r.CurrentItemIndex)
	assert.False(t, f.enc.IsStreamActive(ItemKey("r1")))

	assert.ErrorIs(t, f.eng.Pause(ctx, "r1"), ErrNotActive)
	require.NoError(t, f.eng.Delete(ctx, "r1"))
	assert.ErrorIs(t, f.eng.Activate(ctx, "r1"), stream.ErrNotFound)
}

func TestActivate_SpawnFailureLeavesRotationInactive(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", true)
	f.enc.fail = stream.ErrSpawnFailed

	err := f.eng.Activate(context.Background(), "r1")
	assert.ErrorIs(t, err, stream.ErrSpawnFailed)
	assert.Equal(t, stream.RotationInactive, f.rotation(t, "r1").Status)
	assert.Equal(t, []string{"bc-1"}, f.bc.ended)
}

func TestStart_RestoresActiveRotations(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	// a fresh engine after a restart: nothing runs yet
	enc := newFakeEncoders()
	eng := New(Config{Interval: time.Hour, Policy: PolicyEqual}, Deps{
		Store:        f.st,
		Content:      content.Static{},
		Destinations: &credentials.Resolver{},
		Encoders:     enc,
	}, WithClock(f.clock.Now))
	require.NoError(t, eng.Start(ctx))
	defer eng.StopLoop()
	assert.Error(t, eng.Start(ctx))

	assert.True(t, enc.IsStreamActive(ItemKey("r1")))
	assert.Equal(t, []string{"two.mp4"}, enc.last().item.Inputs)
}

func TestHalt_EndsBroadcastsKeepsState(t *testing.T) {
	f := newFixture(t, at(10, 30))
	f.threeItemDaily(t, "r1", true)
	ctx := context.Background()
	require.NoError(t, f.eng.Activate(ctx, "r1"))

	f.eng.Halt(ctx)
	assert.False(t, f.enc.IsStreamActive(ItemKey("r1")))
	assert.Equal(t, []string{"bc-1"}, f.bc.ended)
	r := f.rotation(t, "r1")
	assert.Equal(t, stream.RotationActive, r.Status)
	assert.Equal(t, 1, r.CurrentItemIndex)
}
