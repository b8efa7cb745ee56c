//go:build !windows

package process

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shSpec(key string, gen uint64, script string) Spec {
	return Spec{Key: key, Generation: gen, Command: []string{"/bin/sh", "-c", script}, LogLines: 16}
}

func waitExit(t *testing.T, events <-chan Exit) Exit {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for exit event")
	}
	return Exit{}
}

func TestHandle_StopIsGracefulAndIdempotent(t *testing.T) {
	events := make(chan Exit, 4)
	h, err := Start(shSpec("s1", 7, "echo hello; exec sleep 30"), events, nil)
	require.NoError(t, err)
	assert.True(t, h.IsRunning())
	assert.Equal(t, uint64(7), h.Generation())
	assert.Greater(t, h.PID(), 0)

	require.Eventually(t, func() bool {
		tail := h.Tail(10)
		return len(tail) == 1 && tail[0] == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Stop(2*time.Second))
	assert.False(t, h.IsRunning())

	ev := waitExit(t, events)
	assert.Equal(t, ExitKilled, ev.Reason)
	assert.Equal(t, "s1", ev.Key)
	assert.Equal(t, uint64(7), ev.Generation)
	assert.Nil(t, ev.CrashErr())

	// second stop on an exited handle is a no-op
	require.NoError(t, h.Stop(time.Second))
	select {
	case extra := <-events:
		t.Fatalf("unexpected second exit event: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandle_StopEscalatesToKill(t *testing.T) {
	events := make(chan Exit, 1)
	h, err := Start(shSpec("stubborn", 1, `trap "" TERM; sleep 30`), events, nil)
	require.NoError(t, err)
	// give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Stop(300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	ev := waitExit(t, events)
	assert.Equal(t, ExitKilled, ev.Reason)
	assert.Equal(t, "killed", ev.Signal)
}

func TestHandle_CrashReportsCode(t *testing.T) {
	events := make(chan Exit, 1)
	h, err := Start(shSpec("crashy", 3, "echo boom >&2; exit 3"), events, nil)
	require.NoError(t, err)

	ev := waitExit(t, events)
	assert.Equal(t, ExitCrashed, ev.Reason)
	assert.Equal(t, 3, ev.Code)
	assert.Empty(t, ev.Signal)
	assert.True(t, errors.Is(ev.CrashErr(), stream.ErrCrashDetected))
	assert.Equal(t, []string{"boom"}, h.Tail(5))

	info, done := h.ExitInfo()
	require.True(t, done)
	assert.Equal(t, ev, info)
}

func TestHandle_NormalExit(t *testing.T) {
	events := make(chan Exit, 1)
	_, err := Start(shSpec("short", 1, "exit 0"), events, nil)
	require.NoError(t, err)
	ev := waitExit(t, events)
	assert.Equal(t, ExitNormal, ev.Reason)
	assert.Equal(t, 0, ev.Code)
}

func TestHandle_SpawnFailure(t *testing.T) {
	_, err := Start(Spec{Key: "bad", Command: []string{"/definitely/not/here"}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrSpawnFailed))

	_, err = Start(Spec{Key: "empty", Destination: "rtmp://x/y"}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrSpawnFailed))
}

func TestHandle_QuitAbandonsUndeliveredExit(t *testing.T) {
	events := make(chan Exit) // nobody reads
	quit := make(chan struct{})
	h, err := Start(shSpec("orphan", 1, "exit 0"), events, quit)
	require.NoError(t, err)
	<-h.Done()
	close(quit)
	// nothing to assert beyond not hanging; the waiter returns through quit
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestSpec_Args(t *testing.T) {
	loop := false
	s := Spec{
		Key:         "a",
		Inputs:      []string{"/videos/a.mp4"},
		Destination: "rtmp://live.example.com/app/key",
		Settings:    stream.Settings{Bitrate: 4000, Resolution: "1920x1080", FPS: 60, Orientation: stream.Vertical, Loop: &loop},
		Seek:        90 * time.Second,
	}
	args := strings.Join(s.Args("/videos/a.mp4"), " ")
	assert.Contains(t, args, "-ss 90.000 -re -i /videos/a.mp4")
	assert.NotContains(t, args, "-stream_loop")
	assert.Contains(t, args, "scale=1080:1920")
	assert.Contains(t, args, "-b:v 4000k -maxrate 4000k -bufsize 8000k")
	assert.Contains(t, args, "-r 60 -g 120")
	assert.True(t, strings.HasSuffix(args, "-f flv rtmp://live.example.com/app/key"))

	s.Settings.Loop = nil
	s.Seek = 0
	args = strings.Join(s.Args("/videos/a.mp4"), " ")
	assert.Contains(t, args, "-re -stream_loop -1 -i /videos/a.mp4")
	assert.NotContains(t, args, "-ss")
}

func TestSpec_ConcatListForPlaylists(t *testing.T) {
	dir := t.TempDir()
	s := Spec{
		Key:         "play/list",
		Generation:  4,
		Inputs:      []string{"/v/one.mp4", "/v/it's.mp4"},
		Destination: "rtmp://x/y",
		WorkDir:     dir,
	}
	bin, args, temp, err := s.commandLine()
	require.NoError(t, err)
	assert.Equal(t, DefaultBinary, bin)
	require.Len(t, temp, 1)
	assert.Contains(t, temp[0], "play_list-4.concat.txt")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-f concat -safe 0 -i "+temp[0])
}
