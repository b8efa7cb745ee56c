package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/history"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/store/memory"
	"github.com/anji4cp/streamnexus/internal/stream"
)

type fakeEncoders struct {
	active map[string]bool
	syncs  int
	err    error
}

func (f *fakeEncoders) IsStreamActive(key string) bool { return f.active[key] }

func (f *fakeEncoders) SyncStreamStatuses(context.Context) (manager.SyncResult, error) {
	f.syncs++
	return manager.SyncResult{}, f.err
}

type memSink struct{ events []history.Event }

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.events = append(s.events, e)
	return nil
}

func seed(t *testing.T, st *memory.Store, id string, status stream.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateStream(ctx, stream.Stream{ID: id, ContentRef: "v.mp4"}))
	require.NoError(t, st.SetStatus(ctx, id, store.StatusUpdate{Status: status}))
}

func TestBoot_ResetsStaleLiveStreams(t *testing.T) {
	st := memory.New()
	seed(t, st, "a", stream.StatusLive)
	seed(t, st, "b", stream.StatusLive)
	seed(t, st, "c", stream.StatusOffline)
	enc := &fakeEncoders{}
	sink := &memSink{}
	rec := history.NewRecorder(nil, sink)

	n, err := (&Reconciler{Store: st, Encoders: enc, Recorder: rec}).Boot(context.Background())
	require.NoError(t, err)
	rec.Close()

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, enc.syncs)
	live, err := st.ListStreams(context.Background(), store.Filter{Status: stream.StatusLive})
	require.NoError(t, err)
	assert.Empty(t, live)
	require.Len(t, sink.events, 2)
	assert.Equal(t, history.EventReset, sink.events[0].Type)
}

func TestBoot_SkipsRunningEncoders(t *testing.T) {
	st := memory.New()
	seed(t, st, "a", stream.StatusLive)
	n, err := (&Reconciler{Store: st, Encoders: &fakeEncoders{active: map[string]bool{"a": true}}}).Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	s, _ := st.GetStream(context.Background(), "a")
	assert.Equal(t, stream.StatusLive, s.Status)
}

func TestBoot_FailsWhenResetCannotBeWritten(t *testing.T) {
	st := memory.New()
	seed(t, st, "a", stream.StatusLive)
	writes := 0
	st.FailStatus = func(string, store.StatusUpdate) error {
		writes++
		return errors.New("disk full")
	}
	_, err := (&Reconciler{Store: st, Attempts: 2}).Boot(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, writes)
}

func TestBoot_PropagatesSyncError(t *testing.T) {
	st := memory.New()
	_, err := (&Reconciler{Store: st, Encoders: &fakeEncoders{err: context.Canceled}}).Boot(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
